package linuxos

import (
	"testing"

	"github.com/go-vmi/linuxvmi/debugplane"
)

func TestResolveTargetByPID(t *testing.T) {
	t.Parallel()

	e, _, a := newFixture()

	proc, ok := e.ResolveTarget("42")
	if !ok {
		t.Fatal("ResolveTarget(\"42\") failed")
	}

	if proc.ID != a.procA {
		t.Errorf("ResolveTarget(\"42\").ID = %#x, want %#x", proc.ID, a.procA)
	}
}

func TestResolveTargetByName(t *testing.T) {
	t.Parallel()

	e, _, a := newFixture()

	proc, ok := e.ResolveTarget("charlie")
	if !ok {
		t.Fatal("ResolveTarget(\"charlie\") failed")
	}

	if proc.ID != a.procC {
		t.Errorf("ResolveTarget(\"charlie\").ID = %#x, want %#x", proc.ID, a.procC)
	}
}

func TestResolveTargetNumericLookingNameFails(t *testing.T) {
	t.Parallel()

	e, _, _ := newFixture()

	// "99999999" parses as a PID first; a process literally named that
	// is not reachable through ResolveTarget, matching the guest OS's
	// own resolution order (PID wins over name).
	if _, ok := e.ResolveTarget("99999999"); ok {
		t.Error("ResolveTarget resolved a PID that was never written")
	}
}

func TestProcByNameNeverInterpretsNameAsPID(t *testing.T) {
	t.Parallel()

	e, _, _ := newFixture()

	if _, ok := e.procByName("42"); ok {
		t.Error("procByName matched \"42\" as a command name, want failure (no such comm)")
	}
}

func TestResolveTargetMissing(t *testing.T) {
	t.Parallel()

	e, _, _ := newFixture()

	if _, ok := e.ResolveTarget("nonexistent"); ok {
		t.Error("ResolveTarget matched a name that was never written")
	}
}

func TestProcSelectUserAddressKeepsProcDTB(t *testing.T) {
	t.Parallel()

	e, _, _ := newFixture()

	procA, ok := e.ProcFind(42)
	if !ok {
		t.Fatal("ProcFind(42) failed")
	}

	selected := e.ProcSelect(procA, debugplane.VirtualAddress(0x400000))
	if selected.ID != procA.ID || selected.DTB != procA.DTB {
		t.Errorf("ProcSelect(user addr) = %+v, want unchanged %+v", selected, procA)
	}
}

func TestProcSelectKernelAddressSwitchesToKPGD(t *testing.T) {
	t.Parallel()

	e, _, a := newFixture()

	procA, ok := e.ProcFind(42)
	if !ok {
		t.Fatal("ProcFind(42) failed")
	}

	selected := e.ProcSelect(procA, debugplane.VirtualAddress(0xFFFFFFFF80001000))
	if selected.ID != procA.ID {
		t.Errorf("ProcSelect(kernel addr).ID = %#x, want proc's own id %#x", selected.ID, procA.ID)
	}

	if selected.DTB != a.kernelDTB {
		t.Errorf("ProcSelect(kernel addr).DTB = %#x, want kpgd %#x", uint64(selected.DTB), uint64(a.kernelDTB))
	}
}

func TestProcResolveTranslatesUnderSelectedDTB(t *testing.T) {
	t.Parallel()

	e, _, a := newFixture()

	procA, ok := e.ProcFind(42)
	if !ok {
		t.Fatal("ProcFind(42) failed")
	}

	phys, ok := e.ProcResolve(procA, debugplane.VirtualAddress(a.virtBase+0x50))
	if !ok {
		t.Fatal("ProcResolve failed against a kernel address")
	}

	if phys != 0x50 {
		t.Errorf("ProcResolve(kernel addr) = %#x, want %#x", uint64(phys), uint64(0x50))
	}
}

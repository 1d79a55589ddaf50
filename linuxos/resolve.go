package linuxos

import (
	"strconv"

	"github.com/go-vmi/linuxvmi/debugplane"
	"github.com/go-vmi/linuxvmi/memreader"
)

// ProcSelect picks which process's address space a pointer observed
// while inspecting proc should be read under: kernel addresses always
// resolve under kpgd regardless of which process they were observed
// in, so ProcSelect returns a handle carrying proc's own id but kpgd
// as its DTB; a user-space pointer resolves under proc's own DTB
// unchanged (os_linux.cpp's OsLinux::proc_select).
func (e *Engine) ProcSelect(proc ProcHandle, ptr debugplane.VirtualAddress) ProcHandle {
	if !memreader.IsKernelAddress(ptr) {
		return proc
	}

	return ProcHandle{ID: proc.ID, DTB: e.kernelDTB}
}

// ProcResolve translates a pointer value observed while inspecting
// proc to a physical address, choosing proc's own DTB for user
// addresses and kpgd for kernel addresses via ProcSelect
// (os_linux.cpp's OsLinux::proc_resolve).
func (e *Engine) ProcResolve(proc ProcHandle, ptr debugplane.VirtualAddress) (debugplane.PhysicalAddress, bool) {
	selected := e.ProcSelect(proc, ptr)

	return e.ReaderFor(selected).VirtualToPhysical(ptr)
}

// ResolveTarget locates a process from a user-supplied CLI identifier:
// a decimal PID if identifier parses as one, otherwise a command name
// (the first process list match wins, matching the guest OS's own
// "first one found" resolution order).
func (e *Engine) ResolveTarget(identifier string) (ProcHandle, bool) {
	if pid, err := strconv.ParseUint(identifier, 10, 64); err == nil {
		return e.ProcFind(pid)
	}

	return e.procByName(identifier)
}

// procByName locates the process whose command name exactly matches
// name. Unlike ResolveTarget it never interprets name as a PID.
func (e *Engine) procByName(name string) (ProcHandle, bool) {
	var found ProcHandle

	var ok bool

	e.ProcList(func(p ProcHandle) WalkResult {
		n, nameOK := e.ProcName(p)
		if nameOK && n == name {
			found, ok = p, true

			return WalkStop
		}

		return WalkNext
	})

	return found, ok
}

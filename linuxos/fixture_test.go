package linuxos

import (
	"github.com/go-vmi/linuxvmi/debugplane"
	"github.com/go-vmi/linuxvmi/debugplane/planetest"
	"github.com/go-vmi/linuxvmi/memreader"
)

// Synthetic task_struct/mm_struct/pt_regs layout shared by every test
// in this package. Field offsets are arbitrary but self-consistent;
// they do not need to match any real kernel build.
const (
	fxOffThreadInfo  = 0x00
	fxOffTasks       = 0x10
	fxOffComm        = 0x20
	fxOffPID         = 0x30
	fxOffRealParent  = 0x38
	fxOffGroupLeader = 0x40
	fxOffThreadGroup = 0x48
	fxOffMM          = 0x58
	fxOffActiveMM    = 0x60
	fxOffStack       = 0x68
	fxTaskStructSize = 0x70

	fxOffThreadInfoFlags = 0x00
	fxOffMMPGD           = 0x00
	fxOffPtRegsIP        = 0x10
	fxPtRegsSize         = 0x18

	fxCurrentTaskPerCPUOff = 0x08
)

// fakeProvider is a minimal in-memory symbols.Provider: every address
// is file-relative and identical to the observed address unless
// SetASLR is called, matching the no-slide fixtures built by
// newFixture.
type fakeProvider struct {
	syms  map[string]uint64
	offs  map[[2]string]uint64
	sizes map[string]uint64
	slide uint64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		syms:  map[string]uint64{},
		offs:  map[[2]string]uint64{},
		sizes: map[string]uint64{},
	}
}

func (f *fakeProvider) Symbol(name string) (uint64, bool) {
	v, ok := f.syms[name]
	if !ok {
		return 0, false
	}

	return v + f.slide, true
}

func (f *fakeProvider) StructOffset(structName, member string) (uint64, bool) {
	v, ok := f.offs[[2]string{structName, member}]

	return v, ok
}

func (f *fakeProvider) StructSize(structName string) (uint64, bool) {
	v, ok := f.sizes[structName]

	return v, ok
}

func (f *fakeProvider) SetASLR(knownSymbol string, observed uint64) bool {
	fileAddr, ok := f.syms[knownSymbol]
	if !ok {
		return false
	}

	f.slide = observed - fileAddr

	return true
}

func (f *fakeProvider) ASLR() uint64 { return f.slide }

// fixtureAddrs names every address newFixture wrote, for assertions.
type fixtureAddrs struct {
	virtBase  uint64
	banner    uint64
	perCPU    uint64
	initTask  uint64
	procA     uint64 // pid 42 "alpha", two threads
	threadB   uint64 // second thread of procA
	procC     uint64 // pid 77 "charlie"
	stackA    uint64 // kernel stack base of procA's leader thread
	kernelDTB debugplane.DTB

	// threadBPtRegs is the address of threadB's own pt_regs, seeded
	// with a kernel-space ip (mid-syscall).
	threadBPtRegs uint64
}

func newFixture() (*Engine, *planetest.Plane, fixtureAddrs) {
	const (
		virtBase = bannerScanStart
		dataSize = 0x10000
		tableBase = dataSize
	)

	plane := planetest.New(tableBase + 0x4000)
	planetest.IdentityMapKernel(plane, tableBase, virtBase, dataSize)

	a := fixtureAddrs{
		virtBase: virtBase,
		banner:   virtBase + 0x0000,
		perCPU:   virtBase + 0x1000,
		initTask: virtBase + 0x2000,
		procA:    virtBase + 0x2100,
		threadB:  virtBase + 0x2200,
		procC:    virtBase + 0x2300,
	}

	mmA := virtBase + uint64(0x3100)
	mmC := virtBase + uint64(0x3200)
	pgdA := virtBase + uint64(0x4000)
	pgdC := virtBase + uint64(0x4100)
	stackA := virtBase + uint64(0x5000)
	stackB := virtBase + uint64(0x6000)
	a.stackA = stackA

	banner := "Linux version 5.4.0-42-generic (buildd@lcy01) #46 SMP Fri Jul 10 2020"
	plane.WriteString(a.banner-virtBase, banner)

	plane.WriteU64(a.perCPU-virtBase+fxCurrentTaskPerCPUOff, a.threadB)

	writeTask(plane, virtBase, a.initTask, 0 /* pid */, "swapper", 0 /* realParent */, a.initTask, a.initTask, 0 /* mm */, 0)
	writeTask(plane, virtBase, a.procA, 42, "alpha", a.initTask, a.procA, a.threadB, mmA, stackA)
	writeTask(plane, virtBase, a.threadB, 42, "alpha", a.initTask, a.procA, a.procA, mmA, stackB)
	writeTask(plane, virtBase, a.procC, 77, "charlie", a.initTask, a.procC, a.procC, mmC, 0)

	// Global "tasks" list: init_task -> procA -> procC -> init_task.
	plane.WriteU64(a.initTask-virtBase+fxOffTasks, a.procA+fxOffTasks)
	plane.WriteU64(a.procA-virtBase+fxOffTasks, a.procC+fxOffTasks)
	plane.WriteU64(a.procC-virtBase+fxOffTasks, a.initTask+fxOffTasks)

	plane.WriteU64(mmA-virtBase+fxOffMMPGD, pgdA)
	plane.WriteU64(mmC-virtBase+fxOffMMPGD, pgdC)

	// At v5.4.0 (>= 4.0, no kasan_init symbol in this fixture),
	// threadSizeOrder() is 2 and topOfKernelStackPadding() is 0:
	// THREAD_SIZE = 4096 << 2 = 16384.
	const fxThreadSize = 16384

	const ptRegsIPValue = 0xdeadbeef1234
	ptRegs := stackA + fxThreadSize - fxPtRegsSize
	plane.WriteU64(ptRegs-virtBase+fxOffPtRegsIP, ptRegsIPValue)

	// threadB's own pt_regs: seeded with a kernel-space ip (mid-syscall).
	const threadBPtRegsIPValue = 0xffffffff81001234
	ptRegsB := stackB + fxThreadSize - fxPtRegsSize
	plane.WriteU64(ptRegsB-virtBase+fxOffPtRegsIP, threadBPtRegsIPValue)

	a.threadBPtRegs = ptRegsB

	provider := newFakeProvider()
	provider.syms["linux_banner"] = a.banner
	provider.syms["__per_cpu_start"] = a.perCPU
	provider.syms["current_task"] = fxCurrentTaskPerCPUOff

	for _, o := range []struct {
		structure, member string
		off                uint64
	}{
		{"task_struct", "thread_info", fxOffThreadInfo},
		{"task_struct", "stack", fxOffStack},
		{"task_struct", "comm", fxOffComm},
		{"task_struct", "pid", fxOffPID},
		{"task_struct", "real_parent", fxOffRealParent},
		{"task_struct", "group_leader", fxOffGroupLeader},
		{"task_struct", "thread_group", fxOffThreadGroup},
		{"task_struct", "tasks", fxOffTasks},
		{"task_struct", "mm", fxOffMM},
		{"task_struct", "active_mm", fxOffActiveMM},
		{"mm_struct", "pgd", fxOffMMPGD},
		{"thread_info", "flags", fxOffThreadInfoFlags},
		{"pt_regs", "ip", fxOffPtRegsIP},
	} {
		provider.offs[[2]string{o.structure, o.member}] = o.off
	}

	provider.sizes["pt_regs"] = fxPtRegsSize

	resolved, ok := resolveOffsets(provider)
	if !ok {
		panic("linuxos: test fixture offset table did not resolve")
	}

	reader := memreader.New(plane)
	reader.KernelDTB = debugplane.DTB(tableBase)

	e := &Engine{
		plane:     plane,
		reader:    reader,
		syms:      provider,
		kernelDTB: debugplane.DTB(tableBase),
		perCPU:    a.perCPU,
		version:   Version{5, 4, 0},
		guid:      bannerGUID(banner),
		offs:      resolved,
	}

	a.kernelDTB = e.kernelDTB

	return e, plane, a
}

func writeTask(p *planetest.Plane, virtBase, taskAddr uint64, pid uint32, comm string, realParent, groupLeader, threadGroupNext, mm, stack uint64) {
	base := taskAddr - virtBase

	p.WriteU32(base+fxOffPID, pid)
	p.WriteString(base+fxOffComm, comm)
	p.WriteU64(base+fxOffRealParent, realParent)
	p.WriteU64(base+fxOffGroupLeader, groupLeader)
	p.WriteU64(base+fxOffThreadGroup, threadGroupNext+fxOffThreadGroup)
	p.WriteU64(base+fxOffMM, mm)
	p.WriteU64(base+fxOffStack, stack)
}

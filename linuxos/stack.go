package linuxos

import "github.com/go-vmi/linuxvmi/debugplane"

// threadSizeOrder returns log2(THREAD_SIZE / PAGE_SIZE) for this
// Engine's validated kernel version: kernels before 3.15 used a
// two-page (order 1) kernel stack, 3.15 through 3.x widened that to
// order 2, and 4.0 onward keeps order 2 unless the build also resolves
// a kasan_init symbol, in which case KASAN's shadow-memory
// instrumentation needs one page more (order 3).
func (e *Engine) threadSizeOrder() int {
	switch {
	case e.version.Less(Version{3, 15}):
		return 1
	case e.version.Less(Version{4, 0}):
		return 2
	default:
		if _, ok := e.symbol(SymKasanInit); ok {
			return 3
		}

		return 2
	}
}

// topOfKernelStackPadding is the number of bytes the kernel leaves
// unused at the very top of a task's kernel stack before pt_regs: 8
// bytes pre-4.0, removed entirely from 4.0 onward.
func topOfKernelStackPadding(v Version) uint64 {
	if v.Less(Version{4, 0}) {
		return 8
	}

	return 0
}

const pageSize = 4096

// threadPtRegs computes the address of the pt_regs structure pushed
// at the top of thread's kernel stack: stack base + (pages per
// THREAD_SIZE_ORDER * pageSize) - padding - sizeof(pt_regs).
func (e *Engine) threadPtRegs(thread ThreadHandle) (uint64, bool) {
	stackOff, ok := e.offset(OffTaskStructStack)
	if !ok {
		return 0, false
	}

	stack, ok := e.reader.ReadU64(debugplane.VirtualAddress(thread.ID + stackOff))
	if !ok || stack == 0 {
		return 0, false
	}

	ptRegsSize, ok := e.syms.StructSize("pt_regs")
	if !ok {
		return 0, false
	}

	threadSize := uint64(pageSize) << e.threadSizeOrder()
	top := stack + threadSize - topOfKernelStackPadding(e.version)

	return top - ptRegsSize, true
}

// ThreadPC returns the program counter at which thread is currently
// suspended. For the currently running thread this is the live RIP
// register; for any other thread it is the return address saved just
// below pt_regs at the top of its kernel stack (the address control
// returns to once the scheduler picks this thread again), not
// pt_regs.ip — that field holds the saved user RIP and is only
// meaningful to the proc_join user-mode staleness check.
func (e *Engine) ThreadPC(thread ThreadHandle) (uint64, bool) {
	current, ok := e.ThreadCurrent()
	if !ok {
		return 0, false
	}

	if thread.ID == current.ID {
		return e.plane.ReadRegister(debugplane.RegRIP)
	}

	regs, ok := e.threadPtRegs(thread)
	if !ok {
		return 0, false
	}

	const returnAddrBelowPtRegs = 8

	return e.reader.ReadU64(debugplane.VirtualAddress(regs - returnAddrBelowPtRegs))
}

// CurrentRing reports the privilege level (0 or 3) the CPU is
// currently executing at, read from the low two bits of the CS
// selector.
func (e *Engine) CurrentRing() (int, bool) {
	cs, ok := e.plane.ReadRegister(debugplane.RegCS)
	if !ok {
		return 0, false
	}

	return int(cs & 0x3), true
}

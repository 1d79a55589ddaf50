package linuxos

import (
	"github.com/go-vmi/linuxvmi/debugplane"
	"github.com/go-vmi/linuxvmi/runner"
)

// JoinMode selects the privilege mode ProcJoin rendezvouses with.
type JoinMode int

const (
	// JoinAnyMode stops as soon as the target process's address space
	// is current, whether the CPU is executing kernel or user code.
	JoinAnyMode JoinMode = iota
	// JoinUserMode additionally requires the CPU to be executing user
	// code: a CR3 match taken mid-syscall is rejected and the wait
	// continues.
	JoinUserMode
)

// ProcJoin pauses the guest with proc's address space current and, if
// mode is JoinUserMode, with the CPU executing user-mode code in that
// process. If proc isn't already current it first runs to any PC of
// one of proc's own threads (procJoinAny); for JoinUserMode it then
// runs on to proc's predicted user-mode return address, re-checking
// after every hit since the target can be rescheduled away or the
// saved return address can change underneath the wait.
func (e *Engine) ProcJoin(proc ProcHandle, mode JoinMode) bool {
	if proc.DTB == 0 {
		return false
	}

	for {
		current, ok := e.ProcCurrent()
		if !ok {
			return false
		}

		if current.ID == proc.ID {
			if mode == JoinAnyMode {
				return true
			}

			if ring, ringOK := e.CurrentRing(); ringOK && ring == 3 {
				return true
			}
		} else if !e.procJoinAny(proc) {
			return false
		}

		// Now paused inside proc, in kernel mode (or already was).
		if mode == JoinAnyMode {
			return true
		}

		if !e.joinUserMode(proc) {
			return false
		}
	}
}

// procJoinAny runs the guest until execution reaches the saved PC of
// one of target's threads, accepting only a hit whose current process
// is actually target: the breakpoints carry no CR3 filter, so any
// process that happens to execute at one of those addresses (a stale
// return address, a reused stack slot) can trigger a spurious hit, and
// the hit is rechecked against proc_current before being trusted
// (spec.md §4.7 step 3; os_linux.cpp's proc_join_any).
func (e *Engine) procJoinAny(target ProcHandle) bool {
	var pcs []uint64

	complete := e.ThreadList(target, func(t ThreadHandle) WalkResult {
		pc, ok := e.ThreadPC(t)
		if !ok {
			pcs = nil

			return WalkStop
		}

		pcs = append(pcs, pc)

		return WalkNext
	})

	if !complete || len(pcs) == 0 {
		return false
	}

	joined := false

	runner.RunTo(e.plane, pcs, debugplane.BPCR3None, func() runner.Decision {
		current, ok := e.ProcCurrent()
		if ok && current.ID == target.ID {
			joined = true

			return runner.Stop
		}

		return runner.Next
	})

	return joined
}

// joinUserMode drives the guest from target's kernel mode towards
// target's user mode. If the saved user RIP can't be read or is zero
// (not yet meaningful), it instead runs to the next CR3 write so the
// caller's outer loop can re-evaluate proc_current from scratch
// (spec.md §4.7 steps 5-6; os_linux.cpp's run_until_next_cr3).
func (e *Engine) joinUserMode(target ProcHandle) bool {
	thread := ThreadHandle{ID: target.ID}

	userRIP, ok := e.threadUserRIP(thread)
	if !ok || userRIP == 0 {
		return e.runUntilNextCR3()
	}

	return e.runToUserRIP(target, thread, userRIP)
}

// threadUserRIP reads pt_regs.ip for thread: the user-mode RIP saved
// at kernel entry, restored on return. This is distinct from ThreadPC,
// which returns the kernel return address for a non-current thread.
func (e *Engine) threadUserRIP(thread ThreadHandle) (uint64, bool) {
	regs, ok := e.threadPtRegs(thread)
	if !ok {
		return 0, false
	}

	ipOff, ok := e.offset(OffPtRegsIP)
	if !ok {
		return 0, false
	}

	return e.reader.ReadU64(debugplane.VirtualAddress(regs + ipOff))
}

// runUntilNextCR3 runs the guest to the next write of CR3 with no
// further condition.
func (e *Engine) runUntilNextCR3() bool {
	return runner.RunTo(e.plane, nil, debugplane.BPCR3OnWritings, func() runner.Decision {
		return runner.Stop
	})
}

// runToUserRIP installs a breakpoint at userRIP filtered to CR3
// writes and runs until target is genuinely executing in user mode:
// a hit can land with the CPU already at ring 3, with target having
// been rescheduled away, or with the kernel still mid-syscall and
// pt_regs.ip unchanged (same boundary, not yet returned, keep
// running); any other outcome stops so the outer ProcJoin loop can
// re-evaluate from scratch (spec.md §4.7 step 6).
func (e *Engine) runToUserRIP(target ProcHandle, thread ThreadHandle, userRIP uint64) bool {
	return runner.RunTo(e.plane, []uint64{userRIP}, debugplane.BPCR3OnWritings, func() runner.Decision {
		ring, ringOK := e.CurrentRing()
		if ringOK && ring == 3 {
			return runner.Stop
		}

		current, ok := e.ProcCurrent()
		if !ok || current.ID != target.ID {
			return runner.Stop
		}

		updated, ok := e.threadUserRIP(thread)
		if !ok || updated != userRIP {
			return runner.Stop
		}

		return runner.Next
	})
}

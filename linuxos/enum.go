package linuxos

import "github.com/go-vmi/linuxvmi/debugplane"

// walkList walks a doubly-linked kernel list (struct list_head style:
// a node's embedded list_head.next points to the *next node's*
// embedded list_head, not to the node's own base), starting at
// headNode itself and visiting it before following any forward
// pointer — mirroring the guest OS's own do-while traversal, which
// never special-cases the node it starts from. It stops once the
// forward pointer wraps back to headNode's own list_head, when visit
// returns WalkStop, or once kernelStackWalkLimit nodes have been
// visited so a corrupt or non-terminating list cannot hang the
// caller.
func (e *Engine) walkList(headNode uint64, linkOffset uint64, visit func(node uint64) WalkResult) bool {
	head := headNode + linkOffset
	link := head

	for i := 0; ; i++ {
		if i >= kernelStackWalkLimit {
			return false
		}

		node := link - linkOffset

		if visit(node) == WalkStop {
			return true
		}

		next, ok := e.reader.ReadU64(debugplane.VirtualAddress(link))
		if !ok {
			return false
		}

		link = next

		if link == head {
			return true
		}
	}
}

// ProcList enumerates every process (thread-group leader) reachable
// from the currently running process through task_struct.tasks,
// invoking visit for each until it returns WalkStop or every process
// (including swapper/pid 0, reachable from any live task per I5) has
// been visited.
func (e *Engine) ProcList(visit func(ProcHandle) WalkResult) bool {
	current, ok := e.ProcCurrent()
	if !ok {
		return false
	}

	tasksOff, ok := e.offset(OffTaskStructTasks)
	if !ok {
		return false
	}

	return e.walkList(current.ID, tasksOff, func(node uint64) WalkResult {
		proc, ok := e.ThreadProc(ThreadHandle{ID: node})
		if !ok {
			return WalkNext
		}

		return visit(proc)
	})
}

// ThreadList enumerates every task_struct in proc's thread group,
// including proc's own leader thread.
func (e *Engine) ThreadList(proc ProcHandle, visit func(ThreadHandle) WalkResult) bool {
	groupOff, ok := e.offset(OffTaskStructThreadGroup)
	if !ok {
		return false
	}

	return e.walkList(proc.ID, groupOff, func(node uint64) WalkResult {
		return visit(ThreadHandle{ID: node})
	})
}

// ThreadProc returns the process (thread-group leader) that thread
// belongs to.
func (e *Engine) ThreadProc(thread ThreadHandle) (ProcHandle, bool) {
	leaderOff, ok := e.offset(OffTaskStructGroupLeader)
	if !ok {
		return ProcHandle{}, false
	}

	leader, ok := e.reader.ReadU64(debugplane.VirtualAddress(thread.ID + leaderOff))
	if !ok {
		return ProcHandle{}, false
	}

	return e.procHandle(leader)
}

// ThreadID returns the kernel-internal task_struct address identifying
// thread; this is an opaque handle, not a PID (use ProcID for that).
func (e *Engine) ThreadID(thread ThreadHandle) uint64 { return thread.ID }

// ProcCurrent returns the process currently running, read through the
// per-CPU "current_task" pointer.
func (e *Engine) ProcCurrent() (ProcHandle, bool) {
	thread, ok := e.ThreadCurrent()
	if !ok {
		return ProcHandle{}, false
	}

	return e.ThreadProc(thread)
}

// ThreadCurrent returns the task_struct currently running, read
// through the per-CPU "current_task" pointer.
func (e *Engine) ThreadCurrent() (ThreadHandle, bool) {
	currentTaskOff, ok := e.symbol(SymCurrentTask)
	if !ok {
		return ThreadHandle{}, false
	}

	ptr, ok := e.reader.ReadU64(debugplane.VirtualAddress(e.perCPU + currentTaskOff))
	if !ok {
		return ThreadHandle{}, false
	}

	return ThreadHandle{ID: ptr}, true
}

// ProcFind locates the process with the given pid, scanning the
// global task list. pid values above PIDMax are treated as
// corrupt and never match (spec.md §9 open question 2).
func (e *Engine) ProcFind(pid uint64) (ProcHandle, bool) {
	if pid > PIDMax {
		return ProcHandle{}, false
	}

	var found ProcHandle

	var ok bool

	e.ProcList(func(p ProcHandle) WalkResult {
		id, idOK := e.ProcID(p)
		if idOK && id == pid {
			found, ok = p, true

			return WalkStop
		}

		return WalkNext
	})

	return found, ok
}

// ProcID returns the PID of proc, read from task_struct.pid.
func (e *Engine) ProcID(proc ProcHandle) (uint64, bool) {
	pidOff, ok := e.offset(OffTaskStructPID)
	if !ok {
		return 0, false
	}

	v, ok := e.reader.ReadLE32(debugplane.VirtualAddress(proc.ID + pidOff))

	return uint64(v), ok
}

// ProcName returns proc's command name, read from task_struct.comm (a
// fixed 16-byte NUL-terminated buffer).
func (e *Engine) ProcName(proc ProcHandle) (string, bool) {
	commOff, ok := e.offset(OffTaskStructComm)
	if !ok {
		return "", false
	}

	const commLen = 16

	return e.reader.ReadCString(debugplane.VirtualAddress(proc.ID+commOff), commLen)
}

// ProcParent returns proc's parent process (SPEC_FULL.md §12).
func (e *Engine) ProcParent(proc ProcHandle) (ProcHandle, bool) {
	parentOff, ok := e.offset(OffTaskStructRealParent)
	if !ok {
		return ProcHandle{}, false
	}

	parent, ok := e.reader.ReadU64(debugplane.VirtualAddress(proc.ID + parentOff))
	if !ok {
		return ProcHandle{}, false
	}

	return e.procHandle(parent)
}

// ProcFlags reports process-level attributes derived from the leader
// thread's thread_info flags (currently: whether it runs in a 32-bit
// compatibility mode).
func (e *Engine) ProcFlags(proc ProcHandle) (Flags, bool) {
	is32, ok := e.is32BitThread(proc.ID)
	if !ok {
		return FlagsNone, false
	}

	if is32 {
		return Flags32Bit, true
	}

	return FlagsNone, true
}

// is32BitThread reads thread_info.flags for the task at taskAddr and
// tests the TIF_IA32/TIF_ADDR32/TIF_X32 bits that mark a 32-bit
// compatibility-mode task.
func (e *Engine) is32BitThread(taskAddr uint64) (bool, bool) {
	const (
		tifIA32  = 1 << 17
		tifAddr32 = 1 << 29
		tifX32    = 1 << 30
	)

	tiOff, ok := e.offset(OffTaskStructThreadInfo)
	if !ok {
		return false, false
	}

	flagsOff, ok := e.offset(OffThreadInfoFlags)
	if !ok {
		return false, false
	}

	flags, ok := e.reader.ReadU64(debugplane.VirtualAddress(taskAddr + tiOff + flagsOff))
	if !ok {
		return false, false
	}

	return flags&(tifIA32|tifAddr32|tifX32) != 0, true
}

// procHandle builds a ProcHandle for the task_struct at taskAddr,
// resolving its address-space DTB from mm via mmPGD. A nil mm means a
// kernel thread with no address space of its own (dtb=0), even if it
// is currently borrowing active_mm via use_mm(): that borrowed address
// space is never its own.
func (e *Engine) procHandle(taskAddr uint64) (ProcHandle, bool) {
	mmOff, ok := e.offset(OffTaskStructMM)
	if !ok {
		return ProcHandle{}, false
	}

	mm, ok := e.reader.ReadU64(debugplane.VirtualAddress(taskAddr + mmOff))
	if !ok {
		return ProcHandle{}, false
	}

	dtb, _ := e.mmPGD(mm)

	return ProcHandle{ID: taskAddr, DTB: dtb}, true
}

// mmPGD reads the page-directory base from an mm_struct, returning
// (0, true) for a nil mm (a kernel thread with no address space) —
// using Go's short-circuiting && rather than reproducing the bitwise
// "!mm | !(*mm)" check (SPEC_FULL.md §13).
func (e *Engine) mmPGD(mm uint64) (debugplane.DTB, bool) {
	if mm == 0 {
		return 0, true
	}

	pgdOff, ok := e.offset(OffMMStructPGD)
	if !ok {
		return 0, false
	}

	pgd, ok := e.reader.ReadU64(debugplane.VirtualAddress(mm + pgdOff))
	if !ok {
		return 0, false
	}

	phys, ok := e.reader.VirtualToPhysical(debugplane.VirtualAddress(pgd))
	if !ok {
		return 0, false
	}

	return debugplane.DTB(uint64(phys) & debugplane.CR3Mask), true
}

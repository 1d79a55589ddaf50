// Package linuxos reconstructs a Linux x86-64 guest's high-level state
// (processes, threads, address spaces, program counters) from raw
// guest physical memory and registers, and drives the hypervisor
// stepping/breakpoint facility to rendezvous with a chosen process in
// a chosen privilege mode (C4).
package linuxos

import "github.com/go-vmi/linuxvmi/debugplane"

// WalkResult is returned by enumeration callbacks to control whether
// traversal continues.
type WalkResult int

const (
	// WalkNext continues the traversal.
	WalkNext WalkResult = iota
	// WalkStop ends the traversal immediately.
	WalkStop
)

// ProcHandle identifies a process: id is the guest-virtual address of
// a task_struct that is a thread-group leader; dtb is the DTB of that
// process's mm_struct, or zero for a kernel thread with no user
// address space.
type ProcHandle struct {
	ID  uint64
	DTB debugplane.DTB
}

// ThreadHandle identifies a single task_struct, which may or may not
// be a thread-group leader.
type ThreadHandle struct {
	ID uint64
}

// ModuleHandle, VMAHandle and DriverHandle preserve the type surface of
// sibling guest OSes that do support module/VMA/driver introspection.
// Linux enumerators never produce more than the stub zero value: see
// SPEC_FULL.md §12.
type (
	ModuleHandle struct{ ID uint64 }
	VMAHandle    struct{ ID uint64 }
	DriverHandle struct{ ID uint64 }
)

// Flags describes process-level attributes derived from thread-info.
type Flags uint32

const (
	FlagsNone  Flags = 0
	Flags32Bit Flags = 1 << 0
)

// PIDMax is the largest PID Linux will assign; proc_find treats any
// larger value as a corrupt/unreadable task_struct and skips it
// (spec.md §9 open question 2).
const PIDMax = 1 << 22

// kernelStackWalkLimit bounds the number of nodes a linked-list walk
// will visit before giving up, defending against a corrupted or
// cyclic-without-head-match guest list (spec.md §9 design note).
const kernelStackWalkLimit = 1 << 20

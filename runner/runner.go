// Package runner implements the hypervisor-driven "run until a
// predicate holds at one of a set of PCs" primitive (C5), with an
// optional CR3-write-only filter. It has no knowledge of guest-OS
// shapes; linuxos drives it with closures that read process identity
// through the memory reader.
package runner

import "github.com/go-vmi/linuxvmi/debugplane"

// Decision is returned by a RunTo predicate on each breakpoint hit.
type Decision int

const (
	// Next resumes the guest and waits for another hit.
	Next Decision = iota
	// Stop ends RunTo, returning control to the caller.
	Stop
)

// RunTo installs execution-class hardware breakpoints at each PC in
// pcs (or, when pcs is empty and cr3Mode is debugplane.BPCR3OnWritings,
// a single CR3-write trap with no PC constraint), resumes the guest,
// and invokes onHit on every breakpoint hit. It returns once onHit
// returns Stop, or false if breakpoint installation or resume fails.
// Every breakpoint RunTo installs is removed before it returns,
// regardless of how it terminates (spec §5).
func RunTo(plane debugplane.Plane, pcs []uint64, cr3Mode debugplane.CR3Filter, onHit func() Decision) bool {
	ids, ok := installBreakpoints(plane, pcs, cr3Mode)
	if !ok {
		releaseBreakpoints(plane, ids)

		return false
	}

	defer releaseBreakpoints(plane, ids)

	for {
		if !plane.Resume() {
			return false
		}

		if onHit() == Stop {
			return true
		}
	}
}

func installBreakpoints(plane debugplane.Plane, pcs []uint64, cr3Mode debugplane.CR3Filter) ([]int, bool) {
	if len(pcs) == 0 {
		if cr3Mode != debugplane.BPCR3OnWritings {
			return nil, false
		}

		id, ok := plane.SetBreakpoint(debugplane.BPWrite, -1, debugplane.AccessLen8, debugplane.AddrVirtual, 0, 0, debugplane.BPCR3OnWritings)
		if !ok {
			return nil, false
		}

		return []int{id}, true
	}

	ids := make([]int, 0, len(pcs))

	for _, pc := range pcs {
		id, ok := plane.SetBreakpoint(debugplane.BPExecute, -1, debugplane.AccessLen1, debugplane.AddrVirtual, pc, 1, cr3Mode)
		if !ok {
			return ids, false
		}

		ids = append(ids, id)
	}

	return ids, true
}

func releaseBreakpoints(plane debugplane.Plane, ids []int) {
	for _, id := range ids {
		plane.UnsetBreakpoint(id)
	}
}

package linuxos

import "github.com/go-vmi/linuxvmi/memreader"

// ReaderFor returns a memory reader whose user-space DTB is bound to
// proc, so code reading both kernel and process-owned addresses can
// use one Reader (SPEC_FULL.md §12, grounded on os_linux.cpp's
// reader_setup).
func (e *Engine) ReaderFor(proc ProcHandle) *memreader.Reader {
	r := memreader.New(e.plane)
	r.KernelDTB = e.kernelDTB
	r.UserDTB = proc.DTB

	return r
}

// ModuleList, VMAList and DriverList preserve the enumeration surface
// sibling guest OSes expose for kernel modules, virtual memory areas
// and kernel drivers. Linux support for these is out of scope (spec.md
// §1 Non-goals); all three report an empty, successful enumeration so
// callers written against the common interface do not need a
// Linux-specific branch.
func (e *Engine) ModuleList(func(ModuleHandle) WalkResult) bool     { return true }
func (e *Engine) VMAList(ProcHandle, func(VMAHandle) WalkResult) bool { return true }
func (e *Engine) DriverList(func(DriverHandle) WalkResult) bool     { return true }

// ListenProcCreate, ListenProcDelete and ListenThreadCreate preserve
// the event-listener surface of sibling guest OSes. Linux process
// life-cycle events require kernel tracepoint or kprobe support this
// engine does not set up (spec.md §1 Non-goals); registration always
// reports no listener installed.
func (e *Engine) ListenProcCreate(func(ProcHandle)) (uint64, bool)     { return 0, false }
func (e *Engine) ListenProcDelete(func(ProcHandle)) (uint64, bool)     { return 0, false }
func (e *Engine) ListenThreadCreate(func(ThreadHandle)) (uint64, bool) { return 0, false }

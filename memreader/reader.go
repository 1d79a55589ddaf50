// Package memreader presents a uniform "read N bytes at a guest
// virtual address" view over debugplane.Plane by selecting the kernel
// or user page directory per address and translating page-by-page.
package memreader

import (
	"encoding/binary"

	"github.com/go-vmi/linuxvmi/debugplane"
)

// kernelSpaceBoundary is the split between user and kernel virtual
// address ranges on x86-64: an address is a kernel address iff it is
// strictly greater than this value.
const kernelSpaceBoundary = 0x7FFFFFFFFFFFFFFF

// pageSize is the x86-64 page granularity used to chunk reads across
// page-table boundaries.
const pageSize = 4096

// IsKernelAddress reports whether virt lies in kernel address space.
func IsKernelAddress(virt debugplane.VirtualAddress) bool {
	return uint64(virt) > kernelSpaceBoundary
}

// Reader selects between a kernel DTB and a user DTB per address. It
// is created with both DTBs zero; callers set KernelDTB once (at
// engine setup) and UserDTB per process being inspected.
type Reader struct {
	plane debugplane.Plane

	KernelDTB debugplane.DTB
	UserDTB   debugplane.DTB
}

// New creates a Reader bound to plane with no DTBs configured.
func New(plane debugplane.Plane) *Reader {
	return &Reader{plane: plane}
}

// dtbFor selects the DTB that should back a read of virt.
func (r *Reader) dtbFor(virt debugplane.VirtualAddress) debugplane.DTB {
	if IsKernelAddress(virt) {
		return r.KernelDTB
	}

	return r.UserDTB
}

// Read reads length bytes at virt, translating page-by-page under the
// DTB selected for virt's address class. It fails atomically: either
// every page translates and reads, or the call reports false and
// returns no data.
func (r *Reader) Read(virt debugplane.VirtualAddress, length int) ([]byte, bool) {
	dtb := r.dtbFor(virt)
	if dtb == 0 {
		return nil, false
	}

	out := make([]byte, 0, length)
	remaining := length
	addr := virt

	for remaining > 0 {
		chunk := pageSize - int(uint64(addr)%pageSize)
		if chunk > remaining {
			chunk = remaining
		}

		b, ok := r.plane.ReadVirtual(dtb, addr, chunk)
		if !ok {
			return nil, false
		}

		out = append(out, b...)
		remaining -= chunk
		addr += debugplane.VirtualAddress(chunk)
	}

	return out, true
}

// ReadU64 reads a little-endian uint64 at virt.
func (r *Reader) ReadU64(virt debugplane.VirtualAddress) (uint64, bool) {
	b, ok := r.Read(virt, 8)
	if !ok {
		return 0, false
	}

	return binary.LittleEndian.Uint64(b), true
}

// ReadLE32 reads a little-endian uint32 at virt.
func (r *Reader) ReadLE32(virt debugplane.VirtualAddress) (uint32, bool) {
	b, ok := r.Read(virt, 4)
	if !ok {
		return 0, false
	}

	return binary.LittleEndian.Uint32(b), true
}

// ReadCString reads up to maxLen bytes at virt and returns the string
// up to the first NUL byte, reporting false if the read itself fails
// (a string with no NUL within maxLen is returned as-is, matching the
// kernel's fixed-size comm/banner buffers).
func (r *Reader) ReadCString(virt debugplane.VirtualAddress, maxLen int) (string, bool) {
	b, ok := r.Read(virt, maxLen)
	if !ok {
		return "", false
	}

	for i, c := range b {
		if c == 0 {
			return string(b[:i]), true
		}
	}

	return string(b), true
}

// VirtualToPhysical translates virt under the DTB selected for its
// address class.
func (r *Reader) VirtualToPhysical(virt debugplane.VirtualAddress) (debugplane.PhysicalAddress, bool) {
	dtb := r.dtbFor(virt)
	if dtb == 0 {
		return 0, false
	}

	return r.plane.VirtualToPhysical(dtb, virt)
}

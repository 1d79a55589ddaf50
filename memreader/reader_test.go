package memreader

import (
	"testing"

	"github.com/go-vmi/linuxvmi/debugplane"
	"github.com/go-vmi/linuxvmi/debugplane/planetest"
)

func TestIsKernelAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr uint64
		want bool
	}{
		{0x0, false},
		{0x400000, false},
		{0x7FFFFFFFFFFFFFFF, false},
		{0x8000000000000000, true},
		{0xFFFFFFFF80000000, true},
	}

	for _, c := range cases {
		if got := IsKernelAddress(debugplane.VirtualAddress(c.addr)); got != c.want {
			t.Errorf("IsKernelAddress(%#x) = %v, want %v", c.addr, got, c.want)
		}
	}
}

const (
	kernelVirtBase = 0xFFFFFFFF80000000
	userVirtBase   = 0x400000
	regionSize     = 0x10000
)

func newTestReader() (*Reader, *planetest.Plane) {
	const (
		kernelTable = 0x14000
		userTable   = 0x10000
		dataBase    = 0x20000
	)

	plane := planetest.New(dataBase + regionSize)

	planetest.IdentityMapKernel(plane, kernelTable, kernelVirtBase, regionSize)
	planetest.IdentityMapKernel(plane, userTable, userVirtBase, regionSize)

	r := New(plane)
	r.KernelDTB = debugplane.DTB(kernelTable)
	r.UserDTB = debugplane.DTB(userTable)

	return r, plane
}

func TestReadKernelAddressUsesKernelDTB(t *testing.T) {
	t.Parallel()

	r, plane := newTestReader()

	plane.WriteU64(0x100, 0x1122334455667788)

	v, ok := r.ReadU64(debugplane.VirtualAddress(kernelVirtBase + 0x100))
	if !ok {
		t.Fatal("ReadU64 failed")
	}

	if v != 0x1122334455667788 {
		t.Errorf("ReadU64 = %#x, want %#x", v, uint64(0x1122334455667788))
	}
}

func TestReadUserAddressUsesUserDTB(t *testing.T) {
	t.Parallel()

	r, plane := newTestReader()

	plane.WriteU32(0x200, 0xCAFEBABE)

	v, ok := r.ReadLE32(debugplane.VirtualAddress(userVirtBase + 0x200))
	if !ok {
		t.Fatal("ReadLE32 failed")
	}

	if v != 0xCAFEBABE {
		t.Errorf("ReadLE32 = %#x, want %#x", v, uint32(0xCAFEBABE))
	}
}

func TestReadFailsWithoutUserDTB(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader()
	r.UserDTB = 0

	if _, ok := r.Read(debugplane.VirtualAddress(userVirtBase), 8); ok {
		t.Error("Read succeeded against a zero UserDTB, want failure")
	}
}

func TestReadAcrossPageBoundary(t *testing.T) {
	t.Parallel()

	r, plane := newTestReader()

	// Straddle the 4096-byte page boundary within the mapped region.
	at := uint64(0xFFC)
	plane.WriteU64(at, 0xAABBCCDDEEFF0011)

	b, ok := r.Read(debugplane.VirtualAddress(kernelVirtBase+at), 8)
	if !ok {
		t.Fatal("Read across page boundary failed")
	}

	if len(b) != 8 {
		t.Fatalf("Read returned %d bytes, want 8", len(b))
	}

	got, _ := r.ReadU64(debugplane.VirtualAddress(kernelVirtBase + at))
	if got != 0xAABBCCDDEEFF0011 {
		t.Errorf("ReadU64 across boundary = %#x, want %#x", got, uint64(0xAABBCCDDEEFF0011))
	}
}

func TestReadCStringStopsAtNUL(t *testing.T) {
	t.Parallel()

	r, plane := newTestReader()

	plane.WriteString(0x300, "hello world")

	s, ok := r.ReadCString(debugplane.VirtualAddress(kernelVirtBase+0x300), 64)
	if !ok {
		t.Fatal("ReadCString failed")
	}

	if s != "hello world" {
		t.Errorf("ReadCString = %q, want %q", s, "hello world")
	}
}

func TestReadCStringNoNULWithinMaxLen(t *testing.T) {
	t.Parallel()

	r, plane := newTestReader()

	for i := 0; i < 8; i++ {
		plane.WriteU64(uint64(0x400+i*8), 0x4141414141414141)
	}

	s, ok := r.ReadCString(debugplane.VirtualAddress(kernelVirtBase+0x400), 8)
	if !ok {
		t.Fatal("ReadCString failed")
	}

	if len(s) != 8 {
		t.Errorf("ReadCString returned %d bytes, want 8 (no NUL found)", len(s))
	}
}

func TestVirtualToPhysical(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader()

	phys, ok := r.VirtualToPhysical(debugplane.VirtualAddress(kernelVirtBase + 0x50))
	if !ok {
		t.Fatal("VirtualToPhysical failed")
	}

	if phys != 0x50 {
		t.Errorf("VirtualToPhysical = %#x, want %#x", uint64(phys), uint64(0x50))
	}
}

func TestReadFailsOnUnmappedAddress(t *testing.T) {
	t.Parallel()

	r, _ := newTestReader()

	if _, ok := r.Read(debugplane.VirtualAddress(kernelVirtBase+regionSize+0x1000), 8); ok {
		t.Error("Read succeeded against an address outside the identity map, want failure")
	}
}

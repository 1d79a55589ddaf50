package debugplane

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// opcode identifies a request written to the shared-memory mailbox.
type opcode uint32

const (
	opInit opcode = iota
	opPause
	opResume
	opStepOnce
	opGetState
	opGetStateChanged
	opSetBreakpoint
	opUnsetBreakpoint
	opReadPhysical
	opWritePhysical
	opReadVirtual
	opVirtualToPhysical
	opInjectInterrupt
	opReadRegister
	opWriteRegister
	opReadMSR
	opWriteMSR
)

// mailboxSize is the size of the shared-memory control region. A real
// deployment sizes this to the largest physical-memory read/write the
// caller will ever issue through the plane; PAGE_SIZE-aligned chunks
// cover the reads this engine performs (struct fields, banner pages,
// strings).
const mailboxSize = 1 << 16

// mailbox is the fixed layout of the shared-memory control block. The
// hypervisor process on the other end of the segment polls Busy and
// answers by clearing it once OK/ResultLen are filled in. The header
// before Data is 48 bytes, so the whole block is exactly mailboxSize.
type mailbox struct {
	Busy      uint32
	Op        uint32
	Arg0      uint64
	Arg1      uint64
	Arg2      uint64
	Arg3      uint64
	OK        uint32
	ResultLen uint32
	Data      [mailboxSize - 48]byte
}

// SHMPlane is the real debug-plane client: it opens a named
// shared-memory region exposed by the hypervisor and exchanges
// fixed-layout requests with it, the same mmap-a-struct approach
// machine.Machine uses for kvm.RunData.
type SHMPlane struct {
	fd  int
	mem []byte
	mb  *mailbox
}

// Open maps the named shared-memory region. The region is expected to
// already exist (created by the hypervisor side of the debug plane) and
// to be at least mailboxSize bytes long; a smaller region is rejected.
func Open(name string) (*SHMPlane, error) {
	fd, err := unix.Open(name, unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debugplane: open %s: %w", name, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("debugplane: stat %s: %w", name, err)
	}

	if st.Size < mailboxSize {
		unix.Close(fd)

		return nil, fmt.Errorf("debugplane: %s is %d bytes, want at least %d", name, st.Size, mailboxSize)
	}

	mem, err := unix.Mmap(fd, 0, mailboxSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("debugplane: mmap %s: %w", name, err)
	}

	return &SHMPlane{
		fd:  fd,
		mem: mem,
		mb:  (*mailbox)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Close unmaps the shared-memory region and closes the underlying fd.
func (p *SHMPlane) Close() error {
	if err := unix.Munmap(p.mem); err != nil {
		return err
	}

	return unix.Close(p.fd)
}

// call issues a request and spins until the hypervisor side answers.
// The plane is single-consumer (spec §5): no locking is needed here,
// only the caller's own exclusivity.
func (p *SHMPlane) call(op opcode, a0, a1, a2, a3 uint64) bool {
	p.mb.Op = uint32(op)
	p.mb.Arg0, p.mb.Arg1, p.mb.Arg2, p.mb.Arg3 = a0, a1, a2, a3
	p.mb.Busy = 1

	for p.mb.Busy != 0 {
		runtime.Gosched()
	}

	return p.mb.OK != 0
}

func (p *SHMPlane) Init() error {
	if !p.call(opInit, 0, 0, 0, 0) {
		return fmt.Errorf("debugplane: init failed")
	}

	return nil
}

func (p *SHMPlane) Reset() error {
	if !p.Pause() {
		return fmt.Errorf("debugplane: reset: pause failed")
	}

	for id := 0; id < MaxBreakpoint; id++ {
		p.UnsetBreakpoint(id)
	}

	for _, reg := range []Register{RegDR0, RegDR1, RegDR2, RegDR3, RegDR6, RegDR7} {
		p.WriteRegister(reg, 0)
	}

	return nil
}

func (p *SHMPlane) State() (State, bool) {
	if !p.call(opGetState, 0, 0, 0, 0) {
		return StateUnknown, false
	}

	return State(p.mb.Arg0), true
}

func (p *SHMPlane) StateChanged() bool {
	return p.call(opGetStateChanged, 0, 0, 0, 0) && p.mb.OK != 0
}

func (p *SHMPlane) Pause() bool  { return p.call(opPause, 0, 0, 0, 0) }
func (p *SHMPlane) Resume() bool { return p.call(opResume, 0, 0, 0, 0) }

func (p *SHMPlane) StepOnce() bool { return p.call(opStepOnce, 0, 0, 0, 0) }

func (p *SHMPlane) SetBreakpoint(typ BreakpointType, id int, access AccessLength, kind AddressKind, address uint64, length uint64, cr3 CR3Filter) (int, bool) {
	packed := uint64(typ)<<48 | uint64(access)<<40 | uint64(kind)<<32 | uint64(cr3)<<24 | uint64(id)&0xffffff
	if !p.call(opSetBreakpoint, packed, address, length, 0) {
		return 0, false
	}

	return int(p.mb.Arg0), true
}

func (p *SHMPlane) UnsetBreakpoint(id int) bool {
	return p.call(opUnsetBreakpoint, uint64(id), 0, 0, 0)
}

func (p *SHMPlane) ReadPhysical(addr PhysicalAddress, length int) ([]byte, bool) {
	if length > len(p.mb.Data) {
		return nil, false
	}

	if !p.call(opReadPhysical, uint64(addr), uint64(length), 0, 0) {
		return nil, false
	}

	out := make([]byte, p.mb.ResultLen)
	copy(out, p.mb.Data[:p.mb.ResultLen])

	return out, true
}

func (p *SHMPlane) WritePhysical(addr PhysicalAddress, data []byte) bool {
	if len(data) > len(p.mb.Data) {
		return false
	}

	copy(p.mb.Data[:], data)

	return p.call(opWritePhysical, uint64(addr), uint64(len(data)), 0, 0)
}

func (p *SHMPlane) ReadVirtual(dtb DTB, addr VirtualAddress, length int) ([]byte, bool) {
	if length > len(p.mb.Data) {
		return nil, false
	}

	if !p.call(opReadVirtual, uint64(dtb), uint64(addr), uint64(length), 0) {
		return nil, false
	}

	out := make([]byte, p.mb.ResultLen)
	copy(out, p.mb.Data[:p.mb.ResultLen])

	return out, true
}

func (p *SHMPlane) VirtualToPhysical(dtb DTB, addr VirtualAddress) (PhysicalAddress, bool) {
	if !p.call(opVirtualToPhysical, uint64(dtb), uint64(addr), 0, 0) {
		return 0, false
	}

	return PhysicalAddress(p.mb.Arg0), true
}

func (p *SHMPlane) InjectInterrupt(vector uint32, errorCode uint32, cr2 uint64) bool {
	return p.call(opInjectInterrupt, uint64(vector), uint64(errorCode), cr2, 0)
}

func (p *SHMPlane) ReadRegister(reg Register) (uint64, bool) {
	if !p.call(opReadRegister, uint64(reg), 0, 0, 0) {
		return 0, false
	}

	return p.mb.Arg0, true
}

func (p *SHMPlane) WriteRegister(reg Register, value uint64) bool {
	return p.call(opWriteRegister, uint64(reg), value, 0, 0)
}

func (p *SHMPlane) ReadMSR(msr MSR) (uint64, bool) {
	if !p.call(opReadMSR, uint64(msr), 0, 0, 0) {
		return 0, false
	}

	return p.mb.Arg0, true
}

func (p *SHMPlane) WriteMSR(msr MSR, value uint64) bool {
	return p.call(opWriteMSR, uint64(msr), value, 0, 0)
}

var _ Plane = (*SHMPlane)(nil)

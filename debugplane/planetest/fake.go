// Package planetest provides a fake debugplane.Plane backed by
// in-process guest memory and a real 4-level x86-64 page-table walk,
// in the spirit of net/http/httptest: it lets linuxos, memreader and
// runner tests exercise real translation and breakpoint bookkeeping
// without a hypervisor.
package planetest

import (
	"encoding/binary"
	"sort"

	"github.com/go-vmi/linuxvmi/debugplane"
)

// Page-table entry flags, following the same present/read-write/page-
// size bit convention used for 32-bit paging in the example pack
// (hypervisor.PTE_PRESENT etc.), extended here to the 4-level x86-64
// layout (PML4 -> PDPT -> PD -> PT).
const (
	pteflagPresent   = 1 << 0
	pteflagReadWrite = 1 << 1
	pteflagPageSize  = 1 << 7
)

const pageSize = 4096

// breakpointSlot is one installed hardware breakpoint.
type breakpointSlot struct {
	used    bool
	typ     debugplane.BreakpointType
	access  debugplane.AccessLength
	kind    debugplane.AddressKind
	address uint64
	length  uint64
	cr3     debugplane.CR3Filter
}

// Plane is a fake debugplane.Plane. Zero value is not usable; use New.
type Plane struct {
	Phys []byte // flat guest physical memory

	regs map[debugplane.Register]uint64
	msrs map[debugplane.MSR]uint64

	breakpoints [debugplane.MaxBreakpoint]breakpointSlot

	paused bool

	// Hits is consulted by Resume: each call pops the front entry and
	// applies it (moving RIP/CR3 as instructed) before reporting which
	// breakpoint, if any, was hit. Tests stage the guest's execution
	// trace here.
	Hits []Hit

	stateChanged bool
}

// Hit describes one step of guest execution a test wants Resume to
// simulate: the CPU arrives at PC in address space CR3 with ring Ring.
type Hit struct {
	PC   uint64
	CR3  uint64
	Ring uint8
}

// New creates a fake plane with physSize bytes of guest physical
// memory, all zeroed.
func New(physSize int) *Plane {
	return &Plane{
		Phys: make([]byte, physSize),
		regs: map[debugplane.Register]uint64{},
		msrs: map[debugplane.MSR]uint64{},
	}
}

func (p *Plane) Init() error  { return nil }
func (p *Plane) Reset() error {
	p.paused = true

	for i := range p.breakpoints {
		p.breakpoints[i] = breakpointSlot{}
	}

	for _, r := range []debugplane.Register{debugplane.RegDR0, debugplane.RegDR1, debugplane.RegDR2, debugplane.RegDR3, debugplane.RegDR6, debugplane.RegDR7} {
		p.regs[r] = 0
	}

	return nil
}

func (p *Plane) State() (debugplane.State, bool) {
	if p.paused {
		return debugplane.StatePaused, true
	}

	return debugplane.StateRunning, true
}

func (p *Plane) StateChanged() bool {
	changed := p.stateChanged
	p.stateChanged = false

	return changed
}

func (p *Plane) Pause() bool {
	p.paused = true

	return true
}

// Resume simulates running the guest until the next staged Hit that
// lands on an installed, matching breakpoint (or forever if no
// breakpoint matches any staged hit, which callers should avoid in
// tests: it simply drains all Hits and returns true having touched
// none of the matching bookkeeping).
func (p *Plane) Resume() bool {
	p.paused = false

	for len(p.Hits) > 0 {
		hit := p.Hits[0]
		p.Hits = p.Hits[1:]

		p.regs[debugplane.RegRIP] = hit.PC
		p.regs[debugplane.RegCR3] = hit.CR3
		p.regs[debugplane.RegCS] = uint64(hit.Ring)

		if p.breakpointMatches(hit) {
			p.paused = true
			p.stateChanged = true

			return true
		}
	}

	p.paused = true
	p.stateChanged = true

	return true
}

func (p *Plane) breakpointMatches(hit Hit) bool {
	for _, bp := range p.breakpoints {
		if !bp.used {
			continue
		}

		if bp.cr3 == debugplane.BPCR3OnWritings {
			// A CR3-write trap stands for a context switch. The fake
			// does not track CR3 changes: it fires on every staged
			// hit, regardless of PC, CR3 or ring.
			return true
		}

		if bp.typ == debugplane.BPExecute && bp.kind == debugplane.AddrVirtual && bp.address == hit.PC {
			return true
		}
	}

	return false
}

func (p *Plane) StepOnce() bool { return true }

func (p *Plane) SetBreakpoint(typ debugplane.BreakpointType, id int, access debugplane.AccessLength, kind debugplane.AddressKind, address uint64, length uint64, cr3 debugplane.CR3Filter) (int, bool) {
	if id < 0 || id >= debugplane.MaxBreakpoint {
		for i, bp := range p.breakpoints {
			if !bp.used {
				id = i

				break
			}
		}
	}

	if id < 0 || id >= debugplane.MaxBreakpoint {
		return 0, false
	}

	p.breakpoints[id] = breakpointSlot{used: true, typ: typ, access: access, kind: kind, address: address, length: length, cr3: cr3}

	return id, true
}

func (p *Plane) UnsetBreakpoint(id int) bool {
	if id < 0 || id >= debugplane.MaxBreakpoint {
		return false
	}

	p.breakpoints[id] = breakpointSlot{}

	return true
}

// ActiveBreakpoints reports how many breakpoint slots are currently
// installed, for asserting R2 (run_to leaves the count unchanged).
func (p *Plane) ActiveBreakpoints() int {
	n := 0

	for _, bp := range p.breakpoints {
		if bp.used {
			n++
		}
	}

	return n
}

func (p *Plane) ReadPhysical(addr debugplane.PhysicalAddress, length int) ([]byte, bool) {
	if int(addr)+length > len(p.Phys) || addr < 0 {
		return nil, false
	}

	out := make([]byte, length)
	copy(out, p.Phys[addr:int(addr)+length])

	return out, true
}

func (p *Plane) WritePhysical(addr debugplane.PhysicalAddress, data []byte) bool {
	if int(addr)+len(data) > len(p.Phys) {
		return false
	}

	copy(p.Phys[addr:], data)

	return true
}

// translate performs a real 4-level x86-64 page walk against Phys,
// given a PML4 physical base (dtb) and a canonical virtual address.
func (p *Plane) translate(dtb debugplane.DTB, virt uint64) (uint64, bool) {
	if dtb == 0 {
		return 0, false
	}

	indices := [4]uint64{
		(virt >> 39) & 0x1ff,
		(virt >> 30) & 0x1ff,
		(virt >> 21) & 0x1ff,
		(virt >> 12) & 0x1ff,
	}

	tableBase := uint64(dtb) &^ 0xfff

	for level := 0; level < 4; level++ {
		entryAddr := tableBase + indices[level]*8
		if entryAddr+8 > uint64(len(p.Phys)) {
			return 0, false
		}

		entry := binary.LittleEndian.Uint64(p.Phys[entryAddr : entryAddr+8])
		if entry&pteflagPresent == 0 {
			return 0, false
		}

		if level == 2 && entry&pteflagPageSize != 0 {
			// 2MiB large page.
			return (entry &^ 0x1fffff) | (virt & 0x1fffff), true
		}

		tableBase = entry &^ 0xfff

		if level == 3 {
			return tableBase | (virt & 0xfff), true
		}
	}

	return 0, false
}

func (p *Plane) ReadVirtual(dtb debugplane.DTB, addr debugplane.VirtualAddress, length int) ([]byte, bool) {
	out := make([]byte, 0, length)

	remaining := length
	virt := uint64(addr)

	for remaining > 0 {
		phys, ok := p.translate(dtb, virt)
		if !ok {
			return nil, false
		}

		chunk := pageSize - int(virt%pageSize)
		if chunk > remaining {
			chunk = remaining
		}

		b, ok := p.ReadPhysical(debugplane.PhysicalAddress(phys), chunk)
		if !ok {
			return nil, false
		}

		out = append(out, b...)
		remaining -= chunk
		virt += uint64(chunk)
	}

	return out, true
}

func (p *Plane) VirtualToPhysical(dtb debugplane.DTB, addr debugplane.VirtualAddress) (debugplane.PhysicalAddress, bool) {
	phys, ok := p.translate(dtb, uint64(addr))
	if !ok {
		return 0, false
	}

	return debugplane.PhysicalAddress(phys), true
}

func (p *Plane) InjectInterrupt(uint32, uint32, uint64) bool { return true }

func (p *Plane) ReadRegister(reg debugplane.Register) (uint64, bool) {
	v, ok := p.regs[reg]

	return v, ok
}

func (p *Plane) WriteRegister(reg debugplane.Register, value uint64) bool {
	p.regs[reg] = value

	return true
}

func (p *Plane) ReadMSR(msr debugplane.MSR) (uint64, bool) {
	v, ok := p.msrs[msr]

	return v, ok
}

func (p *Plane) WriteMSR(msr debugplane.MSR, value uint64) bool {
	p.msrs[msr] = value

	return true
}

// SetRegister is a test convenience wrapper around WriteRegister.
func (p *Plane) SetRegister(reg debugplane.Register, value uint64) { p.regs[reg] = value }

// SetMSR is a test convenience wrapper around WriteMSR.
func (p *Plane) SetMSR(msr debugplane.MSR, value uint64) { p.msrs[msr] = value }

// WriteU64 writes a little-endian uint64 into guest physical memory,
// a convenience for building synthetic task_struct/page-table fixtures.
func (p *Plane) WriteU64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(p.Phys[addr:addr+8], v)
}

// WriteU32 writes a little-endian uint32 into guest physical memory.
func (p *Plane) WriteU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(p.Phys[addr:addr+4], v)
}

// WriteString writes a NUL-terminated string into guest physical
// memory.
func (p *Plane) WriteString(addr uint64, s string) {
	copy(p.Phys[addr:], s)
	p.Phys[addr+uint64(len(s))] = 0
}

// IdentityMapKernel builds a 4-level page-table chain (4KiB pages)
// rooted at physical address base that maps virtual
// [virtBase, virtBase+size) onto physical [0, size), so that
// virtBase+off translates to physical off. base must be page aligned,
// and the PML4, PDPT, PD and one PT per 512 pages are written in
// consecutive pages starting at base.
func IdentityMapKernel(p *Plane, base uint64, virtBase uint64, size uint64) {
	pml4 := base
	pdpt := base + pageSize
	pd := base + 2*pageSize
	firstPT := base + 3*pageSize

	pml4i := (virtBase >> 39) & 0x1ff
	pdpti := (virtBase >> 30) & 0x1ff
	pdi0 := (virtBase >> 21) & 0x1ff

	p.WriteU64(pml4+pml4i*8, pdpt|pteflagPresent|pteflagReadWrite)
	p.WriteU64(pdpt+pdpti*8, pd|pteflagPresent|pteflagReadWrite)

	numPages := (size + pageSize - 1) / pageSize
	numPTs := (numPages + 511) / 512

	for pt := uint64(0); pt < numPTs; pt++ {
		ptBase := firstPT + pt*pageSize
		p.WriteU64(pd+(pdi0+pt)*8, ptBase|pteflagPresent|pteflagReadWrite)

		for i := uint64(0); i < 512; i++ {
			pageIndex := pt*512 + i
			if pageIndex >= numPages {
				break
			}

			physPage := pageIndex * pageSize
			p.WriteU64(ptBase+i*8, physPage|pteflagPresent|pteflagReadWrite)
		}
	}
}

// BreakpointAddresses returns installed execute-breakpoint addresses in
// ascending order, used by tests asserting which PCs runner.RunTo
// installed.
func (p *Plane) BreakpointAddresses() []uint64 {
	addrs := make([]uint64, 0, debugplane.MaxBreakpoint)

	for _, bp := range p.breakpoints {
		if bp.used && bp.typ == debugplane.BPExecute {
			addrs = append(addrs, bp.address)
		}
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	return addrs
}

var _ debugplane.Plane = (*Plane)(nil)

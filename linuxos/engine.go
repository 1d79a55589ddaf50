package linuxos

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/go-vmi/linuxvmi/debugplane"
	"github.com/go-vmi/linuxvmi/memreader"
	"github.com/go-vmi/linuxvmi/symbols"
)

// bannerScanStart and bannerScanEnd bound the virtual-address range
// Setup scans for a "Linux version" banner: the top 2GiB of the
// canonical kernel half, where x86-64 kernels place .rodata.
const (
	bannerScanStart uint64 = 0xFFFFFFFF80000000
	bannerScanEnd   uint64 = 0xFFFFFFFFFFF00000
)

// bannerPrefix is the literal text Setup searches for (14 bytes);
// scanBannerCandidates carries the last 13 bytes of each page into the
// next so that a prefix straddling a page boundary is still found.
const bannerPrefix = "Linux version "

const bannerMaxLen = 256

// Engine is the fully set-up Linux guest-OS model: a validated kernel
// banner/version, a resolved offset/symbol table, and the collaborators
// (memory reader, breakpoint/step controller, symbol provider) every
// higher-level operation in this package is built from.
type Engine struct {
	plane  debugplane.Plane
	reader *memreader.Reader
	syms   symbols.Provider

	kernelDTB debugplane.DTB
	perCPU    uint64

	version Version
	guid    string
	offs    offsets
}

// Setup performs the four phases of bringing an Engine up against a
// paused guest: (A) locate the per-CPU base, (B) locate the kernel
// page directory, (C) locate the kernel banner, (D) resolve and
// validate the offset/symbol table against a matching provider found
// via symResolver. Any phase failing because the guest truly isn't a
// supported Linux kernel returns a non-nil error; a failure local to
// one banner candidate in phase D only disqualifies that candidate
// (SPEC_FULL.md §14.2), not the whole Setup.
func Setup(plane debugplane.Plane, symResolver func(guid string) (symbols.Provider, bool)) (*Engine, error) {
	e := &Engine{plane: plane, reader: memreader.New(plane)}

	perCPU, err := e.locatePerCPUBase()
	if err != nil {
		return nil, err
	}

	e.perCPU = perCPU

	kernelDTB, err := e.locateKernelPageDir()
	if err != nil {
		return nil, err
	}

	e.kernelDTB = kernelDTB
	e.reader.KernelDTB = kernelDTB

	candidates, err := e.scanBannerCandidates(bannerScanStart, bannerScanEnd)
	if err != nil {
		return nil, err
	}

	for _, banner := range candidates {
		if e.tryCandidate(banner, symResolver) {
			return e, nil
		}
	}

	return nil, fmt.Errorf("linuxos: no banner candidate in [%#x,%#x) resolved a supported kernel", bannerScanStart, bannerScanEnd)
}

// locatePerCPUBase reads the per-CPU base (phase A): GS_BASE when it
// holds a kernel-space address (the guest is in kernel mode), otherwise
// KERNEL_GS_BASE, which holds the kernel value while the guest runs
// user code (the SWAPGS convention). It fails if neither MSR holds a
// kernel-space address.
func (e *Engine) locatePerCPUBase() (uint64, error) {
	v, ok := e.plane.ReadMSR(debugplane.MSRGSBase)
	if !ok || !memreader.IsKernelAddress(debugplane.VirtualAddress(v)) {
		v, ok = e.plane.ReadMSR(debugplane.MSRKernelGSBase)
	}

	if !ok || !memreader.IsKernelAddress(debugplane.VirtualAddress(v)) {
		return 0, fmt.Errorf("linuxos: unable to read per-CPU base from GS_BASE/KERNEL_GS_BASE")
	}

	return v, nil
}

// locateKernelPageDir reads CR3, masks off the PCID/meltdown bits, and
// probes the result with a one-byte physical read, retrying with the
// Meltdown-mitigation shadow-table bit set if the first probe fails
// (phase B).
func (e *Engine) locateKernelPageDir() (debugplane.DTB, error) {
	cr3, ok := e.plane.ReadRegister(debugplane.RegCR3)
	if !ok {
		return 0, fmt.Errorf("linuxos: unable to read CR3")
	}

	masked := cr3 & debugplane.CR3Mask

	if _, ok := e.plane.ReadPhysical(debugplane.PhysicalAddress(masked), 1); ok {
		return debugplane.DTB(masked), nil
	}

	shadow := masked | 0x1000
	if _, ok := e.plane.ReadPhysical(debugplane.PhysicalAddress(shadow), 1); ok {
		return debugplane.DTB(shadow), nil
	}

	return 0, fmt.Errorf("linuxos: kernel page directory at CR3=%#x is not readable", masked)
}

// scanBannerCandidates searches [start, end) for occurrences of
// "Linux version ", reading page by page and keeping a short overlap
// so a prefix split across a page boundary is still found (phase C).
// Setup always calls this with [bannerScanStart, bannerScanEnd); it
// takes explicit bounds so tests can scan a much smaller range.
func (e *Engine) scanBannerCandidates(start, end uint64) ([]uint64, error) {
	const pageSize = 4096

	overlap := len(bannerPrefix) - 1

	var candidates []uint64

	var prev []byte

	for addr := start; addr < end; addr += pageSize {
		page, ok := e.reader.Read(debugplane.VirtualAddress(addr), pageSize)
		if !ok {
			prev = nil

			continue
		}

		window := page
		base := addr

		if len(prev) > 0 {
			window = append(append([]byte{}, prev...), page...)
			base = addr - uint64(overlap)
		}

		for off := 0; off+len(bannerPrefix) <= len(window); off++ {
			if bytes.Equal(window[off:off+len(bannerPrefix)], []byte(bannerPrefix)) {
				candidates = append(candidates, base+uint64(off))
			}
		}

		if overlap > len(page) {
			prev = page
		} else {
			prev = page[len(page)-overlap:]
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("linuxos: no kernel banner found in [%#x,%#x)", start, end)
	}

	return candidates, nil
}

// tryCandidate reads the full banner at addr, derives its GUID, asks
// symResolver for a matching provider, resolves every REQUIRED
// offset/symbol against it, parses the kernel version, and on success
// installs the result on e (phase D). It reports false, leaving e
// untouched, on any failure local to this one candidate.
func (e *Engine) tryCandidate(addr uint64, symResolver func(guid string) (symbols.Provider, bool)) bool {
	banner, ok := e.reader.ReadCString(debugplane.VirtualAddress(addr), bannerMaxLen)
	if !ok || banner == "" {
		return false
	}

	guid := bannerGUID(banner)

	provider, ok := symResolver(guid)
	if !ok {
		return false
	}

	version, err := ParseBannerVersion(banner)
	if err != nil {
		return false
	}

	if aslrProvider, ok := provider.(symbols.ASLRProvider); ok {
		if !aslrProvider.SetASLR("linux_banner", addr) {
			return false
		}
	} else if bannerSym, ok := provider.Symbol("linux_banner"); !ok || bannerSym != addr {
		return false
	}

	resolved, ok := resolveOffsets(provider)
	if !ok {
		return false
	}

	e.syms = provider
	e.version = version
	e.guid = guid
	e.offs = resolved

	if !e.checkSetup() {
		e.syms = nil
		e.version = nil
		e.guid = ""
		e.offs = offsets{}

		return false
	}

	return true
}

// checkSetup walks proc_list looking for swapper, the pid-0 idle task
// that must be reachable from any live task (I5); a candidate whose
// offset table resolves but whose task list doesn't actually contain
// it is not a real match for this guest's running kernel.
func (e *Engine) checkSetup() bool {
	found := false

	e.ProcList(func(p ProcHandle) WalkResult {
		pid, ok := e.ProcID(p)
		if !ok || pid != 0 {
			return WalkNext
		}

		name, ok := e.ProcName(p)
		if ok && strings.HasPrefix(name, "swapper") {
			found = true

			return WalkStop
		}

		return WalkNext
	})

	return found
}

// resolveOffsets resolves every entry of symbolTable/offsetTable
// against provider, failing if any REQUIRED entry does not resolve.
func resolveOffsets(provider symbols.Provider) (offsets, bool) {
	out := offsets{
		symbols: make(map[SymbolID]uint64, len(symbolTable)),
		offsets: make(map[OffsetID]uint64, len(offsetTable)),
	}

	for _, spec := range symbolTable {
		v, ok := provider.Symbol(spec.name)
		if !ok {
			if spec.cat == required {
				return offsets{}, false
			}

			continue
		}

		out.symbols[spec.id] = v
	}

	for _, spec := range offsetTable {
		v, ok := provider.StructOffset(spec.structure, spec.member)
		if !ok {
			if spec.cat == required {
				return offsets{}, false
			}

			continue
		}

		out.offsets[spec.id] = v
	}

	return out, true
}

// bannerGUID derives the icebox-compatible image identifier for a
// kernel banner: the hex SHA-1 digest of the banner text.
func bannerGUID(banner string) string {
	sum := sha1.Sum([]byte(banner))

	return fmt.Sprintf("%x", sum)
}

// Version returns the validated kernel version.
func (e *Engine) Version() Version { return e.version }

// GUID returns the banner-derived image identifier used to look up
// this kernel's offsets/symbols.
func (e *Engine) GUID() string { return e.guid }

// KernelDTB returns the page directory used to translate kernel
// virtual addresses.
func (e *Engine) KernelDTB() debugplane.DTB { return e.kernelDTB }

// PerCPUBase returns the per-CPU base address of CPU 0, as located
// during Setup.
func (e *Engine) PerCPUBase() uint64 { return e.perCPU }

// Plane returns the debug plane this Engine drives.
func (e *Engine) Plane() debugplane.Plane { return e.plane }

// Reader returns the memory reader bound to this Engine's kernel DTB.
func (e *Engine) Reader() *memreader.Reader { return e.reader }

// Symbols returns the symbol/struct-layout provider this Engine
// validated during Setup.
func (e *Engine) Symbols() symbols.Provider { return e.syms }

func (e *Engine) symbol(id SymbolID) (uint64, bool) { return e.offs.symbol(id) }
func (e *Engine) offset(id OffsetID) (uint64, bool) { return e.offs.offset(id) }

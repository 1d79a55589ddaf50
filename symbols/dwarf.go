package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path/filepath"
)

// DwarfProvider resolves struct layouts (and, incidentally, plain
// symbol addresses) from a DWARF-carrying ELF debug image, the same
// debug/elf stdlib package the teacher uses to load a kernel image in
// machine.Machine.LoadLinux.
//
// The file is expected at $root/$imageID/$guid/elf, matching
// spec.md §6's "$LINUX_SYMBOL_PATH/kernel/<guid>/" layout (with
// imageID == "kernel").
type DwarfProvider struct {
	elfFile *elf.File
	dwarf   *dwarf.Data
	symtab  map[string]uint64 // unslid, file-relative addresses

	slide    uint64
	slideSet bool
}

// NewDwarfProvider opens and parses the DWARF image for (imageID, guid)
// under root.
func NewDwarfProvider(root, imageID, guid string) (*DwarfProvider, error) {
	path := filepath.Join(root, imageID, guid, "elf")

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbols: open dwarf image %s: %w", path, err)
	}

	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("symbols: parse dwarf in %s: %w", path, err)
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("symbols: read elf symtab in %s: %w", path, err)
	}

	symtab := make(map[string]uint64, len(syms))
	for _, s := range syms {
		if s.Name != "" {
			symtab[s.Name] = s.Value
		}
	}

	return &DwarfProvider{elfFile: f, dwarf: d, symtab: symtab}, nil
}

// Symbol resolves name to its observed (ASLR-adjusted) address.
func (d *DwarfProvider) Symbol(name string) (uint64, bool) {
	v, ok := d.symtab[name]
	if !ok {
		return 0, false
	}

	return v + d.slide, true
}

// SetASLR establishes the slide from one known (symbol, observed)
// pair: slide = observed - file_address.
func (d *DwarfProvider) SetASLR(knownSymbol string, observed uint64) bool {
	fileAddr, ok := d.symtab[knownSymbol]
	if !ok {
		return false
	}

	d.slide = observed - fileAddr
	d.slideSet = true

	return true
}

// ASLR returns the established slide (zero if none has been set).
func (d *DwarfProvider) ASLR() uint64 { return d.slide }

// StructOffset returns the byte offset of member within structName.
func (d *DwarfProvider) StructOffset(structName, member string) (uint64, bool) {
	entry, ok := d.findStruct(structName)
	if !ok {
		return 0, false
	}

	reader := d.dwarf.Reader()
	reader.Seek(entry.Offset)
	reader.Next() // consume the struct entry itself, positioning at its first child

	for {
		child, err := reader.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}

		if child.Tag != dwarf.TagMember {
			reader.SkipChildren()

			continue
		}

		name, _ := child.Val(dwarf.AttrName).(string)
		if name != member {
			continue
		}

		loc, ok := child.Val(dwarf.AttrDataMemberLoc).(int64)
		if !ok {
			return 0, false
		}

		return uint64(loc), true
	}

	return 0, false
}

// StructSize returns the byte size of structName.
func (d *DwarfProvider) StructSize(structName string) (uint64, bool) {
	entry, ok := d.findStruct(structName)
	if !ok {
		return 0, false
	}

	size, ok := entry.Val(dwarf.AttrByteSize).(int64)
	if !ok {
		return 0, false
	}

	return uint64(size), true
}

// findStruct locates the DWARF struct type entry named structName.
// Typedef names are not followed.
func (d *DwarfProvider) findStruct(structName string) (*dwarf.Entry, bool) {
	reader := d.dwarf.Reader()

	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}

		if entry.Tag != dwarf.TagStructType {
			continue
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		if name == structName {
			return entry, true
		}
	}

	return nil, false
}

var (
	_ Provider     = (*DwarfProvider)(nil)
	_ ASLRProvider = (*DwarfProvider)(nil)
)

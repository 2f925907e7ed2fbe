// Package elfx provides helpers for loading ELF executables, locating the
// code section, and mapping virtual addresses to file offsets.
package elfx

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
)

// TextSection is the name of the section that bounds exploration.
const TextSection = ".text"

type Image struct {
	Path    string
	File    *elf.File
	All     []byte
	Loads   []Seg
	Text    Section
	Sects   []Section
	Syms    []Sym
	Entry   uint64
	mode    int
	hasText bool
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
	Alloc         bool
	NoBits        bool
}

// Contains reports whether va lies inside the section.
func (s Section) Contains(va uint64) bool {
	return s.Size != 0 && va >= s.VA && va < s.VA+s.Size
}

// Sym is a named function symbol.
type Sym struct {
	Name    string
	Addr    uint64
	Size    uint64
	Dynamic bool
}

// MalformedImageError reports that a buffer is not an ELF image this tool
// can explore.
type MalformedImageError struct {
	Reason string
	Err    error
}

func (e *MalformedImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed image: %s: %v", e.Reason, e.Err)
	}
	return "malformed image: " + e.Reason
}

func (e *MalformedImageError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is, or wraps, a MalformedImageError.
func IsMalformed(err error) bool {
	var me *MalformedImageError
	return errors.As(err, &me)
}

// Open reads the file at path fully into memory and loads it.
func Open(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	im, err := Load(raw)
	if err != nil {
		return nil, err
	}
	im.Path = path
	return im, nil
}

// Load parses raw as an x86 ELF executable.
func Load(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, &MalformedImageError{Reason: "parse elf", Err: err}
	}

	im := &Image{File: f, All: raw, Entry: f.Entry}
	switch f.Machine {
	case elf.EM_X86_64:
		im.mode = 64
	case elf.EM_386:
		im.mode = 32
	default:
		return nil, &MalformedImageError{Reason: fmt.Sprintf("unsupported machine %s", f.Machine)}
	}
	if (im.mode == 64) != (f.Class == elf.ELFCLASS64) {
		return nil, &MalformedImageError{Reason: fmt.Sprintf("%s image for %s", f.Class, f.Machine)}
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Off+p.Filesz > uint64(len(raw)) {
			return nil, &MalformedImageError{Reason: fmt.Sprintf("segment at %#x extends past end of file", p.Vaddr)}
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}

	for _, s := range f.Sections {
		sec := Section{
			Name:   s.Name,
			VA:     s.Addr,
			Off:    s.Offset,
			Size:   s.Size,
			Alloc:  s.Flags&elf.SHF_ALLOC != 0,
			NoBits: s.Type == elf.SHT_NOBITS,
		}
		im.Sects = append(im.Sects, sec)
		if s.Name == TextSection && !im.hasText {
			im.Text = sec
			im.hasText = true
		}
	}

	im.loadSymbols()
	return im, nil
}

// Close releases the parsed ELF file.
func (im *Image) Close() error {
	if im.File != nil {
		err := im.File.Close()
		im.File = nil
		return err
	}
	return nil
}

// CodeBounds returns [min, max) of the code section, or (0, 0) when the
// image has no .text section.
func (im *Image) CodeBounds() (uint64, uint64) {
	if !im.hasText {
		return 0, 0
	}
	return im.Text.VA, im.Text.VA + im.Text.Size
}

// EntryPoint returns the address execution starts at.
func (im *Image) EntryPoint() uint64 {
	return im.Entry
}

// Mode returns the x86 processor mode (32 or 64) matching the image.
func (im *Image) Mode() int {
	return im.mode
}

// Sections returns the section table.
func (im *Image) Sections() []Section {
	return im.Sects
}

// Symbols returns the named function symbols sorted by address.
func (im *Image) Symbols() []Sym {
	return im.Syms
}

// VA2Off translates a virtual address into a file offset using PT_LOAD
// segments, then allocated sections. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	for _, s := range im.Sects {
		if s.Alloc && !s.NoBits && s.Contains(va) {
			return s.Off + (va - s.VA), true
		}
	}
	return 0, false
}

// BytesFrom returns the raw bytes from addr through the end of the
// buffer. Unmapped addresses are treated as file offsets. It returns nil
// when the offset lies beyond the buffer.
func (im *Image) BytesFrom(addr uint64) []byte {
	off, ok := im.VA2Off(addr)
	if !ok {
		off = addr
	}
	if off >= uint64(len(im.All)) {
		return nil
	}
	return im.All[off:]
}

// SymbolAt returns the function symbol starting exactly at addr.
func (im *Image) SymbolAt(addr uint64) (Sym, bool) {
	i := sort.Search(len(im.Syms), func(i int) bool { return im.Syms[i].Addr >= addr })
	if i < len(im.Syms) && im.Syms[i].Addr == addr {
		return im.Syms[i], true
	}
	return Sym{}, false
}

// loadSymbols collects function symbols from .symtab, then .dynsym for
// addresses .symtab does not name.
func (im *Image) loadSymbols() {
	if im.File == nil {
		return
	}
	seen := make(map[uint64]bool)

	add := func(syms []elf.Symbol, dynamic bool) {
		for _, sym := range syms {
			if sym.Name == "" || sym.Value == 0 || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			if seen[sym.Value] {
				continue
			}
			seen[sym.Value] = true
			im.Syms = append(im.Syms, Sym{
				Name:    sym.Name,
				Addr:    sym.Value,
				Size:    sym.Size,
				Dynamic: dynamic,
			})
		}
	}

	// Stripped binaries have no .symtab; that is not an error.
	if syms, err := im.File.Symbols(); err == nil {
		add(syms, false)
	}
	if dynsyms, err := im.File.DynamicSymbols(); err == nil {
		add(dynsyms, true)
	}

	sort.Slice(im.Syms, func(i, j int) bool {
		return im.Syms[i].Addr < im.Syms[j].Addr
	})
}

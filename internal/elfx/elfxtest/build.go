// Package elfxtest synthesizes minimal x86-64 ELF executables for tests.
package elfxtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Symbol is a function symbol placed in the code section.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Spec describes the image to build.
type Spec struct {
	Entry    uint64
	TextAddr uint64
	Code     []byte
	// Trailer is appended after the code inside the loaded segment but
	// outside the code section.
	Trailer []byte
	Symbols []Symbol
	// SectionName overrides ".text"; use it to build images without a
	// code section.
	SectionName string
	Machine     elf.Machine
}

const codeOff = 0x100

// Build returns the encoded image.
func Build(s Spec) []byte {
	machine := s.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}
	secName := s.SectionName
	if secName == "" {
		secName = ".text"
	}

	var out bytes.Buffer
	pad := func(n int) {
		for out.Len() < n {
			out.WriteByte(0)
		}
	}
	align := func(a int) {
		pad((out.Len() + a - 1) / a * a)
	}

	// Header and program header are written last, once offsets are known.
	pad(codeOff)
	out.Write(s.Code)
	out.Write(s.Trailer)

	// String tables.
	shstr := []byte{0}
	nameOff := func(tab *[]byte, name string) uint32 {
		off := uint32(len(*tab))
		*tab = append(*tab, name...)
		*tab = append(*tab, 0)
		return off
	}
	textName := nameOff(&shstr, secName)
	var symtabName, strtabName uint32
	if len(s.Symbols) > 0 {
		symtabName = nameOff(&shstr, ".symtab")
		strtabName = nameOff(&shstr, ".strtab")
	}
	shstrName := nameOff(&shstr, ".shstrtab")

	shstrOff := out.Len()
	out.Write(shstr)

	var strtabOff, symtabOff, strtabLen, symtabLen int
	if len(s.Symbols) > 0 {
		strtab := []byte{0}
		names := make([]uint32, len(s.Symbols))
		for i, sym := range s.Symbols {
			names[i] = nameOff(&strtab, sym.Name)
		}
		strtabOff = out.Len()
		strtabLen = len(strtab)
		out.Write(strtab)

		align(8)
		symtabOff = out.Len()
		binary.Write(&out, binary.LittleEndian, elf.Sym64{})
		for i, sym := range s.Symbols {
			binary.Write(&out, binary.LittleEndian, elf.Sym64{
				Name:  names[i],
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: 1,
				Value: sym.Addr,
				Size:  sym.Size,
			})
		}
		symtabLen = out.Len() - symtabOff
	}

	align(8)
	shoff := out.Len()
	sections := []elf.Section64{
		{},
		{
			Name:      textName,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:      s.TextAddr,
			Off:       codeOff,
			Size:      uint64(len(s.Code)),
			Addralign: 16,
		},
	}
	if len(s.Symbols) > 0 {
		sections = append(sections,
			elf.Section64{
				Name:      symtabName,
				Type:      uint32(elf.SHT_SYMTAB),
				Off:       uint64(symtabOff),
				Size:      uint64(symtabLen),
				Link:      uint32(len(sections) + 1),
				Info:      1,
				Addralign: 8,
				Entsize:   uint64(elf.Sym64Size),
			},
			elf.Section64{
				Name:      strtabName,
				Type:      uint32(elf.SHT_STRTAB),
				Off:       uint64(strtabOff),
				Size:      uint64(strtabLen),
				Addralign: 1,
			},
		)
	}
	sections = append(sections, elf.Section64{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint64(shstrOff),
		Size:      uint64(len(shstr)),
		Addralign: 1,
	})
	for _, sec := range sections {
		binary.Write(&out, binary.LittleEndian, sec)
	}

	buf := out.Bytes()
	var head bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&head, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     s.Entry,
		Phoff:     64,
		Shoff:     uint64(shoff),
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	})
	binary.Write(&head, binary.LittleEndian, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    codeOff,
		Vaddr:  s.TextAddr,
		Paddr:  s.TextAddr,
		Filesz: uint64(len(s.Code) + len(s.Trailer)),
		Memsz:  uint64(len(s.Code) + len(s.Trailer)),
		Align:  1,
	})
	copy(buf, head.Bytes())
	return buf
}

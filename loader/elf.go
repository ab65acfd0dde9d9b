package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/binspect/binspect/models"
)

const (
	elfIdentLen = 16

	elfClass32 = 1
	elfClass64 = 2

	elfData2LSB = 1
	elfData2MSB = 2

	shtNull   = 0
	shtNobits = 8

	// SHF_* section flags
	shfWrite     = 0x1
	shfExecinstr = 0x4

	ptLoad = 1

	// PF_* program header flags
	pfExec  = 0x1
	pfWrite = 0x2
	pfRead  = 0x4

	elfShentsize32 = 40
	elfShentsize64 = 64
	elfPhentsize32 = 32
	elfPhentsize64 = 56
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

var elfMachineMap = map[uint16]string{
	3:   "x86",
	8:   "mips",
	20:  "ppc",
	21:  "ppc64",
	40:  "arm",
	62:  "x86_64",
	183: "arm64",
	243: "riscv",
}

type elf32Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf32Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Off       uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type elf64Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type elf32Phdr struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// elfHeader is the width-normalized main header.
type elfHeader struct {
	Type      uint16
	Machine   uint16
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elfShdr struct {
	NameOff uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Off     uint64
	Size    uint64
}

type elfPhdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

type ElfFile struct {
	FileBase
	hdr elfHeader
}

// MatchElf32 reports whether p carries the ELF magic with a 32-bit
// class byte.
func MatchElf32(p []byte) bool {
	return len(p) >= 5 && bytes.Equal(p[:4], elfMagic) && p[4] == elfClass32
}

// MatchElf64 reports whether p carries the ELF magic with a 64-bit
// class byte.
func MatchElf64(p []byte) bool {
	return len(p) >= 5 && bytes.Equal(p[:4], elfMagic) && p[4] == elfClass64
}

// NewElf32File parses a 32-bit ELF out of p. A 64-bit ELF is
// WrongFormat here, not an error; the 64-bit probe gets its turn.
func NewElf32File(p []byte) (*ElfFile, error) {
	return newElfFile(p, elfClass32)
}

// NewElf64File parses a 64-bit ELF out of p.
func NewElf64File(p []byte) (*ElfFile, error) {
	return newElfFile(p, elfClass64)
}

func newElfFile(p []byte, class byte) (*ElfFile, error) {
	if !bytes.Equal(getMagic(p), elfMagic) {
		return nil, errors.WithStack(WrongFormat)
	}
	if len(p) < elfIdentLen {
		return nil, errors.Errorf("ELF ident truncated at %d bytes.", len(p))
	}
	switch p[4] {
	case elfClass32, elfClass64:
	default:
		return nil, errors.Errorf("Bad ELF class %d.", p[4])
	}
	if p[4] != class {
		return nil, errors.WithStack(WrongFormat)
	}
	var order binary.ByteOrder
	switch p[5] {
	case elfData2LSB:
		order = binary.LittleEndian
	case elfData2MSB:
		order = binary.BigEndian
	default:
		return nil, errors.Errorf("Bad ELF data encoding %d.", p[5])
	}

	hdr, err := parseElfHeader(p, class, order)
	if err != nil {
		return nil, err
	}
	shdrs, err := parseElfShdrs(p, class, order, hdr)
	if err != nil {
		return nil, err
	}
	names, err := resolveElfNames(p, hdr, shdrs)
	if err != nil {
		return nil, err
	}
	phdrs, err := parseElfPhdrs(p, class, order, hdr)
	if err != nil {
		return nil, err
	}

	sections := make([]models.Section, 0, len(shdrs))
	for i, sh := range shdrs {
		size := sh.Size
		if sh.Type == shtNobits {
			// .bss and friends occupy no file bytes
			size = 0
		}
		sections = append(sections, models.Section{
			Name:    names[i],
			Off:     sh.Off,
			Size:    size,
			Addr:    sh.Addr,
			MemSize: sh.Size,
			Prot:    elfProt(sh),
		})
	}

	format, bits := "elf32", 32
	if class == elfClass64 {
		format, bits = "elf64", 64
	}
	arch, ok := elfMachineMap[hdr.Machine]
	if !ok {
		arch = "unknown"
	}
	f := &ElfFile{
		FileBase: FileBase{
			format:    format,
			arch:      arch,
			bits:      bits,
			byteOrder: order,
			os:        "linux",
			entry:     hdr.Entry,
			data:      p,
			sections:  sections,
		},
		hdr: hdr,
	}
	f.segments = f.makeSegments(phdrs)
	return f, nil
}

func parseElfHeader(p []byte, class byte, order binary.ByteOrder) (elfHeader, error) {
	var hdr elfHeader
	if class == elfClass32 {
		var h elf32Header
		if _, err := unpackAt(p, &h, 0, order); err != nil {
			return hdr, errors.Wrap(err, "ELF header")
		}
		hdr = elfHeader{
			Type: h.Type, Machine: h.Machine,
			Entry: uint64(h.Entry), Phoff: uint64(h.Phoff), Shoff: uint64(h.Shoff),
			Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		}
	} else {
		var h elf64Header
		if _, err := unpackAt(p, &h, 0, order); err != nil {
			return hdr, errors.Wrap(err, "ELF header")
		}
		hdr = elfHeader{
			Type: h.Type, Machine: h.Machine,
			Entry: h.Entry, Phoff: h.Phoff, Shoff: h.Shoff,
			Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		}
	}
	return hdr, nil
}

func parseElfShdrs(p []byte, class byte, order binary.ByteOrder, hdr elfHeader) ([]elfShdr, error) {
	if hdr.Shnum == 0 {
		return nil, nil
	}
	min := uint16(elfShentsize32)
	if class == elfClass64 {
		min = elfShentsize64
	}
	if hdr.Shentsize < min {
		return nil, errors.Errorf("Section header entry size %d below minimum %d.", hdr.Shentsize, min)
	}
	if !inBounds(p, hdr.Shoff, uint64(hdr.Shnum)*uint64(hdr.Shentsize)) {
		return nil, errors.Errorf("Section table of %d entries at 0x%x overruns the buffer.", hdr.Shnum, hdr.Shoff)
	}
	shdrs := make([]elfShdr, 0, hdr.Shnum)
	for i := 0; i < int(hdr.Shnum); i++ {
		off := hdr.Shoff + uint64(i)*uint64(hdr.Shentsize)
		var sh elfShdr
		if class == elfClass32 {
			var raw elf32Shdr
			if _, err := unpackAt(p, &raw, off, order); err != nil {
				return nil, errors.Wrapf(err, "section %d", i)
			}
			sh = elfShdr{
				NameOff: raw.Name, Type: raw.Type, Flags: uint64(raw.Flags),
				Addr: uint64(raw.Addr), Off: uint64(raw.Off), Size: uint64(raw.Size),
			}
		} else {
			var raw elf64Shdr
			if _, err := unpackAt(p, &raw, off, order); err != nil {
				return nil, errors.Wrapf(err, "section %d", i)
			}
			sh = elfShdr{
				NameOff: raw.Name, Type: raw.Type, Flags: raw.Flags,
				Addr: raw.Addr, Off: raw.Off, Size: raw.Size,
			}
		}
		fileSize := sh.Size
		if sh.Type == shtNobits {
			fileSize = 0
		}
		if !inBounds(p, sh.Off, fileSize) {
			return nil, errors.Errorf("Section %d data 0x%x+0x%x overruns the buffer.", i, sh.Off, fileSize)
		}
		shdrs = append(shdrs, sh)
	}
	return shdrs, nil
}

func resolveElfNames(p []byte, hdr elfHeader, shdrs []elfShdr) ([]string, error) {
	names := make([]string, len(shdrs))
	if hdr.Shstrndx == 0 || len(shdrs) == 0 {
		// no string table; sections are unnamed
		return names, nil
	}
	if int(hdr.Shstrndx) >= len(shdrs) {
		return nil, errors.Errorf("String table index %d outside %d section headers.", hdr.Shstrndx, len(shdrs))
	}
	strtab := shdrs[hdr.Shstrndx]
	if strtab.Type == shtNobits {
		return nil, errors.Errorf("String table section %d has no file data.", hdr.Shstrndx)
	}
	raw := p[strtab.Off : strtab.Off+strtab.Size]
	for i, sh := range shdrs {
		if uint64(sh.NameOff) >= strtab.Size {
			return nil, errors.Errorf("Section %d name offset 0x%x outside the string table.", i, sh.NameOff)
		}
		end := bytes.IndexByte(raw[sh.NameOff:], 0)
		if end < 0 {
			return nil, errors.Errorf("Section %d name is not terminated.", i)
		}
		names[i] = string(raw[sh.NameOff : int(sh.NameOff)+end])
	}
	return names, nil
}

func parseElfPhdrs(p []byte, class byte, order binary.ByteOrder, hdr elfHeader) ([]elfPhdr, error) {
	if hdr.Phnum == 0 {
		return nil, nil
	}
	min := uint16(elfPhentsize32)
	if class == elfClass64 {
		min = elfPhentsize64
	}
	if hdr.Phentsize < min {
		return nil, errors.Errorf("Program header entry size %d below minimum %d.", hdr.Phentsize, min)
	}
	if !inBounds(p, hdr.Phoff, uint64(hdr.Phnum)*uint64(hdr.Phentsize)) {
		return nil, errors.Errorf("Program header table of %d entries at 0x%x overruns the buffer.", hdr.Phnum, hdr.Phoff)
	}
	phdrs := make([]elfPhdr, 0, hdr.Phnum)
	for i := 0; i < int(hdr.Phnum); i++ {
		off := hdr.Phoff + uint64(i)*uint64(hdr.Phentsize)
		var ph elfPhdr
		if class == elfClass32 {
			var raw elf32Phdr
			if _, err := unpackAt(p, &raw, off, order); err != nil {
				return nil, errors.Wrapf(err, "program header %d", i)
			}
			ph = elfPhdr{
				Type: raw.Type, Flags: raw.Flags,
				Off: uint64(raw.Off), Vaddr: uint64(raw.Vaddr),
				Filesz: uint64(raw.Filesz), Memsz: uint64(raw.Memsz),
			}
		} else {
			var raw elf64Phdr
			if _, err := unpackAt(p, &raw, off, order); err != nil {
				return nil, errors.Wrapf(err, "program header %d", i)
			}
			ph = elfPhdr{
				Type: raw.Type, Flags: raw.Flags,
				Off: raw.Off, Vaddr: raw.Vaddr,
				Filesz: raw.Filesz, Memsz: raw.Memsz,
			}
		}
		if ph.Type == ptLoad && !inBounds(p, ph.Off, ph.Filesz) {
			return nil, errors.Errorf("Segment %d data 0x%x+0x%x overruns the buffer.", i, ph.Off, ph.Filesz)
		}
		phdrs = append(phdrs, ph)
	}
	return phdrs, nil
}

// elfProt decodes SHF_* flags. Every section the model represents is
// readable; the null placeholder section carries no permissions at all.
func elfProt(sh elfShdr) int {
	if sh.Type == shtNull {
		return models.PROT_NONE
	}
	prot := models.PROT_READ
	if sh.Flags&shfWrite != 0 {
		prot |= models.PROT_WRITE
	}
	if sh.Flags&shfExecinstr != 0 {
		prot |= models.PROT_EXEC
	}
	return prot
}

func pfProt(flags uint32) int {
	prot := models.PROT_NONE
	if flags&pfRead != 0 {
		prot |= models.PROT_READ
	}
	if flags&pfWrite != 0 {
		prot |= models.PROT_WRITE
	}
	if flags&pfExec != 0 {
		prot |= models.PROT_EXEC
	}
	return prot
}

func (f *ElfFile) makeSegments(phdrs []elfPhdr) []models.SegmentData {
	var segs []models.SegmentData
	for _, ph := range phdrs {
		if ph.Type != ptLoad {
			continue
		}
		off, filesz := ph.Off, ph.Filesz
		segs = append(segs, models.SegmentData{
			Off:  off,
			Addr: ph.Vaddr,
			Size: ph.Memsz,
			Prot: pfProt(ph.Flags),
			DataFunc: func() ([]byte, error) {
				if f.data == nil {
					return nil, errors.New("File is closed.")
				}
				return f.data[off : off+filesz], nil
			},
		})
	}
	return segs
}

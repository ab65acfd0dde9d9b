package loader

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/binspect/binspect/models"
)

const (
	peSignature = "PE\x00\x00"

	optMagicPE32     = 0x10b
	optMagicPE32Plus = 0x20b

	peFileHeaderLen      = 20
	peSectionHeaderLen   = 40
	peMaxDataDirectories = 16

	// IMAGE_SCN_MEM_* section characteristics
	imageScnMemExecute = 0x20000000
	imageScnMemRead    = 0x40000000
	imageScnMemWrite   = 0x80000000
)

var peMagic = []byte{'M', 'Z'}

// IMAGE_FILE_MACHINE_* values we can put a name to. Anything else still
// parses; the arch just reads as "unknown".
var peMachineMap = map[uint16]struct {
	arch string
	bits int
}{
	0x014c: {"x86", 32},
	0x01c0: {"arm", 32},
	0x01c4: {"arm", 32},
	0x0200: {"ia64", 64},
	0x8664: {"x86_64", 64},
	0xaa64: {"arm64", 64},
}

type dosHeader struct {
	Magic    [2]byte
	Cblp     uint16
	Cp       uint16
	Crlc     uint16
	Cparhdr  uint16
	Minalloc uint16
	Maxalloc uint16
	Ss       uint16
	Sp       uint16
	Csum     uint16
	Ip       uint16
	Cs       uint16
	Lfarlc   uint16
	Ovno     uint16
	Res      [8]byte
	Oemid    uint16
	Oeminfo  uint16
	Res2     [20]byte
	Lfanew   uint32
}

type peFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type peOptHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

type peOptHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

type peDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// peOptHeader is the width-normalized view of whichever optional header
// the file carried.
type peOptHeader struct {
	Magic               uint16
	AddressOfEntryPoint uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	DataDirectory       []peDataDirectory
}

type peSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

type PEFile struct {
	FileBase
	dos dosHeader
	hdr peFileHeader
	opt *peOptHeader
}

// MatchPE reports whether p starts with the DOS "MZ" magic.
func MatchPE(p []byte) bool {
	return len(p) >= 2 && p[0] == peMagic[0] && p[1] == peMagic[1]
}

// NewPEFile parses a PE image out of p. WrongFormat if the DOS magic is
// absent; once the magic has matched, every later inconsistency is a
// structural error.
func NewPEFile(p []byte) (*PEFile, error) {
	if !MatchPE(p) {
		return nil, errors.WithStack(WrongFormat)
	}
	var dos dosHeader
	if _, err := unpackAt(p, &dos, 0, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "DOS header")
	}
	peOff := uint64(dos.Lfanew)
	if !inBounds(p, peOff, uint64(len(peSignature))) {
		return nil, errors.Errorf("e_lfanew 0x%x is outside the buffer.", dos.Lfanew)
	}
	if string(p[peOff:peOff+4]) != peSignature {
		return nil, errors.Errorf("No PE signature at e_lfanew 0x%x.", dos.Lfanew)
	}

	var hdr peFileHeader
	off := peOff + 4
	if _, err := unpackAt(p, &hdr, off, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "file header")
	}
	off += peFileHeaderLen

	opt, err := parsePEOptHeader(p, off, hdr.SizeOfOptionalHeader)
	if err != nil {
		return nil, err
	}
	// The section table starts after the declared optional header size,
	// whether or not the optional header filled it.
	off += uint64(hdr.SizeOfOptionalHeader)

	sections, err := parsePESections(p, off, int(hdr.NumberOfSections))
	if err != nil {
		return nil, err
	}

	arch, bits := "unknown", 32
	if m, ok := peMachineMap[hdr.Machine]; ok {
		arch, bits = m.arch, m.bits
	}
	var entry uint64
	if opt != nil {
		entry = opt.ImageBase + uint64(opt.AddressOfEntryPoint)
		if opt.Magic == optMagicPE32Plus {
			bits = 64
		}
	}
	f := &PEFile{
		FileBase: FileBase{
			format:    "pe",
			arch:      arch,
			bits:      bits,
			byteOrder: binary.LittleEndian,
			os:        "windows",
			entry:     entry,
			data:      p,
			sections:  sections,
		},
		dos: dos,
		hdr: hdr,
		opt: opt,
	}
	f.segments = f.makeSegments()
	return f, nil
}

func parsePEOptHeader(p []byte, off uint64, size uint16) (*peOptHeader, error) {
	if size == 0 {
		// COFF object, no optional header
		return nil, nil
	}
	if !inBounds(p, off, uint64(size)) {
		return nil, errors.Errorf("%d byte optional header at 0x%x overruns the buffer.", size, off)
	}
	if size < 2 {
		return nil, errors.Errorf("Optional header too small for its magic (%d bytes).", size)
	}
	magic := binary.LittleEndian.Uint16(p[off : off+2])

	opt := &peOptHeader{Magic: magic}
	var fixed int
	var ndirs uint32
	switch magic {
	case optMagicPE32:
		var oh peOptHeader32
		n, err := unpackAt(p, &oh, off, binary.LittleEndian)
		if err != nil {
			return nil, errors.Wrap(err, "optional header")
		}
		fixed = n
		ndirs = oh.NumberOfRvaAndSizes
		opt.AddressOfEntryPoint = oh.AddressOfEntryPoint
		opt.ImageBase = uint64(oh.ImageBase)
		opt.SectionAlignment = oh.SectionAlignment
		opt.FileAlignment = oh.FileAlignment
		opt.SizeOfImage = oh.SizeOfImage
		opt.SizeOfHeaders = oh.SizeOfHeaders
		opt.Subsystem = oh.Subsystem
		opt.DllCharacteristics = oh.DllCharacteristics
	case optMagicPE32Plus:
		var oh peOptHeader64
		n, err := unpackAt(p, &oh, off, binary.LittleEndian)
		if err != nil {
			return nil, errors.Wrap(err, "optional header")
		}
		fixed = n
		ndirs = oh.NumberOfRvaAndSizes
		opt.AddressOfEntryPoint = oh.AddressOfEntryPoint
		opt.ImageBase = oh.ImageBase
		opt.SectionAlignment = oh.SectionAlignment
		opt.FileAlignment = oh.FileAlignment
		opt.SizeOfImage = oh.SizeOfImage
		opt.SizeOfHeaders = oh.SizeOfHeaders
		opt.Subsystem = oh.Subsystem
		opt.DllCharacteristics = oh.DllCharacteristics
	default:
		return nil, errors.Errorf("Bad optional header magic 0x%x.", magic)
	}

	if ndirs > peMaxDataDirectories {
		return nil, errors.Errorf("Optional header declares %d data directories.", ndirs)
	}
	if uint64(fixed)+uint64(ndirs)*8 > uint64(size) {
		return nil, errors.Errorf("%d data directories overrun the %d byte optional header.", ndirs, size)
	}
	dirOff := off + uint64(fixed)
	for i := uint32(0); i < ndirs; i++ {
		var dir peDataDirectory
		if _, err := unpackAt(p, &dir, dirOff+uint64(i)*8, binary.LittleEndian); err != nil {
			return nil, errors.Wrap(err, "data directory")
		}
		opt.DataDirectory = append(opt.DataDirectory, dir)
	}
	return opt, nil
}

func parsePESections(p []byte, off uint64, count int) ([]models.Section, error) {
	if !inBounds(p, off, uint64(count)*peSectionHeaderLen) {
		return nil, errors.Errorf("Section table of %d entries at 0x%x overruns the buffer.", count, off)
	}
	sections := make([]models.Section, 0, count)
	for i := 0; i < count; i++ {
		var sh peSectionHeader
		if _, err := unpackAt(p, &sh, off+uint64(i)*peSectionHeaderLen, binary.LittleEndian); err != nil {
			return nil, errors.Wrapf(err, "section %d", i)
		}
		if !inBounds(p, uint64(sh.PointerToRawData), uint64(sh.SizeOfRawData)) {
			return nil, errors.Errorf("Section %d raw data 0x%x+0x%x overruns the buffer.",
				i, sh.PointerToRawData, sh.SizeOfRawData)
		}
		sections = append(sections, models.Section{
			Name:    strings.TrimRight(string(sh.Name[:]), "\x00"),
			Off:     uint64(sh.PointerToRawData),
			Size:    uint64(sh.SizeOfRawData),
			Addr:    uint64(sh.VirtualAddress),
			MemSize: uint64(sh.VirtualSize),
			Prot:    peProt(sh.Characteristics),
		})
	}
	return sections, nil
}

// peProt decodes IMAGE_SCN_MEM_* characteristics. All other bits fall
// outside the permission model and are ignored.
func peProt(characteristics uint32) int {
	prot := models.PROT_NONE
	if characteristics&imageScnMemRead != 0 {
		prot |= models.PROT_READ
	}
	if characteristics&imageScnMemWrite != 0 {
		prot |= models.PROT_WRITE
	}
	if characteristics&imageScnMemExecute != 0 {
		prot |= models.PROT_EXEC
	}
	return prot
}

// makeSegments exposes the loadable view: each section mapped at
// ImageBase+VirtualAddress.
func (f *PEFile) makeSegments() []models.SegmentData {
	var base uint64
	if f.opt != nil {
		base = f.opt.ImageBase
	}
	segs := make([]models.SegmentData, 0, len(f.sections))
	for i := range f.sections {
		sec := f.sections[i]
		size := sec.MemSize
		if size == 0 {
			size = sec.Size
		}
		idx := i
		segs = append(segs, models.SegmentData{
			Off:  sec.Off,
			Addr: base + sec.Addr,
			Size: size,
			Prot: sec.Prot,
			DataFunc: func() ([]byte, error) {
				return f.SectionData(idx)
			},
		})
	}
	return segs
}

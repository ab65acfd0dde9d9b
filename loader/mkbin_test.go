package loader

// In-memory image builders for tests. Keeping the fixtures synthetic
// means every byte of the layout is visible next to the assertions and
// malformed variants are one mutation away.

import (
	"encoding/binary"
)

type peSec struct {
	name  string
	off   uint32
	size  uint32
	chars uint32
}

const testPEOff = 0x80

// makePE builds a minimal PE image with no optional header. total < 0
// sizes the buffer to cover the headers and every section's raw data.
func makePE(secs []peSec, total int) []byte {
	shOff := testPEOff + 4 + peFileHeaderLen
	end := shOff + len(secs)*peSectionHeaderLen
	if total < 0 {
		total = end
		for _, s := range secs {
			if int(s.off+s.size) > total {
				total = int(s.off + s.size)
			}
		}
	}
	p := make([]byte, total)
	copy(p, "MZ")
	binary.LittleEndian.PutUint32(p[0x3c:], testPEOff)
	copy(p[testPEOff:], peSignature)
	binary.LittleEndian.PutUint16(p[testPEOff+4:], 0x8664)
	binary.LittleEndian.PutUint16(p[testPEOff+6:], uint16(len(secs)))
	for i, s := range secs {
		base := shOff + i*peSectionHeaderLen
		copy(p[base:base+8], s.name)
		binary.LittleEndian.PutUint32(p[base+8:], s.size)  // VirtualSize
		binary.LittleEndian.PutUint32(p[base+12:], s.off)  // VirtualAddress
		binary.LittleEndian.PutUint32(p[base+16:], s.size) // SizeOfRawData
		binary.LittleEndian.PutUint32(p[base+20:], s.off)  // PointerToRawData
		binary.LittleEndian.PutUint32(p[base+36:], s.chars)
	}
	return p
}

// makePE64Opt builds a PE32+ image with a full optional header and one
// executable section.
func makePE64Opt(imageBase uint64, entry uint32) []byte {
	const optSize = 112 + 16*8
	optOff := testPEOff + 4 + peFileHeaderLen
	shOff := optOff + optSize
	secOff := uint32(0x400)
	total := int(secOff) + 0x100

	p := make([]byte, total)
	copy(p, "MZ")
	binary.LittleEndian.PutUint32(p[0x3c:], testPEOff)
	copy(p[testPEOff:], peSignature)
	binary.LittleEndian.PutUint16(p[testPEOff+4:], 0x8664)
	binary.LittleEndian.PutUint16(p[testPEOff+6:], 1)
	binary.LittleEndian.PutUint16(p[testPEOff+20:], optSize)

	binary.LittleEndian.PutUint16(p[optOff:], optMagicPE32Plus)
	binary.LittleEndian.PutUint32(p[optOff+16:], entry)       // AddressOfEntryPoint
	binary.LittleEndian.PutUint64(p[optOff+24:], imageBase)   // ImageBase
	binary.LittleEndian.PutUint16(p[optOff+68:], 3)           // Subsystem: console
	binary.LittleEndian.PutUint32(p[optOff+108:], 16)         // NumberOfRvaAndSizes

	base := shOff
	copy(p[base:base+8], ".text")
	binary.LittleEndian.PutUint32(p[base+8:], 0x100)
	binary.LittleEndian.PutUint32(p[base+12:], 0x1000)
	binary.LittleEndian.PutUint32(p[base+16:], 0x100)
	binary.LittleEndian.PutUint32(p[base+20:], secOff)
	binary.LittleEndian.PutUint32(p[base+36:], imageScnMemRead|imageScnMemExecute)
	return p
}

// SHF_ALLOC only matters to fixtures; the parser keys off write/exec.
const shfAlloc = 0x2

type elfSec struct {
	name  string
	typ   uint32
	flags uint64
	addr  uint64
	off   uint64
	size  uint64
}

type elfProg struct {
	typ    uint32
	flags  uint32
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

// makeElf builds an ELF image of the given class: main header, optional
// program headers, the caller's sections bracketed by the null section
// and .shstrtab, then the section header table.
func makeElf(class byte, order binary.ByteOrder, entry uint64, secs []elfSec, phs []elfProg) []byte {
	hdrSize, shentsize, phentsize := 52, elfShentsize32, elfPhentsize32
	if class == elfClass64 {
		hdrSize, shentsize, phentsize = 64, elfShentsize64, elfPhentsize64
	}

	phOff := 0
	end := hdrSize
	if len(phs) > 0 {
		phOff = hdrSize
		end = phOff + len(phs)*phentsize
	}
	for _, s := range secs {
		if s.typ != shtNobits && int(s.off+s.size) > end {
			end = int(s.off + s.size)
		}
	}
	for _, ph := range phs {
		if int(ph.off+ph.filesz) > end {
			end = int(ph.off + ph.filesz)
		}
	}

	// string table: leading NUL, then every name
	strtab := []byte{0}
	nameOff := make([]uint32, len(secs))
	for i, s := range secs {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	strtabNameOff := uint32(len(strtab))
	strtab = append(strtab, ".shstrtab"...)
	strtab = append(strtab, 0)

	strOff := end
	shOff := strOff + len(strtab)
	shnum := len(secs) + 2
	total := shOff + shnum*shentsize
	p := make([]byte, total)

	copy(p, elfMagic)
	p[4] = class
	if order == binary.BigEndian {
		p[5] = elfData2MSB
	} else {
		p[5] = elfData2LSB
	}
	p[6] = 1 // EI_VERSION

	putShdr := func(idx int, name uint32, typ uint32, flags, addr, off, size uint64) {
		base := shOff + idx*shentsize
		if class == elfClass32 {
			order.PutUint32(p[base:], name)
			order.PutUint32(p[base+4:], typ)
			order.PutUint32(p[base+8:], uint32(flags))
			order.PutUint32(p[base+12:], uint32(addr))
			order.PutUint32(p[base+16:], uint32(off))
			order.PutUint32(p[base+20:], uint32(size))
		} else {
			order.PutUint32(p[base:], name)
			order.PutUint32(p[base+4:], typ)
			order.PutUint64(p[base+8:], flags)
			order.PutUint64(p[base+16:], addr)
			order.PutUint64(p[base+24:], off)
			order.PutUint64(p[base+32:], size)
		}
	}

	if class == elfClass32 {
		order.PutUint16(p[16:], 2)  // ET_EXEC
		order.PutUint16(p[18:], 3)  // EM_386
		order.PutUint32(p[20:], 1)  // EV_CURRENT
		order.PutUint32(p[24:], uint32(entry))
		order.PutUint32(p[28:], uint32(phOff))
		order.PutUint32(p[32:], uint32(shOff))
		order.PutUint16(p[40:], uint16(hdrSize))
		order.PutUint16(p[42:], uint16(phentsize))
		order.PutUint16(p[44:], uint16(len(phs)))
		order.PutUint16(p[46:], uint16(shentsize))
		order.PutUint16(p[48:], uint16(shnum))
		order.PutUint16(p[50:], uint16(shnum-1))
	} else {
		order.PutUint16(p[16:], 2)  // ET_EXEC
		order.PutUint16(p[18:], 62) // EM_X86_64
		order.PutUint32(p[20:], 1)  // EV_CURRENT
		order.PutUint64(p[24:], entry)
		order.PutUint64(p[32:], uint64(phOff))
		order.PutUint64(p[40:], uint64(shOff))
		order.PutUint16(p[52:], uint16(hdrSize))
		order.PutUint16(p[54:], uint16(phentsize))
		order.PutUint16(p[56:], uint16(len(phs)))
		order.PutUint16(p[58:], uint16(shentsize))
		order.PutUint16(p[60:], uint16(shnum))
		order.PutUint16(p[62:], uint16(shnum-1))
	}

	for i, ph := range phs {
		base := phOff + i*phentsize
		if class == elfClass32 {
			order.PutUint32(p[base:], ph.typ)
			order.PutUint32(p[base+4:], uint32(ph.off))
			order.PutUint32(p[base+8:], uint32(ph.vaddr))
			order.PutUint32(p[base+16:], uint32(ph.filesz))
			order.PutUint32(p[base+20:], uint32(ph.memsz))
			order.PutUint32(p[base+24:], ph.flags)
		} else {
			order.PutUint32(p[base:], ph.typ)
			order.PutUint32(p[base+4:], ph.flags)
			order.PutUint64(p[base+8:], ph.off)
			order.PutUint64(p[base+16:], ph.vaddr)
			order.PutUint64(p[base+32:], ph.filesz)
			order.PutUint64(p[base+40:], ph.memsz)
		}
	}

	// index 0 stays the all-zero null section
	for i, s := range secs {
		putShdr(i+1, nameOff[i], s.typ, s.flags, s.addr, s.off, s.size)
	}
	copy(p[strOff:], strtab)
	putShdr(shnum-1, strtabNameOff, 3 /* SHT_STRTAB */, 0, 0, uint64(strOff), uint64(len(strtab)))
	return p
}

package models

// Section is one entry of a file's section table, normalized across
// formats. Off and Size describe the bytes the section occupies in the
// file; Addr and MemSize describe its loaded image. Sections that take
// no file space (ELF SHT_NOBITS, PE uninitialized data) have Size 0.
type Section struct {
	Name    string
	Off     uint64
	Size    uint64
	Addr    uint64
	MemSize uint64
	Prot    int
}

func (s *Section) ContainsOff(off uint64) bool {
	return s.Off <= off && off < s.Off+s.Size
}

type SegmentData struct {
	Off        uint64
	Addr, Size uint64
	Prot       int
	DataFunc   func() ([]byte, error)
}

func (s *SegmentData) Data() ([]byte, error) {
	return s.DataFunc()
}

func (s *SegmentData) ContainsPhys(addr uint64) bool {
	return s.Off <= addr && addr < s.Off+s.Size
}

func (s *SegmentData) ContainsVirt(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

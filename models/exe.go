package models

import (
	"encoding/binary"
)

// Exe is the read-only view over one parsed executable. The concrete
// type behind it is one of the loader package's format parsers; callers
// never need to know which.
//
// The parsed file's backing buffer is borrowed, not copied. It must stay
// valid and unmodified until Close. After Close every accessor sees an
// empty file.
type Exe interface {
	Format() string
	Arch() string
	Bits() int
	ByteOrder() binary.ByteOrder
	OS() string
	Entry() uint64

	NumSections() int
	Section(idx int) (*Section, error)
	SectionName(idx int) (string, error)
	SectionData(idx int) ([]byte, error)

	Segments() ([]SegmentData, error)

	// Close drops the reference to the backing buffer. Safe to call
	// more than once.
	Close() error
}

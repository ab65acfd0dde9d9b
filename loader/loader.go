package loader

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/binspect/binspect/models"
)

var (
	// UnknownMagic means no parser in the probe table accepted the buffer.
	UnknownMagic = errors.New("Could not identify file magic.")
	// WrongFormat means the buffer's magic does not match the parser it
	// was handed to. The probe loop treats it as "keep trying"; every
	// other parse error is structural and stops detection.
	WrongFormat = errors.New("Magic does not match this format.")
	// IndexRange is returned by section accessors for an index outside
	// [0, NumSections).
	IndexRange = errors.New("Section index out of range.")
)

// FileBase carries the state shared by every format parser and
// implements the accessor half of models.Exe. Each parser embeds it and
// fills it in during construction; nothing mutates it afterwards except
// Close.
type FileBase struct {
	format    string
	arch      string
	bits      int
	byteOrder binary.ByteOrder
	os        string
	entry     uint64

	data     []byte
	sections []models.Section
	segments []models.SegmentData
}

func (f *FileBase) Format() string {
	return f.format
}

func (f *FileBase) Arch() string {
	return f.arch
}

func (f *FileBase) Bits() int {
	return f.bits
}

func (f *FileBase) ByteOrder() binary.ByteOrder {
	if f.byteOrder == nil {
		return binary.LittleEndian
	}
	return f.byteOrder
}

func (f *FileBase) OS() string {
	return f.os
}

func (f *FileBase) Entry() uint64 {
	return f.entry
}

func (f *FileBase) NumSections() int {
	return len(f.sections)
}

func (f *FileBase) Section(idx int) (*models.Section, error) {
	if idx < 0 || idx >= len(f.sections) {
		return nil, errors.WithStack(IndexRange)
	}
	return &f.sections[idx], nil
}

func (f *FileBase) SectionName(idx int) (string, error) {
	s, err := f.Section(idx)
	if err != nil {
		return "", err
	}
	return s.Name, nil
}

func (f *FileBase) SectionData(idx int) ([]byte, error) {
	s, err := f.Section(idx)
	if err != nil {
		return nil, err
	}
	if s.Size == 0 {
		return nil, nil
	}
	return f.data[s.Off : s.Off+s.Size], nil
}

func (f *FileBase) Segments() ([]models.SegmentData, error) {
	return f.segments, nil
}

// Close forgets the borrowed buffer and everything derived from it.
// Idempotent; accessors on a closed file see zero sections.
func (f *FileBase) Close() error {
	f.data = nil
	f.sections = nil
	f.segments = nil
	return nil
}

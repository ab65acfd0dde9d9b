package loader

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// inBounds reports whether [off, off+size) lies inside p. Written to be
// overflow-safe: size is compared against the space remaining after off.
func inBounds(p []byte, off, size uint64) bool {
	return off <= uint64(len(p)) && size <= uint64(len(p))-off
}

// unpackAt decodes one fixed-layout header from p at off, refusing to
// read past the end of the buffer. Returns the header's encoded size.
func unpackAt(p []byte, i interface{}, off uint64, order binary.ByteOrder) (int, error) {
	size, err := struc.Sizeof(i)
	if err != nil {
		return 0, err
	}
	if !inBounds(p, off, uint64(size)) {
		return 0, errors.Errorf("%d byte header at 0x%x overruns %d byte buffer.", size, off, len(p))
	}
	r := io.NewSectionReader(bytes.NewReader(p), int64(off), int64(size))
	return size, struc.UnpackWithOrder(r, i, order)
}

func getMagic(p []byte) []byte {
	if len(p) < 4 {
		return nil
	}
	return p[:4]
}

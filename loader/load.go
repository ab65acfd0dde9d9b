package loader

import (
	"os"

	"github.com/pkg/errors"

	"github.com/binspect/binspect/models"
)

// formats is the fixed probe table. Order matters: the first parser
// whose magic matches owns the buffer, so a structural error from it
// ends detection instead of falling through to a weaker match.
var formats = []struct {
	name  string
	parse func([]byte) (models.Exe, error)
}{
	{"pe", func(p []byte) (models.Exe, error) { return NewPEFile(p) }},
	{"elf32", func(p []byte) (models.Exe, error) { return NewElf32File(p) }},
	{"elf64", func(p []byte) (models.Exe, error) { return NewElf64File(p) }},
}

// Parse probes p against each known format in order and returns the
// first accepted file. UnknownMagic if nothing matched.
func Parse(p []byte) (models.Exe, error) {
	for _, f := range formats {
		exe, err := f.parse(p)
		if err == nil {
			return exe, nil
		}
		if errors.Cause(err) != WrongFormat {
			return nil, errors.Wrapf(err, "%s", f.name)
		}
	}
	return nil, errors.WithStack(UnknownMagic)
}

// ParseFile reads path into memory and runs Parse on it.
func ParseFile(path string) (models.Exe, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(p)
}

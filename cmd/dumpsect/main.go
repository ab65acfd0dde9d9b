package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/binspect/binspect/loader"
	"github.com/binspect/binspect/models"
)

func colorProt(prot int) string {
	s := models.ProtString(prot)
	switch {
	case prot&models.PROT_EXEC != 0:
		return ansi.Color(s, "red")
	case prot&models.PROT_WRITE != 0:
		return ansi.Color(s, "yellow")
	default:
		return ansi.Color(s, "green")
	}
}

func dump(log zerolog.Logger, path string, color bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	var p []byte
	if st.Size() > 0 {
		p, err = unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return errors.Wrapf(err, "mmap %s", path)
		}
		defer unix.Munmap(p)
	}
	log.Debug().Str("path", path).Int64("size", st.Size()).Msg("mapped")

	exe, err := loader.Parse(p)
	if err != nil {
		return err
	}
	defer exe.Close()
	log.Debug().Str("format", exe.Format()).Str("arch", exe.Arch()).Int("bits", exe.Bits()).Msg("parsed")

	fmt.Printf("%s: %s %s/%s %d-bit, entry 0x%x, %d sections\n",
		path, exe.Format(), exe.OS(), exe.Arch(), exe.Bits(), exe.Entry(), exe.NumSections())
	for i := 0; i < exe.NumSections(); i++ {
		sec, err := exe.Section(i)
		if err != nil {
			return err
		}
		flags := models.ProtString(sec.Prot)
		if color {
			flags = colorProt(sec.Prot)
		}
		fmt.Printf("%3d  %-20s %s  off=0x%08x  size=%-8d addr=0x%08x\n",
			i, sec.Name, flags, sec.Off, sec.Size, sec.Addr)
	}
	return nil
}

func main() {
	fs := flag.NewFlagSet("dumpsect", flag.ExitOnError)
	verbose := fs.Bool("v", false, "enable debug logging")
	noColor := fs.Bool("no-color", false, "disable colored output")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <file>...\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	exit := 0
	for _, path := range fs.Args() {
		if err := dump(log, path, !*noColor); err != nil {
			log.Error().Err(err).Str("path", path).Msg("dump failed")
			exit = 1
		}
	}
	os.Exit(exit)
}

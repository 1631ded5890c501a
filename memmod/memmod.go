// Package memmod stages shared library images held in memory so that a
// target process can dlopen them through /proc without the image ever
// having a name in the file system.
package memmod

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
)

var (
	ErrEmptyImage   = errors.New("empty ELF image")
	ErrForeignImage = errors.New("foreign ELF image")
	ErrUnsupported  = errors.New("memmod is only supported on linux")
)

// Validate checks that data is a 64-bit shared object for machine.
func Validate(data []byte, machine elf.Machine) error {
	if len(data) == 0 {
		return ErrEmptyImage
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return errors.Wrapf(ErrForeignImage, "invalid ELF image: %v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return errors.Wrapf(ErrForeignImage, "unsupported ELF class: %s", f.Class)
	}
	if f.Machine != machine {
		return errors.Wrapf(ErrForeignImage, "foreign platform (provided: %s, expected: %s)", f.Machine, machine)
	}
	if f.Type != elf.ET_DYN {
		return errors.Wrapf(ErrForeignImage, "unsupported ELF file type: %s", f.Type)
	}
	return nil
}

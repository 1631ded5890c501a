//go:build !linux

package memmod

import "debug/elf"

type Image struct{}

func Stage(data []byte, machine elf.Machine) (*Image, error) {
	if err := Validate(data, machine); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (img *Image) Path() string { return "" }

func (img *Image) Close() error { return nil }

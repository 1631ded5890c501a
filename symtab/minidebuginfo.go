package symtab

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

const MiniDebugInfoSection = ".gnu_debugdata"

type MiniDebugInfoOptions struct {
	// DictCap is handed to the xz reader as its dictionary capacity.
	DictCap int
	// MaxSize bounds the decompressed image.
	MaxSize int
}

var DefaultMiniDebugInfoOptions = MiniDebugInfoOptions{
	DictCap: 64 << 20,
	MaxSize: 256 << 20,
}

const growStep = 1 << 20

// ReadMiniDebugInfo returns the decompressed ELF image embedded in the
// .gnu_debugdata section of data.
func ReadMiniDebugInfo(data []byte, opt *MiniDebugInfoOptions) ([]byte, error) {
	if opt == nil {
		opt = &DefaultMiniDebugInfoOptions
	}
	f, err := open(data)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sec := f.Section(MiniDebugInfoSection)
	if sec == nil {
		return nil, errors.Wrap(ErrSectionNotFound, MiniDebugInfoSection)
	}
	compressed, err := sectionData(sec)
	if err != nil {
		return nil, err
	}
	return Decompress(compressed, opt)
}

// Decompress inflates a complete xz stream. Anything short of a clean end of
// stream is ErrDecompression and no partial output is returned.
func Decompress(compressed []byte, opt *MiniDebugInfoOptions) ([]byte, error) {
	if opt == nil {
		opt = &DefaultMiniDebugInfoOptions
	}
	cfg := xz.ReaderConfig{DictCap: opt.DictCap}
	r, err := cfg.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrapf(ErrDecompression, "%v", err)
	}

	out := make([]byte, 0, min(growStep, opt.MaxSize))
	for {
		if len(out) == cap(out) {
			if len(out) >= opt.MaxSize {
				// Only data beyond the limit is an error.
				var extra [1]byte
				_, err := io.ReadFull(r, extra[:])
				if err == io.EOF {
					return out, nil
				}
				if err != nil {
					return nil, errors.Wrapf(ErrDecompression, "%v", err)
				}
				return nil, errors.Wrapf(ErrDecompression, "output exceeds %d bytes", opt.MaxSize)
			}
			grown := make([]byte, len(out), min(cap(out)+growStep, opt.MaxSize))
			copy(grown, out)
			out = grown
		}
		n, err := r.Read(out[len(out):cap(out)])
		out = out[:len(out)+n]
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(ErrDecompression, "%v", err)
		}
	}
}

// MiniDebugInfoTable decodes the .symtab of the embedded image.
func MiniDebugInfoTable(data []byte, opt *MiniDebugInfoOptions) (*Table, error) {
	inner, err := ReadMiniDebugInfo(data, opt)
	if err != nil {
		return nil, err
	}
	return ReadTable(inner, elf.SHT_SYMTAB)
}

package symtab

import (
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"
)

// ReadBuildID returns the hex encoded GNU build id of the image.
func ReadBuildID(data []byte) (string, error) {
	f, err := open(data)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", ErrNoBuildIDSection
	}
	note, err := sectionData(sec)
	if err != nil {
		return "", err
	}
	if len(note) < 16 {
		return "", errors.Wrap(ErrElfParse, ".note.gnu.build-id is too small")
	}
	if !bytes.Equal([]byte("GNU"), note[12:15]) {
		return "", errors.Wrap(ErrElfParse, ".note.gnu.build-id is not a GNU build-id")
	}
	raw := note[16:]
	if len(raw) != 20 && len(raw) != 8 && len(raw) != 16 {
		return "", errors.Wrapf(ErrElfParse, ".note.gnu.build-id has wrong size %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

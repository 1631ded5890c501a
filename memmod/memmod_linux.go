//go:build linux

package memmod

import (
	"debug/elf"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Image is a library written to an anonymous file owned by this process.
// Other processes reach it through Path while the Image is open.
type Image struct {
	mu     sync.Mutex
	fd     int
	path   string
	closed bool
}

// Stage validates data for machine and writes it to an anonymous file.
func Stage(data []byte, machine elf.Machine) (*Image, error) {
	if err := Validate(data, machine); err != nil {
		return nil, err
	}

	fd, err := createAnonymousLibraryFD()
	if err != nil {
		return nil, errors.Wrap(err, "create anonymous shared object fd")
	}
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			_ = unix.Close(fd)
			return nil, errors.Wrap(err, "write anonymous shared object")
		}
		if n <= 0 {
			_ = unix.Close(fd)
			return nil, errors.Errorf("write anonymous shared object: short write (%d/%d)", written, len(data))
		}
		written += n
	}

	// The target resolves the path in its own /proc view, so it names our
	// pid rather than self.
	return &Image{
		fd:   fd,
		path: fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), fd),
	}, nil
}

func (img *Image) Path() string { return img.path }

// Close releases the anonymous file. A library already loaded by a target
// stays mapped there.
func (img *Image) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.closed {
		return nil
	}
	img.closed = true
	return unix.Close(img.fd)
}

func createAnonymousLibraryFD() (int, error) {
	fd, memfdErr := unix.MemfdCreate("injektor", unix.MFD_CLOEXEC)
	if memfdErr == nil {
		return fd, nil
	}

	// Prefer O_TMPFILE on tmpfs so there is never a directory entry.
	fd, err := unix.Open("/dev/shm", unix.O_RDWR|unix.O_CLOEXEC|unix.O_TMPFILE, 0o600)
	if err == nil {
		return fd, nil
	}

	// Fallback: create under /dev/shm then unlink immediately. The open fd
	// remains usable via /proc/<pid>/fd/<n> while avoiding persistent files.
	f, tmpErr := os.CreateTemp("/dev/shm", "injektor-memmod-*")
	if tmpErr != nil {
		return -1, multierror.Append(memfdErr, err, tmpErr)
	}
	name := f.Name()
	if rmErr := os.Remove(name); rmErr != nil {
		_ = f.Close()
		return -1, errors.Wrapf(rmErr, "unlink temp shared object %s", name)
	}
	dupFD, dupErr := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if closeErr := f.Close(); closeErr != nil && dupErr == nil {
		_ = unix.Close(dupFD)
		return -1, errors.Wrapf(closeErr, "close temp shared object file %s", name)
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "dup temp shared object fd")
	}
	return dupFD, nil
}

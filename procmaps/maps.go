// Package procmaps locates modules in a process's address space and
// translates function addresses between two processes that map the same
// module build.
package procmaps

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/samber/lo"
)

var (
	ErrModuleNotMapped        = errors.New("module not mapped")
	ErrTranslationUnavailable = errors.New("offset translation unavailable")
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Exec   bool
	Path   string
}

// Module is the canonical mapping chosen for a path substring.
type Module struct {
	Base uint64
	Path string
}

// Reader reads mapping tables from a procfs mount.
type Reader struct {
	fs   procfs.FS
	root string
	err  error
}

// NewReader opens the procfs mounted at mountPoint.
func NewReader(mountPoint string) (*Reader, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "open procfs %s", mountPoint)
	}
	return &Reader{fs: fs, root: mountPoint}, nil
}

var (
	defaultOnce   sync.Once
	defaultReader *Reader
)

// Default returns the reader for /proc.
func Default() *Reader {
	defaultOnce.Do(func() {
		r, err := NewReader(procfs.DefaultMountPoint)
		if err != nil {
			r = &Reader{root: procfs.DefaultMountPoint, err: err}
		}
		defaultReader = r
	})
	return defaultReader
}

// Mappings returns the live mapping list of pid. It is read fresh on every
// call because the layout may change between queries.
func (r *Reader) Mappings(pid int) ([]Mapping, error) {
	if r.err != nil {
		return nil, r.err
	}
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "open /proc/%d", pid)
	}
	raw, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "read /proc/%d/maps", pid)
	}
	mappings := make([]Mapping, 0, len(raw))
	for _, m := range raw {
		mappings = append(mappings, Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Exec:   m.Perms != nil && m.Perms.Execute,
			Path:   strings.TrimSuffix(m.Pathname, " (deleted)"),
		})
	}
	return mappings, nil
}

// FindModule returns the canonical mapping of the first module whose path
// contains needle.
func (r *Reader) FindModule(pid int, needle string) (Module, error) {
	mappings, err := r.Mappings(pid)
	if err != nil {
		return Module{}, errors.Wrapf(ErrModuleNotMapped, "%s in pid %d: %v", needle, pid, err)
	}
	m, ok := SelectModule(mappings, needle)
	if !ok {
		return Module{}, errors.Wrapf(ErrModuleNotMapped, "%s in pid %d", needle, pid)
	}
	return m, nil
}

// FindModuleBase returns the load base of the module matching needle.
func (r *Reader) FindModuleBase(pid int, needle string) (uint64, error) {
	m, err := r.FindModule(pid, needle)
	if err != nil {
		return 0, err
	}
	return m.Base, nil
}

// HostPath returns the path under which the file backing a mapping of pid
// can be opened from this process, honouring the target's mount namespace.
func (r *Reader) HostPath(pid int, path string) string {
	if pid == os.Getpid() {
		return path
	}
	return filepath.Join(r.root, strconv.Itoa(pid), "root", path)
}

// FindModuleBase reads /proc.
func FindModuleBase(pid int, needle string) (uint64, error) {
	return Default().FindModuleBase(pid, needle)
}

// SelectModuleBase picks the base of needle from an already read mapping
// list.
func SelectModuleBase(mappings []Mapping, needle string) (uint64, bool) {
	m, ok := SelectModule(mappings, needle)
	return m.Base, ok
}

// SelectModule prefers the first matching mapping at file offset zero and
// falls back to the lowest matching start address.
func SelectModule(mappings []Mapping, needle string) (Module, bool) {
	if needle == "" {
		return Module{}, false
	}
	matches := lo.Filter(mappings, func(m Mapping, _ int) bool {
		return m.Path != "" && strings.Contains(m.Path, needle)
	})
	if len(matches) == 0 {
		return Module{}, false
	}
	if m, ok := lo.Find(matches, func(m Mapping) bool { return m.Offset == 0 }); ok {
		return Module{Base: m.Start, Path: m.Path}, true
	}
	lowest := lo.MinBy(matches, func(a, b Mapping) bool { return a.Start < b.Start })
	return Module{Base: lowest.Start, Path: lowest.Path}, true
}

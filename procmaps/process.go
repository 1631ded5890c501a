package procmaps

import (
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

var ErrProcessNotFound = errors.New("process not found")

// FindProcess turns a target descriptor into a pid. A numeric descriptor
// is a pid and only has to exist. Anything else is matched as a substring
// of each command line, or of the command name for kernel threads and
// processes that cleared their argv; the lowest matching pid other than
// our own wins.
func (r *Reader) FindProcess(name string) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if name == "" {
		return 0, errors.Wrap(ErrProcessNotFound, "empty process name")
	}
	if pid, err := strconv.Atoi(name); err == nil {
		if pid <= 0 {
			return 0, errors.Wrapf(ErrProcessNotFound, "pid %d", pid)
		}
		if _, err := r.fs.Proc(pid); err != nil {
			return 0, errors.Wrapf(ErrProcessNotFound, "pid %d: %v", pid, err)
		}
		return pid, nil
	}
	procs, err := r.fs.AllProcs()
	if err != nil {
		return 0, errors.Wrap(err, "list processes")
	}
	slices.SortFunc(procs, func(a, b procfs.Proc) int { return a.PID - b.PID })
	self := os.Getpid()
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		if matchProcess(p, name) {
			return p.PID, nil
		}
	}
	return 0, errors.Wrapf(ErrProcessNotFound, "no process matches %q", name)
}

func matchProcess(p procfs.Proc, name string) bool {
	if cmd, err := p.CmdLine(); err == nil && len(cmd) > 0 {
		return strings.Contains(strings.Join(cmd, " "), name)
	}
	comm, err := p.Comm()
	return err == nil && strings.Contains(comm, name)
}

// FindProcess reads /proc.
func FindProcess(name string) (int, error) {
	return Default().FindProcess(name)
}

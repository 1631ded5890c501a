package procmaps

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/symtab"
)

var ErrBuildMismatch = errors.New("module build mismatch")

// Translate moves localAddr from a module loaded at localBase to the same
// module loaded at remoteBase.
func Translate(localBase, remoteBase, localAddr uint64) (uint64, error) {
	if localAddr < localBase {
		return 0, errors.Wrapf(ErrTranslationUnavailable, "address %#x below module base %#x", localAddr, localBase)
	}
	return remoteBase + (localAddr - localBase), nil
}

// RemoteAddress translates an address of module in this process into the
// address of the same function in pid. Both sides must map the same build
// of module for the result to be meaningful; see VerifyBuild.
func (r *Reader) RemoteAddress(pid int, module string, localAddr uint64) (uint64, error) {
	localBase, err := r.FindModuleBase(os.Getpid(), module)
	if err != nil {
		return 0, errors.Wrap(err, "local")
	}
	remoteBase, err := r.FindModuleBase(pid, module)
	if err != nil {
		return 0, errors.Wrap(err, "remote")
	}
	return Translate(localBase, remoteBase, localAddr)
}

// VerifyBuild compares the GNU build ids of the files backing module here
// and in pid. Files without a build id are tolerated.
func (r *Reader) VerifyBuild(logger log.Logger, pid int, module string) error {
	logger = logging.OrNop(logger)
	if _, err := r.FindModule(os.Getpid(), module); err != nil {
		return errors.Wrap(err, "local")
	}
	if _, err := r.FindModule(pid, module); err != nil {
		return errors.Wrap(err, "remote")
	}
	local := r.buildID(logger, os.Getpid(), module)
	remote := r.buildID(logger, pid, module)
	if local == "" || remote == "" {
		level.Debug(logger).Log("msg", "build id unavailable, skipping check", "module", module, "local", local, "remote", remote)
		return nil
	}
	if local != remote {
		return errors.Wrapf(ErrBuildMismatch, "%s: local %s remote %s", module, local, remote)
	}
	return nil
}

func (r *Reader) buildID(logger log.Logger, pid int, module string) string {
	m, err := r.FindModule(pid, module)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(r.HostPath(pid, m.Path))
	if err != nil {
		level.Debug(logger).Log("msg", "cannot read module file", "pid", pid, "path", m.Path, "err", err)
		return ""
	}
	id, err := symtab.ReadBuildID(data)
	if err != nil {
		level.Debug(logger).Log("msg", "no build id", "pid", pid, "path", m.Path, "err", err)
		return ""
	}
	return id
}

// RemoteAddress reads /proc.
func RemoteAddress(pid int, module string, localAddr uint64) (uint64, error) {
	return Default().RemoteAddress(pid, module, localAddr)
}

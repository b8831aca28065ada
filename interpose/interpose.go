// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux || darwin || freebsd || netbsd || openbsd

// Package interpose holds the replacements installed over the file and
// process primitives of a guest. Each one rewrites its path argument into
// the virtual tree before calling the real primitive.
package interpose

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoLauncher means no ProcessLauncher was configured
	ErrNoLauncher = errors.New("no process launcher")
	// ErrForkUnsupported means the launcher cannot fork
	ErrForkUnsupported = errors.New("fork not supported by launcher")
)

// PathRedirector rewrites guest paths.
type PathRedirector interface {
	RedirectPath(path string) string
}

// ProcessLauncher starts programs inside the virtual environment. Namespace
// and identity setup of the child is its business.
type ProcessLauncher interface {
	Launch(path string, argv, envp []string) (pid int, err error)
}

// Forker is implemented by launchers that can duplicate the guest.
type Forker interface {
	Fork() (pid int, err error)
}

// Interceptor implements the intercepted primitives.
type Interceptor struct {
	logger   *zap.Logger
	paths    PathRedirector
	launcher ProcessLauncher
}

// New returns an Interceptor. launcher may be nil when process creation is
// not intercepted.
func New(paths PathRedirector, launcher ProcessLauncher, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{logger: logger, paths: paths, launcher: launcher}
}

func (i *Interceptor) redirect(op, path string) string {
	out := i.paths.RedirectPath(path)
	if out != path {
		i.logger.Debug("intercepted", zap.String("op", op), zap.String("path", path), zap.String("redirected", out))
	}
	return out
}

// Open is open(2) on the redirected path.
func (i *Interceptor) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(i.redirect("open", path), flags, mode)
}

// Access is access(2) on the redirected path.
func (i *Interceptor) Access(path string, mode uint32) error {
	return unix.Access(i.redirect("access", path), mode)
}

// Stat is stat(2) on the redirected path.
func (i *Interceptor) Stat(path string, st *unix.Stat_t) error {
	return unix.Stat(i.redirect("stat", path), st)
}

// Lstat is lstat(2) on the redirected path.
func (i *Interceptor) Lstat(path string, st *unix.Stat_t) error {
	return unix.Lstat(i.redirect("lstat", path), st)
}

// Execve starts the redirected program through the launcher and returns
// the child's pid.
func (i *Interceptor) Execve(path string, argv, envp []string) (int, error) {
	if i.launcher == nil {
		i.logger.Error("execve without a launcher", zap.String("path", path))
		return -1, ErrNoLauncher
	}
	target := i.redirect("execve", path)
	pid, err := i.launcher.Launch(target, argv, envp)
	if err != nil {
		i.logger.Error("launch failed", zap.String("path", target), zap.Error(err))
		return -1, err
	}
	return pid, nil
}

// Fork duplicates the guest through the launcher.
func (i *Interceptor) Fork() (int, error) {
	f, ok := i.launcher.(Forker)
	if !ok {
		i.logger.Error("fork without a forking launcher")
		return -1, ErrForkUnsupported
	}
	return f.Fork()
}

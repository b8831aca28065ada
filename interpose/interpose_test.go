// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux || darwin || freebsd || netbsd || openbsd

package interpose

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/k2io/vhook/redirect"
)

type launch struct {
	path       string
	argv, envp []string
}

type fakeLauncher struct {
	launches []launch
	err      error
}

func (l *fakeLauncher) Launch(path string, argv, envp []string) (int, error) {
	l.launches = append(l.launches, launch{path, argv, envp})
	if l.err != nil {
		return 0, l.err
	}
	return 4242, nil
}

type forkingLauncher struct{ fakeLauncher }

func (*forkingLauncher) Fork() (int, error) { return 4343, nil }

func setup(t *testing.T, launcher ProcessLauncher) (*Interceptor, *redirect.Redirector) {
	t.Helper()
	paths := redirect.New(zaptest.NewLogger(t))
	paths.Configure(t.TempDir(), "com.example")
	require.NoError(t, paths.EnsureLayout(0o755))
	return New(paths, launcher, zaptest.NewLogger(t)), paths
}

func TestOpenRedirects(t *testing.T) {
	intr, paths := setup(t, nil)

	fd, err := intr.Open("/data/data/com.example/prefs.xml", unix.O_CREAT|unix.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = unix.Write(fd, []byte("<map/>"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	data, err := os.ReadFile(filepath.Join(paths.DataDir(), "prefs.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<map/>", string(data))
}

func TestStatAndAccessRedirect(t *testing.T) {
	intr, paths := setup(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(paths.ExternalDir(), "save.dat"), []byte("1234"), 0o600))

	var st unix.Stat_t
	require.NoError(t, intr.Stat("/sdcard/Android/data/com.example/save.dat", &st))
	assert.EqualValues(t, 4, st.Size)
	require.NoError(t, intr.Lstat("/storage/emulated/0/Android/data/com.example/save.dat", &st))
	assert.EqualValues(t, 4, st.Size)

	assert.NoError(t, intr.Access("/sdcard/Android/data/com.example/save.dat", unix.R_OK))
	assert.ErrorIs(t, intr.Access("/sdcard/Android/data/com.example/missing", unix.F_OK), unix.ENOENT)
}

func TestUnredirectedPathsPassThrough(t *testing.T) {
	intr, _ := setup(t, nil)
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	var st unix.Stat_t
	assert.NoError(t, intr.Stat(file, &st))
	assert.NoError(t, intr.Access(file, unix.F_OK))
}

func TestExecveUsesLauncher(t *testing.T) {
	launcher := &fakeLauncher{}
	intr, paths := setup(t, launcher)

	pid, err := intr.Execve("/data/data/com.example/bin/tool", []string{"tool", "-v"}, []string{"HOME=/"})
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	require.Len(t, launcher.launches, 1)
	assert.Equal(t, launch{
		path: filepath.Join(paths.DataDir(), "bin", "tool"),
		argv: []string{"tool", "-v"},
		envp: []string{"HOME=/"},
	}, launcher.launches[0])

	_, err = intr.Execve("/system/bin/sh", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/system/bin/sh", launcher.launches[1].path)
}

func TestExecveFailures(t *testing.T) {
	intr, _ := setup(t, nil)
	_, err := intr.Execve("/system/bin/sh", nil, nil)
	assert.ErrorIs(t, err, ErrNoLauncher)

	boom := errors.New("namespace setup failed")
	intr, _ = setup(t, &fakeLauncher{err: boom})
	pid, err := intr.Execve("/system/bin/sh", nil, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, -1, pid)
}

func TestFork(t *testing.T) {
	intr, _ := setup(t, &fakeLauncher{})
	_, err := intr.Fork()
	assert.ErrorIs(t, err, ErrForkUnsupported)

	intr, _ = setup(t, nil)
	_, err = intr.Fork()
	assert.ErrorIs(t, err, ErrForkUnsupported)

	intr, _ = setup(t, &forkingLauncher{})
	pid, err := intr.Fork()
	require.NoError(t, err)
	assert.Equal(t, 4343, pid)
}

// Copyright (C) 2022 K2 Cyber Security Inc.

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/k2io/vhook"
	"github.com/k2io/vhook/config"
	"github.com/k2io/vhook/internal/elftest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := Root(zaptest.NewLogger(t))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeArm64Library(t *testing.T) string {
	t.Helper()
	return elftest.WriteLibrary(t, t.TempDir(), "libtest.so")
}

func TestInspectFunction(t *testing.T) {
	lib := writeArm64Library(t)

	report, err := InspectFunction(lib, "hookable", "")
	require.NoError(t, err)
	assert.True(t, report.Hookable)
	assert.Equal(t, "arm64", report.Arch)
	assert.Equal(t, "0x10100", report.Addr)
	assert.Equal(t, 16, report.PatchLength)
	require.Len(t, report.Instructions, 4)
	assert.Equal(t, "a9bf7bfd", report.Instructions[0].Word)

	report, err = InspectFunction(lib, "uses_adrp", "")
	require.NoError(t, err)
	assert.False(t, report.Hookable)
	assert.Contains(t, report.Reason, "relative address")
	assert.True(t, report.Instructions[1].Relative)

	report, err = InspectFunction(lib, "leaf", "")
	require.NoError(t, err)
	assert.False(t, report.Hookable)
	assert.Contains(t, report.Reason, "shorter than patch window")

	_, err = InspectFunction(lib, "missing", "")
	assert.Error(t, err)
	_, err = InspectFunction(lib, "hookable", "mips")
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	lib := writeArm64Library(t)

	out, err := run(t, "inspect", lib, "hookable", "-o", "yaml")
	require.NoError(t, err)
	var report Report
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.True(t, report.Hookable)
	assert.Equal(t, "hookable", report.Symbol)

	out, err = run(t, "inspect", lib, "uses_adrp")
	require.NoError(t, err)
	assert.Contains(t, out, "not hookable")

	_, err = run(t, "inspect", lib, "hookable", "-o", "xml")
	assert.Error(t, err)
}

func TestSymbolsCommand(t *testing.T) {
	lib := writeArm64Library(t)

	out, err := run(t, "symbols", lib)
	require.NoError(t, err)
	assert.Contains(t, out, "hookable")
	assert.Contains(t, out, "uses_adrp")
	assert.Contains(t, out, "0x10140")

	out, err = run(t, "symbols", lib, "--filter", "adrp")
	require.NoError(t, err)
	assert.Contains(t, out, "uses_adrp")
	assert.NotContains(t, out, "hookable")
}

func TestSymbolCommandMissingLibrary(t *testing.T) {
	_, err := run(t, "symbol", "libvhook-does-not-exist.so", "open")
	assert.Error(t, err)
}

func TestSymbolCommandUsesConfiguredHooks(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vhook.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`hooks:
  - library: libvhook-does-not-exist.so
    symbol: open
  - library: libvhook-does-not-exist.so
    symbol: stat
`), 0o600))

	out, err := run(t, "symbol", "--config", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2 symbols not resolved")
	assert.Contains(t, out, "libvhook-does-not-exist.so")
	assert.Contains(t, out, "stat")

	_, err = run(t, "symbol", "libc.so")
	assert.Error(t, err)
}

func TestResolveSymbolsOfMappedLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := elftest.WriteLibrary(t, dir, "libgame.so")
	resolver := vhook.MappedResolver{MapsPath: elftest.WriteMaps(t, dir, lib, 0x4000_0000)}

	var out bytes.Buffer
	err := resolveSymbols(&out, resolver, []config.HookSpec{
		{Library: "libgame.so", Symbol: "hookable"},
		{Library: "libgame.so", Symbol: "leaf"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "0x40000100")
	assert.Contains(t, out.String(), "0x40000140")

	out.Reset()
	err = resolveSymbols(&out, resolver, []config.HookSpec{
		{Library: "libgame.so", Symbol: "hookable"},
		{Library: "libgame.so", Symbol: "missing"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestRedirectCommand(t *testing.T) {
	out, err := run(t, "redirect", "--virtualRoot", "/sandbox", "--packageName", "com.example",
		"/data/data/com.example/files/x", "/system/lib/libc.so")
	require.NoError(t, err)
	assert.Contains(t, out, "/sandbox/user_0/com.example/data/files/x")
	assert.Contains(t, out, "/system/lib/libc.so")
}

func TestLayoutCommands(t *testing.T) {
	root := t.TempDir()
	_, err := run(t, "layout", "create", "--virtualRoot", root, "--packageName", "com.example", "--userId", "3")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, "user_3", "com.example", "cache"))
	assert.DirExists(t, filepath.Join(root, "sdcard", "Android", "obb", "com.example"))

	_, err = run(t, "layout", "clean", "--virtualRoot", root, "--packageName", "com.example", "--userId", "3")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, "user_3", "com.example"))

	_, err = run(t, "layout", "create", "--virtualRoot", root)
	assert.Error(t, err)
}

func TestConfigGenerate(t *testing.T) {
	out, err := run(t, "config", "generate", "--virtualRoot", "/sandbox", "--packageName", "com.example")
	require.NoError(t, err)
	assert.Contains(t, out, "virtualRoot: /sandbox")
	assert.Contains(t, out, "packageName: com.example")

	file := filepath.Join(t.TempDir(), "vhook.yaml")
	_, err = run(t, "config", "generate", "--out", file)
	require.NoError(t, err)
	assert.FileExists(t, file)

	_, err = run(t, "config", "generate", "--out", file)
	assert.Error(t, err)
	_, err = run(t, "config", "generate", "--out", file, "--force", "--userId", "4")
	require.NoError(t, err)

	// the written file drives later commands
	out, err = run(t, "config", "generate", "--config", file)
	require.NoError(t, err)
	assert.Contains(t, out, "userId: 4")
}

func TestInvalidConfigFails(t *testing.T) {
	_, err := run(t, "redirect", "--virtualRoot", "relative", "/data/data/x")
	assert.Error(t, err)
}

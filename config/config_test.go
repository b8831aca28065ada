// Copyright (C) 2022 K2 Cyber Security Inc.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `virtualRoot: /sandbox
packageName: com.example
userId: 10
extraPrefixes:
  - /sdcard/Download/
hooks:
  - library: libc.so
    symbol: openat
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vhook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		VirtualRoot:   "/sandbox",
		PackageName:   "com.example",
		UserID:        10,
		ExtraPrefixes: []string{"/sdcard/Download/"},
		Hooks:         []HookSpec{{Library: "libc.so", Symbol: "openat"}},
	}, cfg)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.VirtualRoot)
	assert.Zero(t, cfg.UserID)
	assert.Equal(t, Default().Hooks, cfg.Hooks)
}

func TestLoadFindsWorkingDirectoryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName+".yaml"), []byte(sampleConfig), 0o600))
	t.Chdir(dir)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "com.example", cfg.PackageName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("VHOOK_PACKAGENAME", "com.env")
	t.Setenv("VHOOK_USERID", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("virtualRoot", "", "")
	flags.String("packageName", "", "")
	flags.Bool("debug", false, "")
	require.NoError(t, flags.Parse([]string{"--virtualRoot", "/flagroot", "--debug"}))

	cfg, err := Load(writeConfig(t, sampleConfig), flags)
	require.NoError(t, err)
	// flags beat the environment, which beats the file
	assert.Equal(t, "/flagroot", cfg.VirtualRoot)
	assert.Equal(t, "com.env", cfg.PackageName)
	assert.Equal(t, 7, cfg.UserID)
	assert.True(t, cfg.Debug)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", *Default(), true},
		{"relative root", Config{VirtualRoot: "sandbox"}, false},
		{"package with slash", Config{PackageName: "com/example"}, false},
		{"negative user", Config{UserID: -1}, false},
		{"relative prefix", Config{ExtraPrefixes: []string{"sdcard/"}}, false},
		{"hook without symbol", Config{Hooks: []HookSpec{{Library: "libc.so"}}}, false},
		{"complete", Config{VirtualRoot: "/sandbox", PackageName: "com.example", UserID: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "virtualRoot: relative/root\n"), nil)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	cfg := Default()
	cfg.VirtualRoot = "/sandbox"
	cfg.PackageName = "com.example"

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, cfg))
	assert.Contains(t, buf.String(), "# vhook configuration\n")
	assert.Contains(t, buf.String(), "virtualRoot: /sandbox\n")

	var back Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, *cfg, back)

	// a generated file loads back to the same configuration
	path := writeConfig(t, buf.String())
	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.VirtualRoot, loaded.VirtualRoot)
	assert.Equal(t, cfg.PackageName, loaded.PackageName)
	assert.Equal(t, cfg.Hooks, loaded.Hooks)
	assert.Empty(t, loaded.ExtraPrefixes)
}

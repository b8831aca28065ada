// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `5d0a3c400000-5d0a3c428000 r--p 00000000 fd:01 1837  /usr/bin/cat
5d0a3c428000-5d0a3c42c000 r-xp 00004000 fd:01 1837  /usr/bin/cat
7f3e2a000000-7f3e2a028000 r--p 00000000 fd:01 2210  /usr/lib/x86_64-linux-gnu/libc.so.6
7f3e2a028000-7f3e2a1bd000 r-xp 00028000 fd:01 2210  /usr/lib/x86_64-linux-gnu/libc.so.6
7f3e2a400000-7f3e2a402000 r--p 00000000 fd:01 2300  /usr/lib/x86_64-linux-gnu/libcap.so.2.66
7f3e2b000000-7f3e2b001000 r--p 00000000 fd:01 2400  /data/app/My App/lib/arm64/libgame.so
7ffd1c9e0000-7ffd1ca01000 rw-p 00000000 00:00 0     [stack]
7ffd1cbd0000-7ffd1cbd2000 r-xp 00000000 00:00 0
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 8)

	assert.Equal(t, Mapping{
		Start:  0x7f3e2a028000,
		End:    0x7f3e2a1bd000,
		Perms:  "r-xp",
		Offset: 0x28000,
		Path:   "/usr/lib/x86_64-linux-gnu/libc.so.6",
	}, maps[3])
	assert.Equal(t, "/data/app/My App/lib/arm64/libgame.so", maps[5].Path)
	assert.Equal(t, "[stack]", maps[6].Path)
	assert.Empty(t, maps[7].Path)
}

func TestParseMapsRejectsGarbage(t *testing.T) {
	_, err := ParseMaps(strings.NewReader("zz-10 r--p 00000000 fd:01 1 /x\n"))
	assert.Error(t, err)
	_, err = ParseMaps(strings.NewReader("1000 r--p 00000000 fd:01 1 /x\n"))
	assert.Error(t, err)
}

func TestMatchMapping(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	tests := []struct {
		library string
		start   uintptr
		ok      bool
	}{
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", 0x7f3e2a000000, true},
		{"libc.so.6", 0x7f3e2a000000, true},
		// soname without version suffix
		{"libc.so", 0x7f3e2a000000, true},
		{"libcap.so", 0x7f3e2a400000, true},
		{"libgame.so", 0x7f3e2b000000, true},
		{"cat", 0x5d0a3c400000, true},
		{"libm.so", 0, false},
		{"[stack]", 0x7ffd1c9e0000, true},
		{"lib", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.library, func(t *testing.T) {
			m, ok := matchMapping(maps, tt.library)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.start, m.Start)
			}
		})
	}
}

func TestMatchMappingPrefersExactName(t *testing.T) {
	maps := []Mapping{
		{Start: 0x1000, Path: "/lib/libc.so.6"},
		{Start: 0x2000, Path: "/vendor/lib/libc.so"},
	}
	m, ok := matchMapping(maps, "libc.so")
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), m.Start)
}

func TestFindImageNotMapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps")
	require.NoError(t, os.WriteFile(path, []byte(sampleMaps), 0o600))

	_, err := FindImage(path, "libnothere.so")
	assert.ErrorIs(t, err, ErrNotMapped)

	_, err = FindImage(filepath.Join(t.TempDir(), "missing"), "libc.so")
	assert.Error(t, err)
}

func TestOpenRejectsNonObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an object file"), 0o600))
	_, err := Open(path)
	assert.Error(t, err)
}

// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SelfMaps is the memory map of the calling process.
const SelfMaps = "/proc/self/maps"

// ErrNotMapped means no mapping backs the requested library.
var ErrNotMapped = errors.New("library not mapped")

// Mapping is one line of a maps file.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uint64
	Path   string
}

// ParseMaps reads a /proc/<pid>/maps formatted stream.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, fmt.Errorf("bad address range %q", fields[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad start %q: %w", lo, err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad end %q: %w", hi, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad offset %q: %w", fields[2], err)
		}
		m := Mapping{Start: uintptr(start), End: uintptr(end), Perms: fields[1], Offset: offset}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// Image is a library mapped into a process.
type Image struct {
	Path string
	// Base is where the first loaded segment is mapped.
	Base uintptr
	obj  *Object
}

// FindImage locates library in the maps file at mapsPath. library is
// either the mapped path or its file name; "libc.so" also matches
// "libc.so.6".
func FindImage(mapsPath, library string) (*Image, error) {
	f, err := os.Open(mapsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	maps, err := ParseMaps(f)
	if err != nil {
		return nil, err
	}
	m, ok := matchMapping(maps, library)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMapped, library)
	}
	obj, err := Open(m.Path)
	if err != nil {
		return nil, err
	}
	return &Image{Path: m.Path, Base: m.Start, obj: obj}, nil
}

func matchMapping(maps []Mapping, library string) (Mapping, bool) {
	var best Mapping
	rank := 0
	for _, m := range maps {
		if m.Offset != 0 || m.Path == "" {
			continue
		}
		r := 0
		base := filepath.Base(m.Path)
		switch {
		case m.Path == library:
			r = 3
		case base == library:
			r = 2
		case strings.HasPrefix(base, library+"."):
			r = 1
		}
		if r > rank || (r == rank && r > 0 && m.Start < best.Start) {
			best, rank = m, r
		}
	}
	return best, rank > 0
}

// Lookup returns the run time address of symbol.
func (img *Image) Lookup(symbol string) (uintptr, error) {
	v, err := img.obj.Value(symbol)
	if err != nil {
		return 0, err
	}
	return img.Base - img.obj.LinkBase() + v, nil
}

// Symbols returns the defined symbols of the image by link time address.
func (img *Image) Symbols() map[string]uintptr {
	return img.obj.Symbols()
}

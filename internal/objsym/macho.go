// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	if f.macho.Symtab == nil {
		return off, nil
	}
	for _, s := range f.macho.Symtab.Syms {
		if s.Value == 0 {
			continue
		}
		off[s.Name] = uintptr(s.Value)
	}
	return off, nil
}

func (f *machoFile) LinkBase() uintptr {
	if seg := f.macho.Segment("__TEXT"); seg != nil {
		return uintptr(seg.Addr)
	}
	return 0
}

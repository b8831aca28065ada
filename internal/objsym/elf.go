// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

// Symbols merges the dynamic and the static symbol tables. Stripped
// libraries only carry the dynamic one.
func (e *elfFile) Symbols() (map[string]uintptr, error) {
	dyn, derr := e.elf.DynamicSymbols()
	if derr != nil && !errors.Is(derr, elf.ErrNoSymbols) {
		return nil, derr
	}
	static, serr := e.elf.Symbols()
	if serr != nil && !errors.Is(serr, elf.ErrNoSymbols) {
		return nil, serr
	}
	off := make(map[string]uintptr, len(dyn)+len(static))
	addElfSymbols(off, static)
	addElfSymbols(off, dyn)
	return off, nil
}

func addElfSymbols(off map[string]uintptr, stab []elf.Symbol) {
	for _, k := range stab {
		if k.Section == elf.SHN_UNDEF || k.Value == 0 || k.Name == "" {
			continue
		}
		switch elf.ST_TYPE(k.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_GNU_IFUNC, elf.STT_NOTYPE:
			off[k.Name] = uintptr(k.Value)
		}
	}
}

func (e *elfFile) LinkBase() uintptr {
	base := ^uint64(0)
	for _, p := range e.elf.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < base {
			base = p.Vaddr
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return uintptr(base)
}

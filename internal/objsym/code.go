// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"debug/elf"
	"fmt"
)

// Code is the start of a function as stored in an ELF file.
type Code struct {
	Symbol string
	// Addr is the link time address of the first byte.
	Addr uintptr
	// Arch is the GOARCH name of the file's machine, empty when unknown.
	Arch  string
	Bytes []byte
}

var elfMachines = map[elf.Machine]string{
	elf.EM_AARCH64: "arm64",
	elf.EM_ARM:     "arm",
	elf.EM_X86_64:  "amd64",
	elf.EM_386:     "386",
}

// ReadCode reads the first n bytes of symbol from the executable segments
// of the ELF file at name. It works on libraries of any architecture, so a
// device library can be examined on a workstation.
func ReadCode(name, symbol string, n int) (*Code, error) {
	f, err := elf.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := (&elfFile{f}).Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbols of %s: %w", name, err)
	}
	addr, ok := syms[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoSymbol, symbol, name)
	}
	code := &Code{Symbol: symbol, Addr: addr, Arch: elfMachines[f.Machine]}

	// thumb symbols carry the mode in bit 0
	start := uint64(addr)
	if f.Machine == elf.EM_ARM {
		start &^= 1
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		if start < p.Vaddr || start >= p.Vaddr+p.Filesz {
			continue
		}
		size := uint64(n)
		if left := p.Vaddr + p.Filesz - start; left < size {
			size = left
		}
		code.Bytes = make([]byte, size)
		if _, err := p.ReadAt(code.Bytes, int64(start-p.Vaddr)); err != nil {
			return nil, fmt.Errorf("read %s at %#x: %w", symbol, start, err)
		}
		return code, nil
	}
	return nil, fmt.Errorf("%s at %#x is not in an executable segment", symbol, addr)
}

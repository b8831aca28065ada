// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"fmt"

	"github.com/k2io/vhook/internal/objsym"
)

// Resolver finds exported symbols of shared libraries.
type Resolver interface {
	// Resolve loads library when needed and returns the address of symbol.
	Resolve(library, symbol string) (uintptr, error)
}

// SymbolError reports a failed lookup with the loader diagnostic.
type SymbolError struct {
	Library string
	Symbol  string
	// Diag is the loader's message
	Diag string
}

func (e *SymbolError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("load %s: %s", e.Library, e.Diag)
	}
	return fmt.Sprintf("symbol %s in %s: %s", e.Symbol, e.Library, e.Diag)
}

func (e *SymbolError) Unwrap() error {
	return ErrSymbolNotFound
}

// MappedResolver resolves symbols of libraries already mapped into the
// process by reading their ELF symbol tables. It cannot load libraries.
type MappedResolver struct {
	// MapsPath is the memory map to search, /proc/self/maps when empty.
	MapsPath string
}

func (r MappedResolver) Resolve(library, symbol string) (uintptr, error) {
	mapsPath := r.MapsPath
	if mapsPath == "" {
		mapsPath = objsym.SelfMaps
	}
	img, err := objsym.FindImage(mapsPath, library)
	if err != nil {
		return 0, &SymbolError{Library: library, Diag: err.Error()}
	}
	addr, err := img.Lookup(symbol)
	if err != nil {
		return 0, &SymbolError{Library: library, Symbol: symbol, Diag: err.Error()}
	}
	return addr, nil
}

// Copyright (C) 2022 K2 Cyber Security Inc.

// Package objsym reads symbol tables of object files and locates the
// images mapped into a process.
package objsym

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoSymbol means the object file does not define the symbol.
var ErrNoSymbol = errors.New("no such symbol")

type rawFile interface {
	// Symbols maps defined symbol names to their link time addresses.
	Symbols() (map[string]uintptr, error)
	// LinkBase is the lowest link time address of the loaded segments.
	LinkBase() uintptr
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
}

// Object is an opened object file.
type Object struct {
	raw     rawFile
	symbols map[string]uintptr
}

// Open parses the object file at name.
func Open(name string) (*Object, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		syms, err := raw.Symbols()
		if err != nil {
			return nil, fmt.Errorf("read symbols of %s: %w", name, err)
		}
		return &Object{raw: raw, symbols: syms}, nil
	}
	return nil, fmt.Errorf("open %s: unrecognized object file", name)
}

// ReadSymbols returns the defined symbols of the object file at name.
func ReadSymbols(name string) (map[string]uintptr, error) {
	obj, err := Open(name)
	if err != nil {
		return nil, err
	}
	return obj.Symbols(), nil
}

// Symbols returns the defined symbols by link time address.
func (o *Object) Symbols() map[string]uintptr {
	return o.symbols
}

// LinkBase is the lowest link time address of the loaded segments.
func (o *Object) LinkBase() uintptr {
	return o.raw.LinkBase()
}

// Value returns the link time address of symbol.
func (o *Object) Value(symbol string) (uintptr, error) {
	v, ok := o.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSymbol, symbol)
	}
	return v, nil
}

// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrEngineNotReady means Initialize has not been called
	ErrEngineNotReady = errors.New("hook engine not initialized")
	// ErrInvalidArgument means a null address or an empty name
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSymbolNotFound means the library could not be loaded or lacks the symbol
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrAlreadyHooked means already hooked
	ErrAlreadyHooked = errors.New("double hook")
	// ErrNotHooked means the hook not found
	ErrNotHooked = errors.New("hook not found")
	// ErrAllocation means the trampoline buffer could not be mapped
	ErrAllocation = errors.New("trampoline allocation failed")
	// ErrProtection means a page protection change failed
	ErrProtection = errors.New("memory protection change failed")
	// ErrRelativeAddr means a position dependent instruction in the patch window
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrFunctionTooShort means the function returns inside the patch window
	ErrFunctionTooShort = errors.New("function shorter than patch window")
	// ErrUnsupportedArch means no strategy exists for the CPU
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrUnsupportedMode means an instruction set mode the strategy cannot patch
	ErrUnsupportedMode = errors.New("unsupported instruction set mode")
)

// Record describes one active interception.
type Record struct {
	// Target is the first patched instruction
	Target uintptr
	// Replacement receives control from the patched code
	Replacement uintptr
	// Trampoline calls the original function
	Trampoline uintptr
	// PatchLength is the number of bytes overwritten at Target
	PatchLength int
	// OriginalBytes is what stood at Target before patching
	OriginalBytes []byte
}

type hook struct {
	record Record
	// the patch written over the target
	patch []byte
	// owns the moved and jump back instructions
	jumper *Trampoline
}

// snapshot returns a copy safe to hand out of the table.
func (h *hook) snapshot() Record {
	r := h.record
	r.OriginalBytes = append([]byte(nil), h.record.OriginalBytes...)
	return r
}

// table maps target addresses to applied hooks.
type table struct {
	mu    sync.RWMutex
	hooks map[uintptr]*hook
}

func newTable() *table {
	return &table{hooks: make(map[uintptr]*hook)}
}

func (t *table) get(target uintptr) (*hook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hooks[target]
	return h, ok
}

func (t *table) insert(h *hook) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hooks[h.record.Target]; ok {
		return ErrAlreadyHooked
	}
	t.hooks[h.record.Target] = h
	return nil
}

func (t *table) remove(target uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hooks, target)
}

func (t *table) targets() []uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uintptr, 0, len(t.hooks))
	for addr := range t.hooks {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

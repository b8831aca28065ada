// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"errors"
	"fmt"
	"sync"
)

// trampolineSlack is the room left after the copied instructions for the
// jump back sequence.
const trampolineSlack = 32

var errTrampolineFreed = errors.New("trampoline already released")

// Trampoline is an executable buffer holding the moved instructions of a
// hooked function followed by a jump back into it. It is owned by exactly
// one hook and released once, when that hook is removed.
type Trampoline struct {
	mem  Memory
	addr uintptr
	size int

	once sync.Once
}

// Addr is the entry point calling the original function.
func (t *Trampoline) Addr() uintptr {
	return t.addr
}

// Size is the usable length of the buffer.
func (t *Trampoline) Size() int {
	return t.size
}

func (t *Trampoline) release() error {
	err := errTrampolineFreed
	t.once.Do(func() {
		err = t.mem.Unmap(t.addr, t.size)
	})
	return err
}

// buildTrampoline lays out the trampoline code: the saved bytes verbatim,
// then the return sequence targeting target+len(original).
func buildTrampoline(arch Arch, target uintptr, original []byte) ([]byte, error) {
	ret := arch.BuildReturnSequence(target + uintptr(len(original)))
	if len(ret) > trampolineSlack {
		return nil, fmt.Errorf("return sequence of %d bytes exceeds %d", len(ret), trampolineSlack)
	}
	code := make([]byte, 0, len(original)+trampolineSlack)
	code = append(code, original...)
	code = append(code, ret...)
	return code, nil
}

// allocTrampoline maps an executable buffer of len(original)+32 bytes for
// a hook at target.
func allocTrampoline(mem Memory, arch Arch, target uintptr, original []byte) (*Trampoline, error) {
	code, err := buildTrampoline(arch, target, original)
	if err != nil {
		return nil, err
	}
	size := len(original) + trampolineSlack
	addr, err := mem.MapExec(code, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	return &Trampoline{mem: mem, addr: addr, size: size}, nil
}

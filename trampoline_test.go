// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// longTail is an A64 whose jump back does not fit the trampoline slack.
type longTail struct{ A64 }

func (longTail) BuildReturnSequence(to uintptr) []byte {
	return make([]byte, trampolineSlack+4)
}

func TestBuildTrampoline(t *testing.T) {
	original := a64Words(a64StpFrame, a64MovFP, a64SubSP, a64AddX0X1)
	code, err := buildTrampoline(A64{}, 0x10000, original)
	require.NoError(t, err)
	require.Len(t, code, 32)
	assert.Equal(t, original, code[:16])
	assert.Equal(t, A64{}.EncodeFarJump(0x10010), code[16:])

	_, err = buildTrampoline(longTail{}, 0x10000, original)
	assert.Error(t, err)
}

func TestTrampolineReleaseOnce(t *testing.T) {
	mem := newFakeMemory(fakeBase, a64Prologue)
	tr, err := allocTrampoline(mem, A64{}, fakeBase, a64Prologue[:16])
	require.NoError(t, err)
	assert.Equal(t, 48, tr.Size())
	assert.Equal(t, 1, mem.mapped())

	require.NoError(t, tr.release())
	assert.ErrorIs(t, tr.release(), errTrampolineFreed)
	assert.Equal(t, 1, mem.unmaps)
}

func TestAllocTrampolineFailure(t *testing.T) {
	mem := newFakeMemory(fakeBase, a64Prologue)
	mem.failMap = true
	_, err := allocTrampoline(mem, A64{}, fakeBase, a64Prologue[:16])
	assert.ErrorIs(t, err, ErrAllocation)
}

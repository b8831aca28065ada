// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux && arm64 && cgo

package vhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/k2io/vhook/internal/nativecall"
)

func TestHookExecutes(t *testing.T) {
	const replacementOff = 0x100
	code := make([]byte, replacementOff+8)
	// target: x0 + x1, padded so the window ends before the return
	copy(code, a64Words(a64AddX0X1, a64Nop, a64Nop, a64Nop, a64Ret))
	// replacement: x0 - x1
	copy(code[replacementOff:], a64Words(0xcb010000, a64Ret))

	page := codePage(t, code)
	target, replacement := page, page+replacementOff
	require.Equal(t, uintptr(8), nativecall.Call2(target, 5, 3))

	e := NewEngine(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, e.Initialize())

	trampoline, err := e.HookFunction(target, replacement)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2), nativecall.Call2(target, 5, 3), "target runs the replacement")
	assert.Equal(t, uintptr(8), nativecall.Call2(trampoline, 5, 3), "trampoline runs the original")

	require.NoError(t, e.UnhookFunction(target))
	assert.Equal(t, uintptr(8), nativecall.Call2(target, 5, 3))
}

func TestHookExecutesAcrossPages(t *testing.T) {
	target := codePage(t, a64Words(a64AddX0X1, a64Nop, a64Nop, a64Nop, a64Ret))
	replacement := codePage(t, a64Words(0xcb010000, a64Ret))

	e := NewEngine(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, e.Initialize())

	trampoline, err := e.HookFunction(target, replacement)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2), nativecall.Call2(target, 7, 5))
	assert.Equal(t, uintptr(12), nativecall.Call2(trampoline, 7, 5))
	require.NoError(t, e.UnhookFunction(target))
}

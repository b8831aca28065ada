// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build cgo

// Package nativecall calls machine code at an arbitrary address with the
// C calling convention. It is test support for executing hooked code;
// nothing outside _test.go files imports it. It lives in a regular package
// because _test.go files cannot use cgo.
package nativecall

/*
#include <stdint.h>

typedef uintptr_t (*vhook_fn2)(uintptr_t, uintptr_t);

static uintptr_t vhook_call2(uintptr_t fn, uintptr_t a, uintptr_t b) {
	return ((vhook_fn2)fn)(a, b);
}
*/
import "C"

// Call2 calls the function at fn with two word arguments and returns its
// result.
func Call2(fn, a, b uintptr) uintptr {
	return uintptr(C.vhook_call2(C.uintptr_t(fn), C.uintptr_t(a), C.uintptr_t(b)))
}

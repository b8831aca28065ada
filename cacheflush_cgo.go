// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build cgo

package vhook

/*
#include <stdint.h>
#include <stddef.h>

static void vhook_clear_cache(uintptr_t addr, size_t len) {
	char *start = (char *)addr;
	__builtin___clear_cache(start, start + len);
}
*/
import "C"

// flushICache makes the instruction stream coherent with freshly written
// code. It is a no-op on CPUs with coherent caches.
func flushICache(addr, size uintptr) error {
	C.vhook_clear_cache(C.uintptr_t(addr), C.size_t(size))
	return nil
}

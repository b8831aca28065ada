// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"unsafe"
)

// Memory is the process memory the engine patches and allocates from.
type Memory interface {
	// Read copies size bytes starting at addr.
	Read(addr uintptr, size int) []byte
	// Write copies data to addr. The pages must be writable.
	Write(addr uintptr, data []byte)
	// MakeWritable makes the pages covering [addr, addr+size) executable
	// and writable.
	MakeWritable(addr, size uintptr) error
	// MakeExecutable makes the pages covering [addr, addr+size) executable
	// and read only.
	MakeExecutable(addr, size uintptr) error
	// FlushICache discards stale instructions for [addr, addr+size).
	FlushICache(addr, size uintptr) error
	// MapExec maps a fresh executable buffer of at least size bytes holding
	// code and returns its address.
	MapExec(code []byte, size int) (uintptr, error)
	// Unmap releases a buffer returned by MapExec.
	Unmap(addr uintptr, size int) error
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// pageSpan rounds [addr, addr+size) out to whole pages.
func pageSpan(addr, size, pageSize uintptr) (start, length uintptr) {
	start = pageSize * (addr / pageSize)
	length = pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

func slicePtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

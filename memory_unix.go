// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux || darwin || freebsd || netbsd || openbsd

package vhook

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SystemMemory is the live address space of the current process.
type SystemMemory struct {
	pageSize uintptr

	mu sync.Mutex
	// buffers handed out by MapExec, keyed by address
	mapped map[uintptr][]byte
}

// NewSystemMemory returns the memory of the running process.
func NewSystemMemory() *SystemMemory {
	return &SystemMemory{
		pageSize: uintptr(unix.Getpagesize()),
		mapped:   make(map[uintptr][]byte),
	}
}

func (m *SystemMemory) Read(addr uintptr, size int) []byte {
	out := make([]byte, size)
	copy(out, makeSlice(addr, uintptr(size)))
	return out
}

func (m *SystemMemory) Write(addr uintptr, data []byte) {
	copy(makeSlice(addr, uintptr(len(data))), data)
}

func (m *SystemMemory) MakeWritable(addr, size uintptr) error {
	return m.protect(addr, size, unix.PROT_EXEC|unix.PROT_READ|unix.PROT_WRITE)
}

func (m *SystemMemory) MakeExecutable(addr, size uintptr) error {
	return m.protect(addr, size, unix.PROT_EXEC|unix.PROT_READ)
}

func (m *SystemMemory) protect(addr, size uintptr, prot int) error {
	start, length := pageSpan(addr, size, m.pageSize)
	for i := uintptr(0); i < length; i += m.pageSize {
		data := makeSlice(start+i, m.pageSize)
		if err := unix.Mprotect(data, prot); err != nil {
			return fmt.Errorf("mprotect %#x: %w", start+i, err)
		}
	}
	return nil
}

func (m *SystemMemory) FlushICache(addr, size uintptr) error {
	return flushICache(addr, size)
}

func (m *SystemMemory) MapExec(code []byte, size int) (uintptr, error) {
	if size < len(code) {
		size = len(code)
	}
	_, length := pageSpan(0, uintptr(size), m.pageSize)
	buf, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("mmap %d bytes: %w", length, err)
	}
	copy(buf, code)
	if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(buf)
		return 0, fmt.Errorf("mprotect trampoline: %w", err)
	}
	addr := slicePtr(buf)
	if err := flushICache(addr, uintptr(len(code))); err != nil {
		_ = unix.Munmap(buf)
		return 0, err
	}
	m.mu.Lock()
	m.mapped[addr] = buf
	m.mu.Unlock()
	return addr, nil
}

func (m *SystemMemory) Unmap(addr uintptr, size int) error {
	m.mu.Lock()
	buf, ok := m.mapped[addr]
	delete(m.mapped, addr)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unmap %#x: not a trampoline buffer", addr)
	}
	return unix.Munmap(buf)
}

func defaultMemory() Memory {
	return NewSystemMemory()
}

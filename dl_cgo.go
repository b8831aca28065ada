// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build cgo && (linux || darwin || freebsd || netbsd || openbsd)

package vhook

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

// dlerror is thread local, so it is read in the same call as the failure.
static void *vhook_dlopen(const char *path, char **err) {
	void *h = dlopen(path, RTLD_NOW);
	*err = h ? NULL : (char *)dlerror();
	return h;
}

static void *vhook_dlsym(void *handle, const char *name, char **err) {
	dlerror();
	void *p = dlsym(handle, name);
	*err = p ? NULL : (char *)dlerror();
	return p;
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// DynamicResolver loads libraries with dlopen and resolves with dlsym.
// Handles are kept for the life of the process: installed hooks point into
// the libraries, so they are never closed.
type DynamicResolver struct {
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]unsafe.Pointer
}

// NewDynamicResolver returns a dlopen based resolver.
func NewDynamicResolver(logger *zap.Logger) *DynamicResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamicResolver{logger: logger, handles: make(map[string]unsafe.Pointer)}
}

func (r *DynamicResolver) Resolve(library, symbol string) (uintptr, error) {
	handle, err := r.open(library)
	if err != nil {
		return 0, err
	}
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))

	var cerr *C.char
	addr := C.vhook_dlsym(handle, csym, &cerr)
	if addr == nil {
		diag := "undefined symbol"
		if cerr != nil {
			diag = C.GoString(cerr)
		}
		return 0, &SymbolError{Library: library, Symbol: symbol, Diag: diag}
	}
	return uintptr(addr), nil
}

func (r *DynamicResolver) open(library string) (unsafe.Pointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[library]; ok {
		return h, nil
	}
	cpath := C.CString(library)
	defer C.free(unsafe.Pointer(cpath))
	var cerr *C.char
	h := C.vhook_dlopen(cpath, &cerr)
	if h == nil {
		diag := "cannot load library"
		if cerr != nil {
			diag = C.GoString(cerr)
		}
		return nil, &SymbolError{Library: library, Diag: diag}
	}
	r.handles[library] = h
	r.logger.Debug("loaded library", zap.String("library", library))
	return h, nil
}

// DefaultResolver returns the best resolver this build supports.
func DefaultResolver(logger *zap.Logger) Resolver {
	return NewDynamicResolver(logger)
}

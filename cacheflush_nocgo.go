// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build !cgo

package vhook

import (
	"errors"
	"runtime"
)

var errNoCacheFlush = errors.New("instruction cache flush needs cgo on " + runtime.GOARCH)

func flushICache(addr, size uintptr) error {
	switch runtime.GOARCH {
	case "arm", "arm64":
		return errNoCacheFlush
	}
	return nil
}

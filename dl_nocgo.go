// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build !cgo || !(linux || darwin || freebsd || netbsd || openbsd)

package vhook

import "go.uber.org/zap"

// DefaultResolver returns the best resolver this build supports. Without
// cgo there is no dlopen, so only libraries the process already mapped can
// be resolved.
func DefaultResolver(logger *zap.Logger) Resolver {
	logger.Debug("dlopen unavailable, resolving from mapped images only")
	return MappedResolver{}
}

// Copyright (C) 2022 K2 Cyber Security Inc.

// Package bridge is the surface the managed runtime calls into. Failures
// are returned as zero values after being logged; nothing here panics
// across the boundary.
package bridge

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/vhook"
	"github.com/k2io/vhook/config"
	"github.com/k2io/vhook/interpose"
	"github.com/k2io/vhook/redirect"
)

// Core ties the hook engine, the path redirector and the intercepted
// primitives of one virtualized process together.
type Core struct {
	logger *zap.Logger
	engine *vhook.Engine
	paths  *redirect.Redirector
	intr   *interpose.Interceptor

	mu sync.Mutex
	// hooked symbols by library and symbol name
	symbols map[symbolKey]uintptr
}

type symbolKey struct{ library, symbol string }

// New builds a Core. launcher may be nil.
func New(engine *vhook.Engine, paths *redirect.Redirector, launcher interpose.ProcessLauncher, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{
		logger:  logger,
		engine:  engine,
		paths:   paths,
		intr:    interpose.New(paths, launcher, logger.Named("interpose")),
		symbols: make(map[symbolKey]uintptr),
	}
}

// Engine returns the hook engine.
func (c *Core) Engine() *vhook.Engine { return c.engine }

// Paths returns the path redirector.
func (c *Core) Paths() *redirect.Redirector { return c.paths }

// Interceptor returns the redirected primitives.
func (c *Core) Interceptor() *interpose.Interceptor { return c.intr }

// InitializeEngine readies the hook engine. It can be called repeatedly.
func (c *Core) InitializeEngine() bool {
	if err := c.engine.Initialize(); err != nil {
		c.logger.Error("failed to initialize hook engine", zap.Error(err))
		return false
	}
	return true
}

// Configure sets the virtual root and the guest package.
func (c *Core) Configure(virtualRoot, packageName string) {
	c.paths.Configure(virtualRoot, packageName)
}

// Apply sets the whole virtualization context from cfg.
func (c *Core) Apply(cfg *config.Config) {
	c.paths.SetUserID(cfg.UserID)
	c.paths.SetExtraPrefixes(cfg.ExtraPrefixes)
	c.paths.Configure(cfg.VirtualRoot, cfg.PackageName)
}

// HookFunction intercepts symbol of library with the code at replacement.
// It returns the trampoline calling the original, or 0 on failure.
func (c *Core) HookFunction(library, symbol string, replacement uintptr) uintptr {
	target, err := c.engine.FindSymbol(library, symbol)
	if err != nil {
		return 0
	}
	trampoline, err := c.engine.HookFunction(target, replacement)
	if err != nil {
		c.logger.Error("failed to hook function", zap.String("library", library), zap.String("symbol", symbol), zap.Error(err))
		return 0
	}
	c.mu.Lock()
	c.symbols[symbolKey{library, symbol}] = target
	c.mu.Unlock()
	return trampoline
}

// UnhookFunction removes a hook placed by HookFunction. It returns false
// when the symbol is not hooked, including a hook already removed through
// the engine, whose entry is dropped.
func (c *Core) UnhookFunction(library, symbol string) bool {
	key := symbolKey{library, symbol}
	c.mu.Lock()
	target, ok := c.symbols[key]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("symbol is not hooked", zap.String("library", library), zap.String("symbol", symbol))
		return false
	}
	err := c.engine.UnhookFunction(target)
	if err != nil && !errors.Is(err, vhook.ErrNotHooked) {
		return false
	}
	c.mu.Lock()
	delete(c.symbols, key)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("symbol was already unhooked", zap.String("library", library), zap.String("symbol", symbol))
		return false
	}
	return true
}

// RedirectPath translates a guest path.
func (c *Core) RedirectPath(path string) string {
	return c.paths.RedirectPath(path)
}

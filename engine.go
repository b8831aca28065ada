// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine installs and removes inline hooks in the current process.
//
// A hook overwrites the first MinimumPatchSize bytes of a target function
// with a jump to the replacement. The overwritten instructions are moved
// into a trampoline that ends with a jump back to the first untouched
// instruction, so calling the trampoline runs the original function.
//
// Every patch window (make writable, write, flush, restore protection) runs
// under one engine-wide lock. Other threads executing the target while it
// is rewritten are not stopped; callers that hook hot functions must
// quiesce them first.
type Engine struct {
	logger   *zap.Logger
	mem      Memory
	resolver Resolver
	arch     Arch

	// serializes lifecycle changes and patch windows
	mu    sync.Mutex
	ready atomic.Bool
	hooks *table
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMemory replaces the process memory accessor.
func WithMemory(mem Memory) Option {
	return func(e *Engine) { e.mem = mem }
}

// WithResolver replaces the symbol resolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithArch forces an architecture strategy instead of the host's.
func WithArch(arch Arch) Option {
	return func(e *Engine) { e.arch = arch }
}

// NewEngine returns an engine that must be initialized before use.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{hooks: newTable()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Initialize selects the architecture strategy and default collaborators.
// It is idempotent.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready.Load() {
		return nil
	}
	if e.arch == nil {
		arch, err := HostArch()
		if err != nil {
			e.logger.Error("no hook strategy for this CPU", zap.Error(err))
			return err
		}
		e.arch = arch
	}
	if e.mem == nil {
		e.mem = defaultMemory()
		if e.mem == nil {
			e.logger.Error("code patching is not supported on this OS")
			return fmt.Errorf("%w: no memory access on this OS", ErrUnsupportedArch)
		}
	}
	if e.resolver == nil {
		e.resolver = DefaultResolver(e.logger)
	}
	e.ready.Store(true)
	e.logger.Debug("hook engine initialized", zap.String("arch", e.arch.Name()), zap.Int("patchLength", e.arch.MinimumPatchSize()))
	return nil
}

// Ready reports whether Initialize succeeded.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Arch returns the selected strategy, nil before Initialize.
func (e *Engine) Arch() Arch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arch
}

// FindSymbol loads library, if it is not loaded yet, and resolves symbol
// in it. The library is never unloaded.
func (e *Engine) FindSymbol(library, symbol string) (uintptr, error) {
	if !e.ready.Load() {
		e.logger.Error("find symbol before initialize", zap.String("library", library), zap.String("symbol", symbol))
		return 0, ErrEngineNotReady
	}
	if library == "" || symbol == "" {
		return 0, fmt.Errorf("%w: empty library or symbol name", ErrInvalidArgument)
	}
	addr, err := e.resolver.Resolve(library, symbol)
	if err != nil {
		e.logger.Error("failed to resolve symbol", zap.String("library", library), zap.String("symbol", symbol), zap.Error(err))
		return 0, err
	}
	e.logger.Debug("resolved symbol", zap.String("library", library), zap.String("symbol", symbol), hexField("addr", addr))
	return addr, nil
}

// HookFunction redirects target to replacement and returns the address of
// a trampoline that behaves like the original function. A target can be
// hooked once; unhook it before hooking it again.
func (e *Engine) HookFunction(target, replacement uintptr) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// checked under e.mu so a concurrent Reset cannot strand the patch
	if !e.ready.Load() {
		e.logger.Error("hook before initialize", hexField("target", target))
		return 0, ErrEngineNotReady
	}
	if err := e.arch.CheckAddress(target); err != nil {
		e.logger.Error("invalid hook target", hexField("target", target), zap.Error(err))
		return 0, err
	}
	if err := e.arch.CheckAddress(replacement); err != nil {
		e.logger.Error("invalid hook replacement", hexField("replacement", replacement), zap.Error(err))
		return 0, err
	}

	if _, ok := e.hooks.get(target); ok {
		e.logger.Warn("target already hooked", hexField("target", target))
		return 0, ErrAlreadyHooked
	}

	n := e.arch.MinimumPatchSize()
	original := e.mem.Read(target, n)
	if err := CheckWindow(e.arch, original, target); err != nil {
		e.logger.Error("target cannot be relocated", hexField("target", target), zap.Error(err))
		return 0, err
	}

	seq, near := e.arch.EncodeNearJump(target, replacement)
	if !near {
		seq = e.arch.EncodeFarJump(replacement)
	}
	patch := padTo(seq, e.arch.Nop(), n)
	if len(patch) != n {
		return 0, fmt.Errorf("redirect of %d bytes does not fill a %d byte window", len(patch), n)
	}

	jumper, err := allocTrampoline(e.mem, e.arch, target, original)
	if err != nil {
		e.logger.Error("failed to allocate trampoline", hexField("target", target), zap.Error(err))
		return 0, err
	}
	if err := e.writeCode(target, patch, original); err != nil {
		err = multierr.Append(err, jumper.release())
		e.logger.Error("failed to patch target", hexField("target", target), hexField("replacement", replacement), zap.Error(err))
		return 0, err
	}

	h := &hook{
		record: Record{
			Target:        target,
			Replacement:   replacement,
			Trampoline:    jumper.Addr(),
			PatchLength:   n,
			OriginalBytes: original,
		},
		patch:  patch,
		jumper: jumper,
	}
	if err := e.hooks.insert(h); err != nil {
		// cannot happen while e.mu is held
		err = multierr.Append(err, e.writeCode(target, original, patch))
		return 0, multierr.Append(err, jumper.release())
	}
	e.logger.Info("hooked function", hexField("target", target), hexField("replacement", replacement),
		hexField("trampoline", jumper.Addr()), zap.Bool("nearJump", near))
	return jumper.Addr(), nil
}

// UnhookFunction restores the original instructions at target and frees
// its trampoline. When the restore fails the hook stays registered so the
// caller can retry.
func (e *Engine) UnhookFunction(target uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready.Load() {
		e.logger.Error("unhook before initialize", hexField("target", target))
		return ErrEngineNotReady
	}
	return e.unhook(target)
}

func (e *Engine) unhook(target uintptr) error {
	h, ok := e.hooks.get(target)
	if !ok {
		e.logger.Debug("unhook of a target that is not hooked", hexField("target", target))
		return ErrNotHooked
	}
	if err := e.writeCode(target, h.record.OriginalBytes, h.patch); err != nil {
		e.logger.Error("failed to restore target", hexField("target", target), zap.Error(err))
		return err
	}
	e.hooks.remove(target)
	if err := h.jumper.release(); err != nil {
		// the target is intact; only the buffer leaks
		e.logger.Error("failed to release trampoline", hexField("target", target),
			hexField("trampoline", h.jumper.Addr()), zap.Error(err))
	}
	e.logger.Info("unhooked function", hexField("target", target))
	return nil
}

// UnhookAll removes every hook. Hooks that fail to restore stay registered
// and their errors are combined.
func (e *Engine) UnhookAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready.Load() {
		return ErrEngineNotReady
	}
	return e.unhookAll()
}

func (e *Engine) unhookAll() error {
	var errs error
	for _, target := range e.hooks.targets() {
		if err := e.unhook(target); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unhook %#x: %w", target, err))
		}
	}
	return errs
}

// Reset removes every hook and returns the engine to the uninitialized
// state. It fails, leaving the engine ready, when a hook cannot be removed.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready.Load() {
		return nil
	}
	if err := e.unhookAll(); err != nil {
		return err
	}
	e.ready.Store(false)
	return nil
}

// Lookup returns the record of an active hook.
func (e *Engine) Lookup(target uintptr) (Record, bool) {
	h, ok := e.hooks.get(target)
	if !ok {
		return Record{}, false
	}
	return h.snapshot(), true
}

// Hooks returns the active hooks ordered by target address.
func (e *Engine) Hooks() []Record {
	targets := e.hooks.targets()
	out := make([]Record, 0, len(targets))
	for _, t := range targets {
		if h, ok := e.hooks.get(t); ok {
			out = append(out, h.snapshot())
		}
	}
	return out
}

// writeCode runs one patch window. On failure after the write it puts
// restore back so the target is left as it was.
func (e *Engine) writeCode(target uintptr, code, restore []byte) error {
	size := uintptr(len(code))
	if err := e.mem.MakeWritable(target, size); err != nil {
		return fmt.Errorf("%w: %v", ErrProtection, err)
	}
	e.mem.Write(target, code)
	err := e.mem.FlushICache(target, size)
	if err == nil {
		if perr := e.mem.MakeExecutable(target, size); perr != nil {
			err = fmt.Errorf("%w: %v", ErrProtection, perr)
		}
	}
	if err == nil {
		return nil
	}

	e.mem.Write(target, restore)
	if ferr := e.mem.FlushICache(target, size); ferr != nil {
		err = multierr.Append(err, ferr)
	}
	if perr := e.mem.MakeExecutable(target, size); perr != nil && !errors.Is(err, ErrProtection) {
		err = multierr.Append(err, fmt.Errorf("%w: %v", ErrProtection, perr))
	}
	return err
}

func hexField(key string, v uintptr) zap.Field {
	return zap.String(key, fmt.Sprintf("%#x", v))
}

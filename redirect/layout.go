// Copyright (C) 2022 K2 Cyber Security Inc.

package redirect

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNotConfigured means the virtual root or the package name is unset.
var ErrNotConfigured = errors.New("virtual root and package name must be set")

// Layout lists the directories of the package's virtual tree.
func (r *Redirector) Layout() []string {
	c, _ := r.snapshot()
	if c.appBase() == "" {
		return nil
	}
	return []string{
		c.appDir("data"),
		c.appDir("cache"),
		c.appDir("files"),
		c.externalDir("data"),
		c.externalDir("obb"),
	}
}

// EnsureLayout creates the package's virtual tree. It must exist before
// the guest first touches its storage.
func (r *Redirector) EnsureLayout(perm os.FileMode) error {
	dirs := r.Layout()
	if dirs == nil {
		return ErrNotConfigured
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, perm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	r.logger.Info("virtual layout ready", zap.String("root", r.VirtualRoot()), zap.String("packageName", r.PackageName()))
	return nil
}

// Cleanup removes the package's virtual tree, including its external
// storage.
func (r *Redirector) Cleanup() error {
	c, _ := r.snapshot()
	base := c.appBase()
	if base == "" {
		return ErrNotConfigured
	}
	var errs error
	for _, dir := range []string{base, c.externalDir("data"), c.externalDir("obb")} {
		errs = multierr.Append(errs, os.RemoveAll(dir))
	}
	if errs != nil {
		r.logger.Error("failed to clean virtual storage", zap.String("packageName", c.pkg), zap.Error(errs))
		return errs
	}
	r.logger.Info("virtual storage removed", zap.String("packageName", c.pkg))
	return nil
}

// Copyright (C) 2022 K2 Cyber Security Inc.

package redirect

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNoAndroidSegment means an external storage path without an /Android
// directory reached the generic rewrite, which has nowhere to put it.
var ErrNoAndroidSegment = errors.New("external storage path has no /Android segment")

// vctx is the configuration a translation is computed from.
type vctx struct {
	root   string
	pkg    string
	userID int
	extra  []string
}

// Redirector translates guest storage paths into the virtual tree.
// It is safe for concurrent use.
type Redirector struct {
	logger *zap.Logger

	mu    sync.RWMutex
	ctx   vctx
	gen   uint64
	cache map[string]string
}

// New returns a redirector with redirection disabled until a virtual root
// is set.
func New(logger *zap.Logger) *Redirector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redirector{logger: logger, cache: make(map[string]string)}
}

// Configure sets the virtual root and the guest package name.
func (r *Redirector) Configure(virtualRoot, packageName string) {
	r.update(func(c *vctx) {
		c.root = cleanRoot(virtualRoot)
		c.pkg = packageName
	})
}

// SetVirtualRoot sets the directory the virtual tree lives in. An empty
// root disables redirection.
func (r *Redirector) SetVirtualRoot(virtualRoot string) {
	r.update(func(c *vctx) { c.root = cleanRoot(virtualRoot) })
}

// SetPackageName sets the guest package. When empty, paths are rewritten
// with the generic rule only.
func (r *Redirector) SetPackageName(packageName string) {
	r.update(func(c *vctx) { c.pkg = packageName })
}

// SetUserID sets the user the package directories belong to.
func (r *Redirector) SetUserID(id int) {
	r.update(func(c *vctx) { c.userID = id })
}

// SetExtraPrefixes adds redirected prefixes on top of GuestPrefixes.
func (r *Redirector) SetExtraPrefixes(prefixes []string) {
	r.update(func(c *vctx) { c.extra = slices.Clone(prefixes) })
}

// Reset drops the configuration and the cache.
func (r *Redirector) Reset() {
	r.update(func(c *vctx) { *c = vctx{} })
}

// update applies fn and clears the cache when the configuration changed.
func (r *Redirector) update(fn func(*vctx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.ctx
	next.extra = slices.Clone(r.ctx.extra)
	fn(&next)
	if next.root == r.ctx.root && next.pkg == r.ctx.pkg && next.userID == r.ctx.userID && slices.Equal(next.extra, r.ctx.extra) {
		return
	}
	r.ctx = next
	r.gen++
	clear(r.cache)
	r.logger.Debug("virtualization context changed", zap.String("virtualRoot", next.root),
		zap.String("packageName", next.pkg), zap.Int("userId", next.userID))
}

func (r *Redirector) snapshot() (vctx, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ctx, r.gen
}

// VirtualRoot returns the configured root.
func (r *Redirector) VirtualRoot() string {
	c, _ := r.snapshot()
	return c.root
}

// PackageName returns the configured guest package.
func (r *Redirector) PackageName() string {
	c, _ := r.snapshot()
	return c.pkg
}

// UserID returns the configured user.
func (r *Redirector) UserID() int {
	c, _ := r.snapshot()
	return c.userID
}

// ShouldRedirect reports whether path lies in guest storage. System paths
// are never redirected.
func (r *Redirector) ShouldRedirect(p string) bool {
	c, _ := r.snapshot()
	return c.shouldRedirect(cleanPath(p))
}

// RedirectPath returns the virtual location of p, or p itself when it is
// not redirected or cannot be translated.
func (r *Redirector) RedirectPath(p string) string {
	out, err := r.Translate(p)
	if err != nil {
		r.logger.Warn("path left unredirected", zap.String("path", p), zap.Error(err))
		return p
	}
	return out
}

// Translate is RedirectPath reporting why a path could not be translated.
func (r *Redirector) Translate(p string) (string, error) {
	r.mu.RLock()
	c, gen := r.ctx, r.gen
	if c.root == "" {
		r.mu.RUnlock()
		return p, nil
	}
	if v, ok := r.cache[p]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	clean := cleanPath(p)
	if _, inside := underDir(clean, c.root); inside || !c.shouldRedirect(clean) {
		return p, nil
	}
	out, err := c.translate(clean)
	if err != nil {
		return p, fmt.Errorf("redirect %s: %w", p, err)
	}
	if out == p {
		return p, nil
	}

	r.mu.Lock()
	// a reconfiguration raced with us; the result belongs to the old configuration
	if r.gen == gen {
		r.cache[p] = out
	}
	r.mu.Unlock()
	r.logger.Debug("redirecting", zap.String("from", p), zap.String("to", out))
	return out, nil
}

// CacheLen returns the number of cached translations.
func (r *Redirector) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// DataDir is the virtual private data directory of the package.
func (r *Redirector) DataDir() string {
	c, _ := r.snapshot()
	return c.appDir("data")
}

// CacheDir is the virtual cache directory of the package.
func (r *Redirector) CacheDir() string {
	c, _ := r.snapshot()
	return c.appDir("cache")
}

// FilesDir is the virtual files directory of the package.
func (r *Redirector) FilesDir() string {
	c, _ := r.snapshot()
	return c.appDir("files")
}

// ExternalDir is the virtual external storage directory of the package.
func (r *Redirector) ExternalDir() string {
	c, _ := r.snapshot()
	return c.externalDir("data")
}

// ObbDir is the virtual obb directory of the package.
func (r *Redirector) ObbDir() string {
	c, _ := r.snapshot()
	return c.externalDir("obb")
}

func (c vctx) shouldRedirect(p string) bool {
	if hasAnyPrefix(p, SystemPrefixes) {
		return false
	}
	return hasAnyPrefix(p, GuestPrefixes) || hasAnyPrefix(p, c.extra)
}

func (c vctx) appBase() string {
	if c.root == "" || c.pkg == "" {
		return ""
	}
	return c.root + "/user_" + strconv.Itoa(c.userID) + "/" + c.pkg
}

func (c vctx) appDir(name string) string {
	base := c.appBase()
	if base == "" {
		return ""
	}
	return base + "/" + name
}

func (c vctx) externalDir(kind string) string {
	if c.root == "" || c.pkg == "" {
		return ""
	}
	return c.root + "/sdcard/Android/" + kind + "/" + c.pkg
}

// translate rewrites a path already known to need redirection.
func (c vctx) translate(p string) (string, error) {
	if c.pkg != "" {
		if out, ok := c.translatePackage(p); ok {
			return out, nil
		}
	}
	return c.translateGeneric(p)
}

// translatePackage handles the storage of the configured package.
func (c vctx) translatePackage(p string) (string, bool) {
	if rest, ok := underDir(p, dataPrefix+c.pkg); ok {
		return c.appDir("data") + rest, true
	}
	if after, ok := cutUserID(p); ok {
		if rest, ok := underDir("/"+after, "/"+c.pkg); ok {
			return c.appDir("data") + rest, true
		}
	}
	for _, ext := range []struct{ prefix, kind string }{
		{sdcardData, "data"},
		{emulatedData, "data"},
		{sdcardObb, "obb"},
		{emulatedObb, "obb"},
	} {
		if rest, ok := underDir(p, ext.prefix+c.pkg); ok {
			return c.externalDir(ext.kind) + rest, true
		}
	}
	return "", false
}

// translateGeneric prefixes p with the root. External storage is folded
// into root/sdcard, keeping the path from its /Android segment on.
func (c vctx) translateGeneric(p string) (string, error) {
	_, onSdcard := underDir(p, sdcardRoot)
	if onSdcard || strings.HasPrefix(p, emulatedRoot) {
		suffix, ok := androidSuffix(p)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoAndroidSegment, p)
		}
		return c.root + sdcardRoot + suffix, nil
	}
	return c.root + p, nil
}

func cleanRoot(root string) string {
	if root == "" {
		return ""
	}
	root = path.Clean(root)
	if root == "/" {
		// / is the real root, not a virtual one
		return ""
	}
	return root
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return p
	}
	return path.Clean(p)
}

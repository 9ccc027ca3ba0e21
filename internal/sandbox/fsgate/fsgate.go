// Package fsgate decides whether sandboxed code may touch a filesystem path.
package fsgate

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// Intent is the kind of access requested for a path.
type Intent int

const (
	Read Intent = iota
	Write
	Create
	Delete
)

func (i Intent) String() string {
	switch i {
	case Read:
		return "read"
	case Write:
		return "write"
	case Create:
		return "create"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

const maxDecodeRounds = 3

// Gatekeeper applies the filesystem rule of one policy.
type Gatekeeper struct {
	allowed        []string
	denied         []string
	readOnly       bool
	maxDepth       int
	followSymlinks bool
}

// Option adjusts a Gatekeeper.
type Option func(*Gatekeeper)

// WithDenied reserves paths: they stay unreachable even when an allowed
// path contains them.
func WithDenied(paths ...string) Option {
	return func(g *Gatekeeper) {
		for _, p := range paths {
			if p != "" {
				g.denied = append(g.denied, filepath.Clean(p))
			}
		}
	}
}

// New returns a Gatekeeper for cfg's filesystem rule.
func New(cfg policy.Config, opts ...Option) *Gatekeeper {
	allowed := make([]string, 0, len(cfg.AllowedPaths))
	for _, p := range cfg.AllowedPaths {
		allowed = append(allowed, filepath.Clean(p))
	}
	g := &Gatekeeper{
		allowed:        allowed,
		readOnly:       cfg.ReadOnly,
		maxDepth:       cfg.MaxPathDepth,
		followSymlinks: cfg.FollowSymlinks,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Permit returns nil when path may be accessed with intent, or a
// *policy.Violation describing the denial.
func (g *Gatekeeper) Permit(path string, intent Intent) error {
	_, err := g.Resolve(path, intent)
	return err
}

// Allowed is Permit as a boolean.
func (g *Gatekeeper) Allowed(path string, intent Intent) bool {
	return g.Permit(path, intent) == nil
}

// Resolve validates path like Permit and returns the normalized path that
// the caller must use for the actual operation.
func (g *Gatekeeper) Resolve(path string, intent Intent) (string, error) {
	decoded := decode(path)

	if r, bad := suspiciousRune(decoded); bad {
		return "", deny("path contains forbidden character %U", r)
	}
	if !strings.HasPrefix(decoded, "/") {
		return "", deny("path %q must be absolute", decoded)
	}

	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(decoded, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", deny("path traversal attempt: %q", path)
		}
		segments = append(segments, seg)
	}
	if g.maxDepth > 0 && len(segments) > g.maxDepth {
		return "", deny("path depth %d exceeds maximum %d", len(segments), g.maxDepth)
	}
	clean := "/" + strings.Join(segments, "/")

	if len(g.allowed) == 0 {
		return "", deny("no filesystem access allowed")
	}
	root, ok := g.match(clean)
	if !ok {
		return "", deny("path %q is not in the allowed paths", clean)
	}
	if g.reserved(clean) {
		return "", deny("path %q is reserved by the sandbox", clean)
	}
	if err := g.checkSymlinks(root, clean); err != nil {
		return "", err
	}
	if g.readOnly && intent != Read {
		return "", deny("%s access denied for %q: filesystem is read-only", intent, clean)
	}
	return clean, nil
}

// match returns the whitelist entry that contains p.
func (g *Gatekeeper) match(p string) (string, bool) {
	for _, a := range g.allowed {
		if within(p, a) {
			return a, true
		}
	}
	return "", false
}

// checkSymlinks inspects every existing component below root. The root
// itself is operator configuration and is trusted as given.
func (g *Gatekeeper) checkSymlinks(root, p string) error {
	rest := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
	if rest == "" {
		return nil
	}
	cur := root
	for _, seg := range strings.Split(rest, "/") {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return deny("cannot inspect %q: %v", cur, err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			continue
		}
		if !g.followSymlinks {
			return deny("symlink %q is not allowed", cur)
		}
		target, err := filepath.EvalSymlinks(cur)
		if err != nil {
			return deny("cannot resolve symlink %q: %v", cur, err)
		}
		if _, ok := g.matchResolved(target); !ok {
			return deny("symlink %q points outside the allowed paths", cur)
		}
		if g.reserved(target) {
			return deny("symlink %q points into a path reserved by the sandbox", cur)
		}
	}
	return nil
}

// matchResolved compares a resolved target against the whitelist with each
// entry resolved too, so a whitelisted /tmp still matches when the host
// links it elsewhere.
func (g *Gatekeeper) matchResolved(target string) (string, bool) {
	for _, a := range g.allowed {
		ra, err := filepath.EvalSymlinks(a)
		if err != nil {
			ra = a
		}
		if within(target, ra) || within(target, a) {
			return a, true
		}
	}
	return "", false
}

// reserved reports whether p is a denied path or lies below one. Denied
// entries are compared resolved as well.
func (g *Gatekeeper) reserved(p string) bool {
	for _, d := range g.denied {
		if within(p, d) {
			return true
		}
		if rd, err := filepath.EvalSymlinks(d); err == nil && within(p, rd) {
			return true
		}
	}
	return false
}

// Contains reports whether p is root or lies below it. Both must be clean
// absolute paths.
func Contains(root, p string) bool {
	return within(filepath.Clean(p), filepath.Clean(root))
}

func within(p, root string) bool {
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// decode percent-decodes until the value is stable, at most maxDecodeRounds
// times.
func decode(p string) string {
	for range maxDecodeRounds {
		next, err := url.PathUnescape(p)
		if err != nil || next == p {
			break
		}
		p = next
	}
	return p
}

func suspiciousRune(p string) (rune, bool) {
	for _, r := range p {
		if r == 0 || unicode.IsControl(r) {
			return r, true
		}
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return r, true
		}
	}
	return 0, false
}

func deny(format string, args ...any) error {
	return policy.Violationf(policy.FilesystemAccess, format, args...)
}

// DenyAll is the default filesystem rule: nothing is reachable.
func DenyAll() policy.Option {
	return policy.WithFilesystem(nil, true)
}

// ReadOnly allows reads under paths.
func ReadOnly(paths ...string) policy.Option {
	return policy.WithFilesystem(paths, true)
}

// ReadWrite allows every intent under paths.
func ReadWrite(paths ...string) policy.Option {
	return policy.WithFilesystem(paths, false)
}

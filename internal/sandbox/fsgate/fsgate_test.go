package fsgate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

func newGate(t *testing.T, opts ...policy.Option) *Gatekeeper {
	t.Helper()
	cfg, err := policy.New(policy.Default(), opts...)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return New(cfg)
}

func TestPermit_DefaultDeniesEverything(t *testing.T) {
	g := newGate(t)
	for _, p := range []string{"/", "/tmp", "/tmp/a.txt", "/etc/passwd"} {
		if g.Allowed(p, Read) {
			t.Errorf("default policy allowed %q", p)
		}
	}
}

func TestPermit_Traversal(t *testing.T) {
	whitelists := [][]string{nil, {"/tmp"}, {"/"}, {"/etc"}}
	inputs := []string{
		"../../../etc/passwd",
		"/tmp/../../../etc/passwd",
		"/tmp/%2e%2e/%2e%2e/etc/passwd",
		"%2e%2e%2f%2e%2e%2fetc%2fpasswd",
		"/tmp/%252e%252e/etc/passwd",
		"/tmp/a\x00.txt",
		"/tmp/a%00.txt",
		"/tmp/evil\u200b.txt",
		"/tmp/line\nbreak",
	}
	for _, wl := range whitelists {
		g := newGate(t, ReadWrite(wl...))
		for _, in := range inputs {
			err := g.Permit(in, Read)
			v, ok := policy.AsViolation(err)
			if !ok {
				t.Errorf("whitelist %v: %q allowed", wl, in)
				continue
			}
			if v.Type != policy.FilesystemAccess {
				t.Errorf("whitelist %v: %q type = %v", wl, in, v.Type)
			}
		}
	}
}

func TestPermit_Whitelist(t *testing.T) {
	g := newGate(t, ReadOnly("/tmp"))
	tests := []struct {
		path   string
		intent Intent
		want   bool
	}{
		{"/tmp", Read, true},
		{"/tmp/x", Read, true},
		{"/tmp/./a/b.txt", Read, true},
		{"//tmp//x", Read, true},
		{"/tmpevil", Read, false},
		{"/tmpevil/x", Read, false},
		{"/etc/passwd", Read, false},
		{"relative/x", Read, false},
		{"/tmp/x", Write, false},
		{"/tmp/x", Create, false},
		{"/tmp/x", Delete, false},
	}
	for _, tt := range tests {
		if got := g.Allowed(tt.path, tt.intent); got != tt.want {
			t.Errorf("Allowed(%q, %s) = %v, want %v", tt.path, tt.intent, got, tt.want)
		}
	}
}

func TestPermit_ReadWrite(t *testing.T) {
	g := newGate(t, ReadWrite("/tmp"))
	for _, intent := range []Intent{Read, Write, Create, Delete} {
		if !g.Allowed("/tmp/out.json", intent) {
			t.Errorf("%s denied under read-write /tmp", intent)
		}
	}
}

func TestPermit_Depth(t *testing.T) {
	g := newGate(t, ReadOnly("/"), policy.WithMaxPathDepth(3))
	if !g.Allowed("/a/b/c", Read) {
		t.Error("depth 3 should be allowed")
	}
	if g.Allowed("/a/b/c/d", Read) {
		t.Error("depth 4 should be denied")
	}
}

func TestResolve_Normalizes(t *testing.T) {
	g := newGate(t, ReadOnly("/tmp"))
	got, err := g.Resolve("/tmp/./a//b%2ftxt", Read)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/tmp/a/b/txt" {
		t.Errorf("resolved = %q, want /tmp/a/b/txt", got)
	}
}

func TestPermit_Symlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "inner"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "inner"), filepath.Join(root, "alias")); err != nil {
		t.Fatal(err)
	}

	strict := newGate(t, ReadOnly(root))
	if strict.Allowed(filepath.Join(root, "alias", "f"), Read) {
		t.Error("symlink allowed without FollowSymlinks")
	}
	if !strict.Allowed(filepath.Join(root, "inner", "f"), Read) {
		t.Error("plain directory denied")
	}

	follow := newGate(t, ReadOnly(root), policy.WithFollowSymlinks(true))
	if !follow.Allowed(filepath.Join(root, "alias", "f"), Read) {
		t.Error("symlink inside the whitelist denied with FollowSymlinks")
	}
	if follow.Allowed(filepath.Join(root, "escape", "secret"), Read) {
		t.Error("symlink escaping the whitelist allowed")
	}
}

func TestDenyAllHelper(t *testing.T) {
	g := newGate(t, ReadWrite("/tmp"), DenyAll())
	if g.Allowed("/tmp/x", Read) {
		t.Error("DenyAll should clear the whitelist")
	}
}

func TestPermit_DeniedPaths(t *testing.T) {
	cfg, err := policy.New(policy.Permissive())
	if err != nil {
		t.Fatal(err)
	}
	g := New(cfg, WithDenied("/tmp/memsandbox-work"))

	for _, p := range []string{"/tmp/memsandbox-work", "/tmp/memsandbox-work/run-1/planted.txt", "/tmp/./memsandbox-work/x"} {
		for _, intent := range []Intent{Read, Write, Create, Delete} {
			v, ok := policy.AsViolation(g.Permit(p, intent))
			if !ok || v.Type != policy.FilesystemAccess {
				t.Errorf("%s %q: err = %v, want filesystem violation", intent, p, v)
			}
		}
	}
	if !g.Allowed("/tmp/memsandbox-workshop/notes.txt", Write) {
		t.Error("sibling sharing the reserved prefix was denied")
	}
	if !g.Allowed("/tmp/scratch.txt", Write) {
		t.Error("unreserved path denied")
	}
}

func TestPermit_SymlinkIntoDeniedPath(t *testing.T) {
	root := t.TempDir()
	reserved := filepath.Join(root, "work")
	if err := os.Mkdir(reserved, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(reserved, filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	cfg, err := policy.New(policy.Default(), ReadWrite(root), policy.WithFollowSymlinks(true))
	if err != nil {
		t.Fatal(err)
	}
	g := New(cfg, WithDenied(reserved))
	if g.Allowed(filepath.Join(root, "alias", "f"), Read) {
		t.Error("symlink into a reserved path allowed")
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		root, p string
		want    bool
	}{
		{"/tmp", "/tmp", true},
		{"/tmp", "/tmp/a/b", true},
		{"/tmp/", "/tmp/a", true},
		{"/tmp", "/tmpfoo", false},
		{"/", "/etc", true},
		{"/var/lib", "/var", false},
	}
	for _, tt := range tests {
		if got := Contains(tt.root, tt.p); got != tt.want {
			t.Errorf("Contains(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}

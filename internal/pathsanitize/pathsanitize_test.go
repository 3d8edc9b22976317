package pathsanitize_test

import (
	"testing"

	"github.com/hyperfleet-run/hyperfleet/internal/pathsanitize"
)

func TestCleanRejectsTraversal(t *testing.T) {
	bad := []string{
		`/var/lib/../etc/passwd`,
		`/var/lib/..\etc\passwd`,
		"/var/lib/hf\x00/k",
		"/var/lib/%00/k",
		"/var/lib/%2e%2e/etc/passwd",
		"/var/lib/%2E%2E/etc/passwd",
		"/var/lib/%252e%252e/etc/passwd",
		"./kernel.img",
		"kernel.img",
	}
	for _, in := range bad {
		if _, err := pathsanitize.Clean(in); err == nil {
			t.Errorf("Clean(%q) = nil error, want rejection", in)
		}
	}
}

func TestCleanAcceptsSafePaths(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"/var/./lib/./hf/k", "/var/lib/hf/k"},
		{"/var/lib/path with spaces/k", "/var/lib/path with spaces/k"},
	}
	for _, tt := range tests {
		got, err := pathsanitize.Clean(tt.in)
		if err != nil {
			t.Errorf("Clean(%q) error = %v, want nil", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithinRootRejectsEscape(t *testing.T) {
	if _, err := pathsanitize.WithinRoot("/work/guest", "../../etc/passwd"); err == nil {
		t.Fatal("WithinRoot escape = nil error, want rejection")
	}
}

func TestWithinRootAcceptsNested(t *testing.T) {
	got, err := pathsanitize.WithinRoot("/work/guest", "sub/file.txt")
	if err != nil {
		t.Fatalf("WithinRoot() error = %v", err)
	}
	want := "/work/guest/sub/file.txt"
	if got != want {
		t.Errorf("WithinRoot() = %q, want %q", got, want)
	}
}

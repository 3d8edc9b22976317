// Package pathsanitize guards host and guest filesystem paths accepted from
// a client against traversal, null-byte injection, and percent-encoded
// escapes. WithinRoot adds a filepath.Join+Clean+prefix-check guard for
// paths taken relative to a root directory.
package pathsanitize

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

// Clean validates that raw is a safe, absolute path and returns its
// canonical (Clean'd) form. It rejects:
//   - any `..` or `..\` traversal segment, encoded or not
//   - raw or percent-encoded NUL bytes (`\x00`, `%00`)
//   - case-insensitive percent-encoded `..` (`%2e%2e`), including the
//     doubly-encoded form `%252e%252e`
//   - non-absolute input
func Clean(raw string) (string, error) {
	if raw == "" {
		return "", apierr.New(apierr.PathTraversal, "path is empty")
	}

	decoded, err := decodeRepeatedly(raw)
	if err != nil {
		return "", apierr.Wrap(apierr.PathTraversal, "invalid percent-encoding", err)
	}

	if strings.ContainsRune(decoded, 0) {
		return "", apierr.New(apierr.PathTraversal, "path contains a null byte")
	}

	lower := strings.ToLower(decoded)
	if strings.Contains(lower, "..") {
		return "", apierr.New(apierr.PathTraversal, "path contains a traversal segment")
	}

	normalized := strings.ReplaceAll(decoded, `\`, `/`)
	if !filepath.IsAbs(normalized) {
		return "", apierr.New(apierr.PathTraversal, "path must be absolute")
	}

	clean := filepath.Clean(normalized)
	if strings.Contains(clean, "..") {
		return "", apierr.New(apierr.PathTraversal, "path escapes its root after normalization")
	}

	return clean, nil
}

// decodeRepeatedly percent-decodes raw until it reaches a fixed point (to
// catch doubly-encoded escapes like %252e%252e), bounded to a handful of
// rounds so a pathological input cannot spin forever.
func decodeRepeatedly(raw string) (string, error) {
	cur := raw
	for i := 0; i < 4; i++ {
		next, err := url.QueryUnescape(cur)
		if err != nil {
			// Not valid percent-encoding; treat the input as already decoded.
			return cur, nil
		}
		if next == cur {
			return cur, nil
		}
		cur = next
	}
	return cur, nil
}

// WithinRoot validates that target, once joined to root and cleaned, lies
// within root, and returns the cleaned joined path.
func WithinRoot(root, target string) (string, error) {
	joined := filepath.Join(root, target)
	cleanRoot := filepath.Clean(root)
	cleanJoined := filepath.Clean(joined)

	if cleanJoined != cleanRoot && !strings.HasPrefix(cleanJoined, cleanRoot+string(filepath.Separator)) {
		return "", apierr.New(apierr.PathTraversal, "path escapes its root")
	}
	return cleanJoined, nil
}

// Package pathsafe is the sole sanctioned way to turn a tenant-relative,
// possibly attacker-influenced path string into a filesystem path. Every
// other package joins evidence paths through SafeJoin; direct concatenation
// is a review-blocking defect.
package pathsafe

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrAbsolutePath  = errors.New("absolute paths are not allowed")
	ErrPathTraversal = errors.New("path traversal detected")
	ErrOutsideRoot   = errors.New("resolved path escapes tenant boundary")
	ErrBadTenant     = errors.New("invalid tenant identifier")
)

// SafeJoin resolves rel against root/tenant and returns the absolute path,
// or a hard error if the input is absolute, contains a ".." segment (raw or
// percent-encoded once or twice), or canonically resolves outside the
// tenant's subtree. Symlinks inside the tree are followed before the
// boundary check.
func SafeJoin(root, tenant, rel string) (string, error) {
	if err := checkTenant(tenant); err != nil {
		return "", err
	}

	// Decode percent-encoding up to twice so %2e%2e and %252e%252e are
	// caught the same as a literal "..".
	decoded := rel
	for i := 0; i < 2; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil {
			break
		}
		if next == decoded {
			break
		}
		decoded = next
	}

	if filepath.IsAbs(rel) || filepath.IsAbs(decoded) ||
		strings.HasPrefix(rel, "/") || strings.HasPrefix(decoded, "/") ||
		strings.HasPrefix(rel, `\`) || strings.HasPrefix(decoded, `\`) {
		return "", fmt.Errorf("SafeJoin %q: %w", rel, ErrAbsolutePath)
	}

	for _, candidate := range []string{rel, decoded} {
		for _, seg := range strings.FieldsFunc(candidate, isSeparator) {
			if seg == ".." {
				return "", fmt.Errorf("SafeJoin %q: %w", rel, ErrPathTraversal)
			}
		}
	}

	base, err := filepath.Abs(filepath.Join(root, tenant))
	if err != nil {
		return "", fmt.Errorf("SafeJoin: %w", err)
	}
	joined := filepath.Join(base, decoded)

	// Canonicalize both sides so a symlink planted inside the tenant tree
	// cannot point the resolved path outside it.
	canonBase, err := resolveExisting(base)
	if err != nil {
		return "", fmt.Errorf("SafeJoin: %w", err)
	}
	canonJoined, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("SafeJoin: %w", err)
	}

	if canonJoined != canonBase && !strings.HasPrefix(canonJoined, canonBase+string(filepath.Separator)) {
		return "", fmt.Errorf("SafeJoin %q: %w", rel, ErrOutsideRoot)
	}
	return joined, nil
}

// checkTenant rejects tenant identifiers that could alter the directory
// layout. Tenants are single path segments, nothing more.
func checkTenant(tenant string) error {
	if tenant == "" || tenant == "." || tenant == ".." {
		return fmt.Errorf("tenant %q: %w", tenant, ErrBadTenant)
	}
	if strings.ContainsAny(tenant, `/\`) || strings.Contains(tenant, "..") {
		return fmt.Errorf("tenant %q: %w", tenant, ErrBadTenant)
	}
	return nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// resolveExisting canonicalizes path by resolving symlinks on its deepest
// existing ancestor, then re-appending the not-yet-created remainder. Needed
// because evidence files are resolved before they exist on disk.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Join(current, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

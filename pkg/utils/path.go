package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins elements onto base and fails if the result escapes base.
//
// The cache uses it for file names read back from its sidecar index, which may have
// been edited or damaged on disk.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory %q", filepath.Join(elements...), base)
	}
	return fullPath, nil
}

// IsWithin reports whether path is base or lies below it.
func IsWithin(base, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

package util

import (
	"errors"
	"strings"
)

// SanitizeFileName removes path separators and rejects traversal patterns.
func SanitizeFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", errors.New("invalid file name")
	}
	s := strings.TrimSpace(name)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" {
		return "", errors.New("invalid file name")
	}
	return s, nil
}

// SanitizeUserIdentity makes a user identity usable as a single store path
// segment by replacing '.' with ','. Applying it twice yields the same key.
// Distinct identities that differ only by '.' vs ',' collide.
func SanitizeUserIdentity(identity string) string {
	return strings.ReplaceAll(strings.TrimSpace(identity), ".", ",")
}

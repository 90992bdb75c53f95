// Package object archives uploaded policy documents in a blob store.
package object

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"policy-backend/internal/shared/util"
)

// ObjectStore saves and retrieves binary objects by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// PolicyKey builds the archive key for one uploaded file of a user policy.
// The user segment is hashed so object keys never carry an email address.
func PolicyKey(userIdentity string, policyIndex int, fileName string) (string, error) {
	sanitized, err := util.SanitizeFileName(fileName)
	if err != nil {
		return "", fmt.Errorf("sanitize file name: %w", err)
	}
	if policyIndex < 1 {
		policyIndex = 1
	}
	return path.Join(
		util.HashUserKey(strings.TrimSpace(userIdentity)),
		"policy"+strconv.Itoa(policyIndex),
		randomID()+"_"+sanitized,
	), nil
}

// CleanKey rejects keys that escape the store root.
func CleanKey(key string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(strings.TrimSpace(key), "\\", "/"))
	if clean == "." || clean == "" || strings.HasPrefix(clean, "..") || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return clean, nil
}

func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// Package statestore persists analysis progress as JSON documents addressed by
// hierarchical paths of the form users/{user}/policies/policy{N}/documents/{name}.
package statestore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"

	"policy-backend/internal/shared/util"
)

// SummaryDocument is the name of the per-policy run summary document.
const SummaryDocument = "_summary"

// ErrNotFound is returned by Get when no document exists at the path.
var ErrNotFound = errors.New("statestore: document not found")

// Store reads and writes documents. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put writes value at path. With merge, top-level fields are merged into
	// an existing document; otherwise the document is replaced.
	Put(ctx context.Context, path Path, value map[string]any, merge bool) error
	Get(ctx context.Context, path Path) (map[string]any, error)
}

// Path is a document address as alternating collection and document segments.
type Path []string

func (p Path) String() string { return strings.Join(p, "/") }

// Validate checks that p addresses a document.
func (p Path) Validate() error {
	if len(p) == 0 || len(p)%2 != 0 {
		return fmt.Errorf("statestore: path %q must have an even, non-zero number of segments", p.String())
	}
	for _, seg := range p {
		if strings.TrimSpace(seg) == "" || strings.Contains(seg, "/") {
			return fmt.Errorf("statestore: invalid segment %q in path %q", seg, p.String())
		}
	}
	return nil
}

// UserKey returns the user segment of a users/... path.
func (p Path) UserKey() string {
	if len(p) >= 2 && p[0] == "users" {
		return p[1]
	}
	return ""
}

// PolicyPrefix returns the document collection path for one user policy.
func PolicyPrefix(userIdentity string, policyIndex int) Path {
	if policyIndex < 1 {
		policyIndex = 1
	}
	return Path{"users", util.SanitizeUserIdentity(userIdentity), "policies", "policy" + strconv.Itoa(policyIndex)}
}

// DocumentPath addresses one named result document.
func DocumentPath(userIdentity string, policyIndex int, name string) Path {
	return append(PolicyPrefix(userIdentity, policyIndex), "documents", name)
}

// SummaryPath addresses the run summary of one user policy.
func SummaryPath(userIdentity string, policyIndex int) Path {
	return DocumentPath(userIdentity, policyIndex, SummaryDocument)
}

// Error describes a failed store operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("statestore %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err looks like a transient connectivity problem
// rather than a rejected request.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P01: admin shutdown
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01"
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded",
			"InternalServerError", "ServiceUnavailable":
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"blocked_by_client",
		"blocked by client",
		"network",
		"unavailable",
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"eof",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func wrap(op string, p Path, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Path: p.String(), Err: err}
}

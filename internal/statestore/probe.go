package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"policy-backend/internal/shared/util"
)

// ProbeResult reports a write-then-read round trip against a store.
type ProbeResult struct {
	Path      string        `json:"path"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latencyMs"`
}

// ProbePath addresses a throwaway connectivity document for a user.
func ProbePath(userIdentity, id string) Path {
	return Path{"users", util.SanitizeUserIdentity(userIdentity), "connection_tests", id}
}

// Probe writes a marker document and reads it back.
func Probe(ctx context.Context, store Store, userIdentity string) (ProbeResult, error) {
	id := uuid.NewString()
	path := ProbePath(userIdentity, id)
	start := time.Now()

	marker := map[string]any{
		"test":      true,
		"probeId":   id,
		"timestamp": start.UTC().Format(time.RFC3339),
	}
	if err := store.Put(ctx, path, marker, false); err != nil {
		return ProbeResult{Path: path.String()}, err
	}
	doc, err := store.Get(ctx, path)
	if err != nil {
		return ProbeResult{Path: path.String()}, err
	}
	if got, _ := doc["probeId"].(string); got != id {
		return ProbeResult{Path: path.String()}, &Error{Op: "probe", Path: path.String(), Err: fmt.Errorf("read back probe %q, want %q", got, id)}
	}
	elapsed := time.Since(start)
	return ProbeResult{Path: path.String(), Latency: elapsed, LatencyMS: elapsed.Milliseconds()}, nil
}

package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"policy-backend/internal/statestore"
)

// restoreConcurrency bounds parallel document reads during Restore.
const restoreConcurrency = 4

// Restore rebuilds the latest stored result for a user policy from the
// summary and per-prompt documents. Prompts listed in the summary but
// missing from the store come back as errors.
func (o *Orchestrator) Restore(ctx context.Context, userIdentity string, policyIndex int) (Result, error) {
	if strings.TrimSpace(userIdentity) == "" {
		return Result{}, ErrMissingIdentity
	}
	if o.Store == nil {
		return Result{}, ErrNotConfigured
	}
	if policyIndex < 1 {
		policyIndex = 1
	}

	summary, err := o.Store.Get(ctx, statestore.SummaryPath(userIdentity, policyIndex))
	if err != nil {
		return Result{}, err
	}
	res := Result{
		ParentContext: summary["parentContext"],
		Results:       make(map[string]PromptResult),
	}
	res.RunID, _ = summary["runId"].(string)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, name := range stringList(summary["promptNames"]) {
		g.Go(func() error {
			doc, err := o.Store.Get(gctx, statestore.DocumentPath(userIdentity, policyIndex, name))
			var pr PromptResult
			switch {
			case errors.Is(err, statestore.ErrNotFound):
				pr = PromptResult{PromptName: name, Error: errorString("result not stored")}
			case err != nil:
				return fmt.Errorf("restore %s: %w", name, err)
			default:
				pr = promptResultFromDocument(name, doc)
			}
			mu.Lock()
			res.Results[name] = pr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Document reads one stored document of a user policy.
func (o *Orchestrator) Document(ctx context.Context, userIdentity string, policyIndex int, name string) (map[string]any, error) {
	if strings.TrimSpace(userIdentity) == "" {
		return nil, ErrMissingIdentity
	}
	if o.Store == nil {
		return nil, ErrNotConfigured
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w %q", ErrInvalidDocument, name)
	}
	return o.Store.Get(ctx, statestore.DocumentPath(userIdentity, policyIndex, name))
}

func promptResultFromDocument(name string, doc map[string]any) PromptResult {
	pr := PromptResult{PromptName: name, Content: doc["content"]}
	if msg, ok := doc["error"].(string); ok {
		pr.Error = errorString(msg)
	}
	if ts, ok := doc["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			pr.Timestamp = parsed.UTC()
		}
	}
	return pr
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Package analyses runs the multi-prompt policy extraction pipeline and serves
// its results over HTTP.
package analyses

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"policy-backend/internal/llm"
	"policy-backend/internal/prompts"
	"policy-backend/internal/repair"
	"policy-backend/internal/shared/metrics"
	"policy-backend/internal/shared/retry"
	"policy-backend/internal/shared/telemetry"
	"policy-backend/internal/statestore"
)

// CatalogSource supplies the prompt battery. *prompts.Loader implements it.
type CatalogSource interface {
	Load(ctx context.Context) (*prompts.Catalog, error)
}

// Orchestrator drives analysis runs. It holds no per-run state, so one
// instance can serve overlapping runs.
type Orchestrator struct {
	Prompts  CatalogSource
	Model    llm.Model
	Store    statestore.Store
	Repairer repair.Repairer

	ModelRetry  retry.Policy
	StoreRetry  retry.Policy
	Concurrency int

	Metrics  *metrics.Metrics
	Progress *Tracker
	Now      func() time.Time
}

// DefaultModelRetry backs off exponentially on overload-shaped model errors.
func DefaultModelRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Backoff:     retry.Exponential,
		Retryable:   llm.IsRetryable,
	}
}

// DefaultStoreRetry backs off linearly on connectivity-shaped store errors.
func DefaultStoreRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Backoff:     retry.Linear,
		Retryable:   statestore.IsRetryable,
	}
}

// NewOrchestrator wires an orchestrator with default retry policies.
func NewOrchestrator(catalog CatalogSource, model llm.Model, store statestore.Store) *Orchestrator {
	return &Orchestrator{
		Prompts:    catalog,
		Model:      model,
		Store:      store,
		Repairer:   repair.JSON{},
		ModelRetry: DefaultModelRetry(),
		StoreRetry: DefaultStoreRetry(),
		Progress:   NewTracker(),
	}
}

// Analyze runs the parent step and then every catalog prompt against files.
// Per-prompt and persistence failures are reported inside the result; only a
// catalog or parent failure returns an error.
func (o *Orchestrator) Analyze(ctx context.Context, files []FileBlob, userIdentity string, policyIndex int) (Result, error) {
	if len(files) == 0 {
		return Result{}, ErrEmptyInput
	}
	userIdentity = strings.TrimSpace(userIdentity)
	if userIdentity == "" {
		return Result{}, ErrMissingIdentity
	}
	if o.Prompts == nil || o.Model == nil {
		return Result{}, ErrNotConfigured
	}
	if policyIndex < 1 {
		policyIndex = 1
	}

	started := o.now()
	runID := uuid.NewString()
	o.Metrics.RunStarted()

	catalog, err := o.Prompts.Load(ctx)
	if err != nil {
		return Result{}, o.fail(ctx, runID, userIdentity, policyIndex, started, &RunError{Stage: StageCatalog, Err: err})
	}

	r := newRun(o, runID, catalog, files, userIdentity, policyIndex, started)
	defer r.close()

	telemetry.Info("analysis.status", r.fields(map[string]any{
		"status":        StatusInProgress,
		"total_prompts": catalog.Len(),
		"files":         len(files),
	}))
	o.Progress.begin(r.key, r.id, catalog.Len())
	defer o.Progress.finish(r.key, r.id)

	if err := r.establishParent(ctx); err != nil {
		return Result{RunID: runID}, o.fail(ctx, runID, userIdentity, policyIndex, started, err)
	}
	r.writeSummaryStart(ctx)
	r.fanOut(ctx)
	r.writeSummaryComplete(ctx)

	res := r.result()
	succeeded, failed := res.Counts()
	elapsed := o.now().Sub(started)
	o.Metrics.RunCompleted(elapsed.Seconds())
	telemetry.Info("analysis.status", r.fields(map[string]any{
		"status":      StatusCompleted,
		"succeeded":   succeeded,
		"failed":      failed,
		"duration_ms": elapsed.Milliseconds(),
	}))
	return res, nil
}

// ProgressOf returns the progress of the latest run for a user policy.
func (o *Orchestrator) ProgressOf(userIdentity string, policyIndex int) (Progress, bool) {
	return o.Progress.Snapshot(userIdentity, policyIndex)
}

func (o *Orchestrator) fail(ctx context.Context, runID, userIdentity string, policyIndex int, started time.Time, err error) error {
	elapsed := o.now().Sub(started)
	o.Metrics.RunFailed(elapsed.Seconds())
	telemetry.Error("analysis.status", map[string]any{
		"request_id":   requestIDFromContext(ctx),
		"run_id":       runID,
		"user":         statestore.PolicyPrefix(userIdentity, policyIndex).UserKey(),
		"policy_index": policyIndex,
		"status":       "failed",
		"error_code":   classifyFailure(err),
		"error":        sanitizeError(err),
		"duration_ms":  elapsed.Milliseconds(),
	})
	return err
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) repairer() repair.Repairer {
	if o.Repairer == nil {
		return repair.JSON{}
	}
	return o.Repairer
}

func (o *Orchestrator) concurrency(total int) int {
	n := o.Concurrency
	if n <= 0 || n > total {
		n = total
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (o *Orchestrator) modelPolicy(ctx context.Context, runID, prompt string) retry.Policy {
	p := o.ModelRetry
	if p.MaxAttempts == 0 && p.Retryable == nil {
		p = DefaultModelRetry()
	}
	if p.Retryable == nil {
		p.Retryable = llm.IsRetryable
	}
	inner := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.Metrics.Retry("model")
		telemetry.Warn("analysis.model.retry", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"run_id":     runID,
			"prompt":     prompt,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error":      sanitizeError(err),
		})
		if inner != nil {
			inner(attempt, err, delay)
		}
	}
	return p
}

func (o *Orchestrator) storePolicy(ctx context.Context, runID, document string) retry.Policy {
	p := o.StoreRetry
	if p.MaxAttempts == 0 && p.Retryable == nil {
		p = DefaultStoreRetry()
	}
	if p.Retryable == nil {
		p.Retryable = statestore.IsRetryable
	}
	inner := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.Metrics.Retry("store")
		telemetry.Warn("statestore.write.retry", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"run_id":     runID,
			"document":   document,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error":      sanitizeError(err),
		})
		if inner != nil {
			inner(attempt, err, delay)
		}
	}
	return p
}

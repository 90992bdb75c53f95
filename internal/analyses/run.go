package analyses

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"policy-backend/internal/llm"
	"policy-backend/internal/prompts"
	"policy-backend/internal/repair"
	"policy-backend/internal/shared/retry"
	"policy-backend/internal/shared/telemetry"
	"policy-backend/internal/statestore"
)

// isoMillis matches the timestamp format the stored documents have always used.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

const seedPreamble = "The following policy context was already extracted from the uploaded documents. " +
	"Treat it as shared background for the request that follows.\n"

// run owns everything that belongs to one Analyze call.
type run struct {
	o           *Orchestrator
	id          string
	catalog     *prompts.Catalog
	user        string
	policyIndex int
	key         string
	files       []FileBlob
	started     time.Time

	parent        *llm.Session
	parentContext any

	mu       sync.Mutex
	sessions []*llm.Session
	results  map[string]PromptResult
}

func newRun(o *Orchestrator, id string, catalog *prompts.Catalog, files []FileBlob, user string, policyIndex int, started time.Time) *run {
	return &run{
		o:           o,
		id:          id,
		catalog:     catalog,
		user:        user,
		policyIndex: policyIndex,
		key:         trackerKey(user, policyIndex),
		files:       files,
		started:     started,
		results:     make(map[string]PromptResult, catalog.Len()),
	}
}

func (r *run) fields(extra map[string]any) map[string]any {
	out := map[string]any{
		"run_id":       r.id,
		"user":         statestore.PolicyPrefix(r.user, r.policyIndex).UserKey(),
		"policy_index": r.policyIndex,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// fileParts returns a fresh slice on every call so callers may append.
func (r *run) fileParts() []llm.Part {
	parts := make([]llm.Part, 0, len(r.files)+1)
	for _, f := range r.files {
		mimeType := f.MIMEType
		if mimeType == "" {
			mimeType = "application/pdf"
		}
		parts = append(parts, llm.InlineFile{Name: f.Name, MIMEType: mimeType, Data: f.Data})
	}
	return parts
}

func (r *run) fileNames() []string {
	names := make([]string, 0, len(r.files))
	for _, f := range r.files {
		names = append(names, f.Name)
	}
	return names
}

func (r *run) track(s *llm.Session) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

func (r *run) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.Close()
	}
	r.sessions = nil
}

func (r *run) establishParent(ctx context.Context) error {
	r.parent = llm.NewSession(r.o.Model)
	r.track(r.parent)

	parts := append(r.fileParts(), llm.Text(r.catalog.ParentPrompt(r.fileNames())))
	raw, err := retry.Do(ctx, r.o.modelPolicy(ctx, r.id, "parent"), func(ctx context.Context) (string, error) {
		return r.parent.Send(ctx, parts...)
	})
	if err != nil {
		return &RunError{Stage: StageParent, Err: err}
	}

	out := r.o.repairer().Repair(raw)
	if out.OK {
		r.parentContext = out.Value
		return nil
	}
	telemetry.Warn("analysis.parent.unparsed", r.fields(map[string]any{
		"error": out.Err().Error(),
	}))
	r.parentContext = fallbackParentContext(out.Diagnostic)
	return nil
}

// fallbackParentContext is used when the parent reply cannot be parsed. It
// keeps the sections the parent prompt asks for so prompts still compose.
func fallbackParentContext(d *repair.Diagnostic) map[string]any {
	ctx := map[string]any{
		"coverage_details":         []any{},
		"exclusions":               []any{},
		"key_terms_and_conditions": []any{},
		"waiting_periods":          []any{},
		"premium_details":          map[string]any{},
		"contradictions":           []any{},
		"error":                    "Invalid JSON response",
	}
	if d != nil {
		ctx["rawContent"] = d.RawContent
		ctx["parsingError"] = d.ParsingError
	}
	return ctx
}

func (r *run) seedText() string {
	raw, err := json.MarshalIndent(r.parentContext, "", "  ")
	if err != nil {
		raw = []byte("{}")
	}
	return seedPreamble + string(raw)
}

func (r *run) writeSummaryStart(ctx context.Context) {
	names := r.catalog.Names()
	r.persist(ctx, statestore.SummaryDocument, statestore.SummaryPath(r.user, r.policyIndex), map[string]any{
		"status":        StatusInProgress,
		"totalPrompts":  len(names),
		"promptNames":   names,
		"startTime":     r.started.Format(isoMillis),
		"timestamp":     r.o.now().Format(isoMillis),
		"parentContext": r.parentContext,
		"runId":         r.id,
	}, false)
}

func (r *run) writeSummaryComplete(ctx context.Context) {
	res := r.result()
	succeeded, failed := res.Counts()
	now := r.o.now().Format(isoMillis)
	r.persist(ctx, statestore.SummaryDocument, statestore.SummaryPath(r.user, r.policyIndex), map[string]any{
		"status":      StatusCompleted,
		"completedAt": now,
		"timestamp":   now,
		"promptNames": r.completedNames(),
		"succeeded":   succeeded,
		"failed":      failed,
	}, true)
}

// completedNames lists prompts with a result, in catalog order.
func (r *run) completedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.results))
	for _, name := range r.catalog.Order {
		if _, ok := r.results[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// fanOut runs every catalog prompt and waits for all of them. Tasks never
// return errors, so one failure cannot cancel its siblings.
func (r *run) fanOut(ctx context.Context) {
	seed := r.seedText()
	g := new(errgroup.Group)
	g.SetLimit(r.o.concurrency(r.catalog.Len()))
	for _, name := range r.catalog.Order {
		body := r.catalog.Entries[name]
		g.Go(func() error {
			pr, raw := r.processPrompt(ctx, name, body, seed)
			r.persistPrompt(ctx, pr, raw)
			r.record(pr)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) processPrompt(ctx context.Context, name, body, seed string) (pr PromptResult, raw string) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.Error("analysis.prompt.panic", r.fields(map[string]any{
				"prompt": name,
				"panic":  fmt.Sprint(rec),
			}))
			pr = PromptResult{PromptName: name, Error: errorString(fmt.Sprintf("panic: %v", rec)), Timestamp: r.o.now()}
			raw = ""
		}
	}()

	session := llm.NewSession(r.o.Model, llm.SeedHistory(seed, "")...)
	r.track(session)

	parts := append(r.fileParts(), llm.Text(prompts.Compose(body, r.parentContext)))
	reply, err := retry.Do(ctx, r.o.modelPolicy(ctx, r.id, name), func(ctx context.Context) (string, error) {
		return session.Send(ctx, parts...)
	})
	ts := r.o.now()
	if err != nil {
		telemetry.Warn("analysis.prompt.failed", r.fields(map[string]any{
			"prompt": name,
			"error":  sanitizeError(err),
		}))
		return PromptResult{PromptName: name, Error: errorString(sanitizeError(err)), Timestamp: ts}, ""
	}

	out := r.o.repairer().Repair(reply)
	if out.OK {
		return PromptResult{PromptName: name, Content: out.Value, Timestamp: ts}, reply
	}
	telemetry.Warn("analysis.prompt.unparsed", r.fields(map[string]any{
		"prompt": name,
		"error":  out.Err().Error(),
	}))
	return PromptResult{PromptName: name, Content: out.Content(), Error: errorString(out.Err().Error()), Timestamp: ts}, reply
}

func (r *run) persistPrompt(ctx context.Context, pr PromptResult, raw string) {
	status := StatusSuccess
	if pr.Failed() {
		status = StatusError
	}
	doc := map[string]any{
		"promptName": pr.PromptName,
		"timestamp":  pr.Timestamp.Format(isoMillis),
		"status":     status,
		"runId":      r.id,
	}
	if pr.Content != nil {
		doc["content"] = pr.Content
	}
	if pr.Error != nil {
		doc["error"] = *pr.Error
	}
	if raw != "" {
		doc["rawResponse"] = raw
	}
	r.persist(ctx, pr.PromptName, statestore.DocumentPath(r.user, r.policyIndex, pr.PromptName), doc, false)
}

func (r *run) record(pr PromptResult) {
	r.mu.Lock()
	r.results[pr.PromptName] = pr
	r.mu.Unlock()

	status := StatusSuccess
	if pr.Failed() {
		status = StatusError
	}
	r.o.Metrics.PromptOutcome(pr.PromptName, status)
	r.o.Progress.advance(r.key, r.id)
}

// persist writes one document with store retries. Failures are logged and
// counted, never returned.
func (r *run) persist(ctx context.Context, document string, path statestore.Path, doc map[string]any, merge bool) bool {
	if r.o.Store == nil {
		return false
	}
	err := retry.Run(ctx, r.o.storePolicy(ctx, r.id, document), func(ctx context.Context) error {
		return r.o.Store.Put(ctx, path, doc, merge)
	})
	if err != nil {
		r.o.Metrics.StoreWriteFailed(document)
		telemetry.Error("statestore.write.failed", r.fields(map[string]any{
			"request_id": requestIDFromContext(ctx),
			"document":   document,
			"path":       path.String(),
			"error":      sanitizeError(err),
		}))
		return false
	}
	return true
}

func (r *run) result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[string]PromptResult, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	return Result{RunID: r.id, ParentContext: r.parentContext, Results: results}
}

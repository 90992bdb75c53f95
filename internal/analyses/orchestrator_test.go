package analyses

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"policy-backend/internal/llm"
	"policy-backend/internal/llm/llmtest"
	"policy-backend/internal/prompts"
	"policy-backend/internal/statestore"
)

const user = "jane.doe@example.com"

func TestAnalyzeRunsFullBatteryAndCompletesSummary(t *testing.T) {
	store := newRecordingStore()
	model := happyModel()
	o := newTestOrchestrator(testLoader(batteryNames...), model, store)

	res, err := o.Analyze(context.Background(), twoFiles(), user, 2)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Results) != 13 {
		t.Fatalf("expected 13 results, got %d", len(res.Results))
	}
	for _, name := range batteryNames {
		pr, ok := res.Results[name]
		if !ok {
			t.Fatalf("missing result for %s", name)
		}
		if pr.Failed() {
			t.Fatalf("%s failed: %s", name, *pr.Error)
		}
		content, _ := pr.Content.(map[string]any)
		if content["section"] != name {
			t.Fatalf("%s: unexpected content %v", name, pr.Content)
		}
		if pr.Timestamp.IsZero() {
			t.Fatalf("%s: timestamp not set", name)
		}
	}
	if res.RunID == "" {
		t.Fatalf("expected run id")
	}

	summaryPath := statestore.SummaryPath(user, 2).String()
	writes := store.writes()
	var summaryWrites []putCall
	lastPrompt, completedAt := -1, -1
	for i, w := range writes {
		if w.path == summaryPath {
			summaryWrites = append(summaryWrites, w)
			if w.doc["status"] == StatusCompleted {
				completedAt = i
			}
			continue
		}
		lastPrompt = i
	}
	if len(summaryWrites) != 2 {
		t.Fatalf("expected 2 summary writes, got %d", len(summaryWrites))
	}
	if summaryWrites[0].doc["status"] != StatusInProgress || summaryWrites[0].merge {
		t.Fatalf("first summary write should replace with in_progress, got %+v", summaryWrites[0])
	}
	if summaryWrites[1].doc["status"] != StatusCompleted || !summaryWrites[1].merge {
		t.Fatalf("second summary write should merge completed, got %+v", summaryWrites[1])
	}
	if completedAt < lastPrompt {
		t.Fatalf("summary completed before every prompt document was written")
	}
	if len(writes) != 15 {
		t.Fatalf("expected 15 writes, got %d", len(writes))
	}

	summary, err := store.Get(context.Background(), statestore.SummaryPath(user, 2))
	if err != nil {
		t.Fatalf("Get summary: %v", err)
	}
	if summary["status"] != StatusCompleted {
		t.Fatalf("unexpected summary status %v", summary["status"])
	}
	if summary["completedAt"] == nil || summary["completedAt"] == "" {
		t.Fatalf("completedAt not set")
	}
	if summary["startTime"] != summaryWrites[0].doc["startTime"] {
		t.Fatalf("startTime overwritten: %v vs %v", summary["startTime"], summaryWrites[0].doc["startTime"])
	}
	if summary["totalPrompts"] != float64(13) {
		t.Fatalf("unexpected totalPrompts %v", summary["totalPrompts"])
	}
	if summary["runId"] != res.RunID {
		t.Fatalf("unexpected runId %v", summary["runId"])
	}

	doc, err := store.Get(context.Background(), statestore.DocumentPath(user, 2, "policydesign"))
	if err != nil {
		t.Fatalf("Get prompt doc: %v", err)
	}
	if doc["status"] != StatusSuccess || doc["rawResponse"] == nil || doc["content"] == nil {
		t.Fatalf("unexpected prompt doc %v", doc)
	}
	if !strings.HasPrefix(statestore.SummaryPath(user, 2).String(), "users/jane,doe@example,com/policies/policy2/") {
		t.Fatalf("unexpected summary path %s", summaryPath)
	}
}

func TestAnalyzeSendsFilesToParentAndSeedsPrompts(t *testing.T) {
	model := happyModel()
	o := newTestOrchestrator(testLoader("policydesign", "maternityfeatures"), model, statestore.NewMemoryStore())

	if _, err := o.Analyze(context.Background(), twoFiles(), user, 1); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	parents := model.CallsContaining(parentMarker)
	if len(parents) != 1 {
		t.Fatalf("expected one parent call, got %d", len(parents))
	}
	if len(parents[0].Files()) != 2 || len(parents[0].History) != 0 {
		t.Fatalf("parent call should carry both files on a fresh session")
	}
	if !strings.Contains(parents[0].Text(), "policy.pdf, schedule.pdf") {
		t.Fatalf("parent prompt should list file names, got %q", parents[0].Text())
	}

	for _, c := range model.CallsContaining("PROMPT:") {
		if len(c.Files()) != 2 {
			t.Fatalf("prompt %s should resend both files", promptOf(c))
		}
		if len(c.History) != 2 {
			t.Fatalf("prompt %s should start from the seeded context, got %d turns", promptOf(c), len(c.History))
		}
		if !strings.Contains(llm.TextOf(c.History[0]), "hospitalization") {
			t.Fatalf("seed turn should carry the parent context")
		}
		if !strings.Contains(c.Text(), "hospitalization") {
			t.Fatalf("prompt body should inline the parent context")
		}
	}
}

func TestAnalyzeIsolatesFailingPrompt(t *testing.T) {
	store := statestore.NewMemoryStore()
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		switch prompt {
		case "parent":
			return parentReply(c), nil
		case "maternityfeatures":
			return "", errors.New("invalid argument: request rejected")
		default:
			return `{"ok": true}`, nil
		}
	})
	o := newTestOrchestrator(testLoader(batteryNames...), model, store)

	res, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Results) != 13 {
		t.Fatalf("expected 13 results, got %d", len(res.Results))
	}
	for name, pr := range res.Results {
		if name == "maternityfeatures" {
			if pr.Error == nil || !strings.Contains(*pr.Error, "request rejected") {
				t.Fatalf("expected error for failing prompt, got %+v", pr)
			}
			continue
		}
		if pr.Error != nil {
			t.Fatalf("sibling %s picked up an error: %s", name, *pr.Error)
		}
	}
	if n := len(model.CallsContaining("PROMPT:maternityfeatures")); n != 1 {
		t.Fatalf("non-retryable error should be tried once, got %d", n)
	}

	doc, err := store.Get(context.Background(), statestore.DocumentPath(user, 1, "maternityfeatures"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["status"] != StatusError || doc["error"] == nil {
		t.Fatalf("unexpected failure doc %v", doc)
	}
	summary, _ := store.Get(context.Background(), statestore.SummaryPath(user, 1))
	if summary["failed"] != float64(1) || summary["succeeded"] != float64(12) {
		t.Fatalf("unexpected summary counts %v/%v", summary["succeeded"], summary["failed"])
	}
}

func TestAnalyzeRetriesOverloadedPrompt(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		if prompt == "parent" {
			return parentReply(c), nil
		}
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return "", errors.New("googleapi: Error 503: The model is overloaded")
		}
		return `{"ok": true}`, nil
	})
	o := newTestOrchestrator(testLoader("policydesign"), model, statestore.NewMemoryStore())

	res, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Results["policydesign"].Failed() {
		t.Fatalf("expected retry to recover, got %s", *res.Results["policydesign"].Error)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	calls := model.CallsContaining("PROMPT:policydesign")
	if len(calls[2].History) != 2 {
		t.Fatalf("failed attempts must not grow the session history")
	}
}

func TestAnalyzeUnreachableStoreStillReturnsResult(t *testing.T) {
	store := &downStore{}
	o := newTestOrchestrator(testLoader(batteryNames...), happyModel(), store)

	res, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Results) != 13 {
		t.Fatalf("expected 13 results, got %d", len(res.Results))
	}
	if _, failed := res.Counts(); failed != 0 {
		t.Fatalf("store failures must not fail prompts, got %d failures", failed)
	}
	// 13 prompt documents plus two summary writes, three attempts each.
	if store.calls != 15*3 {
		t.Fatalf("expected %d store attempts, got %d", 15*3, store.calls)
	}
}

func TestAnalyzeSequentialRunsStartFresh(t *testing.T) {
	model := happyModel()
	o := newTestOrchestrator(testLoader("policydesign", "policyvariants"), model, statestore.NewMemoryStore())

	first, err := o.Analyze(context.Background(), []FileBlob{{Name: "first.pdf", Data: []byte("a")}}, user, 1)
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	before := len(model.Calls())
	second, err := o.Analyze(context.Background(), []FileBlob{{Name: "second.pdf", Data: []byte("b")}}, user, 1)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if first.RunID == second.RunID {
		t.Fatalf("runs should have distinct ids")
	}

	for _, c := range model.Calls()[before:] {
		for _, turn := range c.History {
			if strings.Contains(llm.TextOf(turn), "first.pdf") {
				t.Fatalf("second run saw history from the first run")
			}
		}
		for _, f := range c.Files() {
			if f.Name != "second.pdf" {
				t.Fatalf("second run sent %s", f.Name)
			}
		}
		if promptOf(c) == "parent" && len(c.History) != 0 {
			t.Fatalf("parent session should start empty")
		}
	}
	ctx, _ := second.ParentContext.(map[string]any)
	files, _ := ctx["source_files"].([]any)
	if len(files) != 1 || files[0] != "second.pdf" {
		t.Fatalf("unexpected parent context %v", second.ParentContext)
	}
}

func TestAnalyzeOverlappingRunsStayApart(t *testing.T) {
	model := happyModel()
	store := statestore.NewMemoryStore()
	o := newTestOrchestrator(testLoader(batteryNames...), model, store)

	users := []string{"a@example.com", "b@example.com", "c@example.com"}
	results := make([]Result, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Analyze(context.Background(), []FileBlob{{Name: u + ".pdf", Data: []byte(u)}}, u, 1)
			if err != nil {
				t.Errorf("Analyze %s: %v", u, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	for i, u := range users {
		if len(results[i].Results) != 13 {
			t.Fatalf("%s: expected 13 results, got %d", u, len(results[i].Results))
		}
		ctx, _ := results[i].ParentContext.(map[string]any)
		files, _ := ctx["source_files"].([]any)
		if len(files) != 1 || files[0] != u+".pdf" {
			t.Fatalf("%s: parent context mixed with another run: %v", u, ctx)
		}
		summary, err := store.Get(context.Background(), statestore.SummaryPath(u, 1))
		if err != nil || summary["runId"] != results[i].RunID {
			t.Fatalf("%s: summary belongs to another run: %v %v", u, summary["runId"], err)
		}
	}
}

func TestAnalyzeParentFailureFailsRun(t *testing.T) {
	store := statestore.NewMemoryStore()
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		if prompt == "parent" {
			return "", errors.New("permission denied: API key invalid")
		}
		return `{}`, nil
	})
	o := newTestOrchestrator(testLoader(batteryNames...), model, store)

	_, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageParent {
		t.Fatalf("expected parent RunError, got %v", err)
	}
	var modelErr *llm.ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("expected wrapped ModelError, got %v", err)
	}
	if classifyFailure(err) != ErrorCodeModel {
		t.Fatalf("unexpected code %s", classifyFailure(err))
	}
	if len(model.CallsContaining("PROMPT:")) != 0 {
		t.Fatalf("no prompt should run after a parent failure")
	}
	if paths := store.Paths(); len(paths) != 0 {
		t.Fatalf("nothing should be stored after a parent failure, got %v", paths)
	}
	p, ok := o.ProgressOf(user, 1)
	if !ok || p.Running {
		t.Fatalf("progress should be finished after a failed run: %+v", p)
	}
}

func TestAnalyzeCatalogFailure(t *testing.T) {
	o := newTestOrchestrator(prompts.NewLoader(fstestEmpty()), happyModel(), statestore.NewMemoryStore())

	_, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageCatalog {
		t.Fatalf("expected catalog RunError, got %v", err)
	}
	var loadErr *prompts.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if classifyFailure(err) != ErrorCodeCatalog {
		t.Fatalf("unexpected code %s", classifyFailure(err))
	}
}

func TestAnalyzeUnparsedParentFallsBack(t *testing.T) {
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		if prompt == "parent" {
			return "I could not read these documents, sorry.", nil
		}
		return `{"ok": true}`, nil
	})
	o := newTestOrchestrator(testLoader("policydesign"), model, statestore.NewMemoryStore())

	res, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	ctx, _ := res.ParentContext.(map[string]any)
	if ctx["error"] != "Invalid JSON response" || ctx["rawContent"] == nil {
		t.Fatalf("unexpected fallback context %v", res.ParentContext)
	}
	if _, ok := ctx["coverage_details"]; !ok {
		t.Fatalf("fallback context should keep the section keys")
	}
	if res.Results["policydesign"].Failed() {
		t.Fatalf("prompts should still run on the fallback context")
	}
}

func TestAnalyzeUnparsedPromptKeepsDiagnostic(t *testing.T) {
	store := statestore.NewMemoryStore()
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		if prompt == "parent" {
			return parentReply(c), nil
		}
		return "The policy has no maternity cover.", nil
	})
	o := newTestOrchestrator(testLoader("maternityfeatures"), model, store)

	res, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	pr := res.Results["maternityfeatures"]
	if !pr.Failed() {
		t.Fatalf("expected parse failure")
	}
	diag, _ := pr.Content.(map[string]any)
	if diag["rawContent"] == nil || diag["parsingError"] == nil {
		t.Fatalf("expected diagnostic content, got %v", pr.Content)
	}
	doc, _ := store.Get(context.Background(), statestore.DocumentPath(user, 1, "maternityfeatures"))
	if doc["rawResponse"] != "The policy has no maternity cover." {
		t.Fatalf("raw reply should be stored, got %v", doc["rawResponse"])
	}
}

func TestAnalyzeRecoversPromptPanic(t *testing.T) {
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		switch prompt {
		case "parent":
			return parentReply(c), nil
		case "policydesign":
			panic("boom")
		default:
			return `{}`, nil
		}
	})
	o := newTestOrchestrator(testLoader("policydesign", "policyvariants"), model, statestore.NewMemoryStore())

	res, err := o.Analyze(context.Background(), twoFiles(), user, 1)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	pr := res.Results["policydesign"]
	if pr.Error == nil || !strings.Contains(*pr.Error, "boom") {
		t.Fatalf("expected panic captured as error, got %+v", pr)
	}
	if res.Results["policyvariants"].Failed() {
		t.Fatalf("sibling should succeed")
	}
}

func TestAnalyzeValidatesInput(t *testing.T) {
	o := newTestOrchestrator(testLoader("policydesign"), happyModel(), statestore.NewMemoryStore())

	if _, err := o.Analyze(context.Background(), nil, user, 1); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := o.Analyze(context.Background(), twoFiles(), "  ", 1); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
	if _, err := (&Orchestrator{}).Analyze(context.Background(), twoFiles(), user, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestAnalyzeWithoutStore(t *testing.T) {
	o := newTestOrchestrator(testLoader("policydesign"), happyModel(), nil)
	res, err := o.Analyze(context.Background(), twoFiles(), user, 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(res.Results))
	}
}

func TestAnalyzeHonoursConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	model := scripted(func(prompt string, c llmtest.Call) (string, error) {
		if prompt == "parent" {
			return parentReply(c), nil
		}
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return `{}`, nil
	})
	o := newTestOrchestrator(testLoader(batteryNames...), model, statestore.NewMemoryStore())
	o.Concurrency = 2

	if _, err := o.Analyze(context.Background(), twoFiles(), user, 1); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent prompts, saw %d", peak)
	}
}

package analyses

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing/fstest"
	"time"

	"policy-backend/internal/llm"
	"policy-backend/internal/llm/llmtest"
	"policy-backend/internal/prompts"
	"policy-backend/internal/statestore"
)

const parentMarker = "PARENT"

var batteryNames = []string{
	"policyvariants", "policydesign", "permanentexclusions", "hospitalizationexpensecoverage",
	"maternityfeatures", "premiumreduction", "treatmentcoverage", "nontreatmentbenefits",
	"optionalbenefits", "policyholderobligations", "benefitshavingsublimits",
	"exclusionswithwaitingperiods", "sienhancement",
}

func noSleep(context.Context, time.Duration) error { return nil }

// testLoader builds a catalog whose bodies identify their prompt.
func testLoader(names ...string) *prompts.Loader {
	fsys := fstest.MapFS{
		"parent.txt": {Data: []byte(parentMarker + " documents: {{FILE_NAMES}}")},
	}
	var m strings.Builder
	m.WriteString("parent: parent.txt\nprompts:\n")
	for _, n := range names {
		m.WriteString("  - name: " + n + "\n")
		fsys[n+".txt"] = &fstest.MapFile{Data: []byte("PROMPT:" + n)}
	}
	fsys["catalog.yaml"] = &fstest.MapFile{Data: []byte(m.String())}
	return prompts.NewLoader(fsys)
}

// promptOf names the prompt a recorded call was made for.
func promptOf(c llmtest.Call) string {
	text := c.Text()
	if strings.HasPrefix(text, parentMarker) {
		return "parent"
	}
	rest := strings.TrimPrefix(text, "PROMPT:")
	if i := strings.IndexAny(rest, "\n "); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// scripted answers each prompt through fn. The parent reply echoes the
// uploaded file names.
func scripted(fn func(prompt string, c llmtest.Call) (string, error)) *llmtest.Model {
	return &llmtest.Model{Respond: func(c llmtest.Call) (string, error) {
		return fn(promptOf(c), c)
	}}
}

func happyModel() *llmtest.Model {
	return scripted(func(prompt string, c llmtest.Call) (string, error) {
		if prompt == "parent" {
			return parentReply(c), nil
		}
		return fmt.Sprintf("```json\n{\"section\": %q, \"items\": [1, 2,]}\n```", prompt), nil
	})
}

func parentReply(c llmtest.Call) string {
	var names []string
	for _, f := range c.Files() {
		names = append(names, f.Name)
	}
	raw, _ := json.Marshal(map[string]any{
		"source_files":     names,
		"coverage_details": []string{"hospitalization"},
	})
	return string(raw)
}

func newTestOrchestrator(source CatalogSource, model llm.Model, store statestore.Store) *Orchestrator {
	o := NewOrchestrator(source, model, store)
	o.ModelRetry = o.ModelRetry.WithSleep(noSleep)
	o.StoreRetry = o.StoreRetry.WithSleep(noSleep)
	return o
}

func twoFiles() []FileBlob {
	return []FileBlob{
		{Name: "policy.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4 a")},
		{Name: "schedule.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4 b")},
	}
}

type putCall struct {
	path  string
	doc   map[string]any
	merge bool
}

// recordingStore logs every successful write in order.
type recordingStore struct {
	*statestore.MemoryStore

	mu   sync.Mutex
	puts []putCall
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: statestore.NewMemoryStore()}
}

func (s *recordingStore) Put(ctx context.Context, p statestore.Path, doc map[string]any, merge bool) error {
	if err := s.MemoryStore.Put(ctx, p, doc, merge); err != nil {
		return err
	}
	s.mu.Lock()
	s.puts = append(s.puts, putCall{path: p.String(), doc: doc, merge: merge})
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) writes() []putCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]putCall(nil), s.puts...)
}

// downStore fails every operation with a connectivity error.
type downStore struct {
	mu    sync.Mutex
	calls int
}

func (s *downStore) Put(context.Context, statestore.Path, map[string]any, bool) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return fmt.Errorf("dial tcp 10.0.0.1:5432: connection refused")
}

func (s *downStore) Get(context.Context, statestore.Path) (map[string]any, error) {
	return nil, fmt.Errorf("dial tcp 10.0.0.1:5432: connection refused")
}

func fstestEmpty() fstest.MapFS { return fstest.MapFS{} }

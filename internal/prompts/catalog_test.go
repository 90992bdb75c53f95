package prompts

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"
)

var expectedNames = []string{
	"policyvariants", "policydesign", "permanentexclusions", "hospitalizationexpensecoverage",
	"maternityfeatures", "premiumreduction", "treatmentcoverage", "nontreatmentbenefits",
	"optionalbenefits", "policyholderobligations", "benefitshavingsublimits",
	"exclusionswithwaitingperiods", "sienhancement",
}

func TestDefaultLoaderHasFullBattery(t *testing.T) {
	cat, err := NewDefaultLoader("").Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != len(expectedNames) {
		t.Fatalf("expected %d prompts, got %d", len(expectedNames), cat.Len())
	}
	for i, name := range expectedNames {
		if cat.Order[i] != name {
			t.Fatalf("order[%d] = %q, want %q", i, cat.Order[i], name)
		}
		if !strings.Contains(cat.Entries[name], parentContextPlaceholder) {
			t.Fatalf("template %s lacks context placeholder", name)
		}
	}
	parent := cat.ParentPrompt([]string{"wording.pdf", "brochure.pdf"})
	if !strings.Contains(parent, "wording.pdf, brochure.pdf") {
		t.Fatalf("parent prompt missing file names: %s", parent)
	}
}

func TestLoadSkipsMissingNamedTemplate(t *testing.T) {
	fsys := fstest.MapFS{
		"catalog.yaml": {Data: []byte("parent: parent.txt\nprompts:\n  - name: a\n    file: a.txt\n  - name: b\n    file: b.txt\n  - name: c\n")},
		"parent.txt":   {Data: []byte("parent for {{FILE_NAMES}}")},
		"a.txt":        {Data: []byte("prompt a")},
		"c.txt":        {Data: []byte("prompt c")},
	}
	cat, err := NewLoader(fsys).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cat.Names(), ","); got != "a,c" {
		t.Fatalf("expected a,c got %s", got)
	}
}

func TestLoadMissingParentIsLoadError(t *testing.T) {
	fsys := fstest.MapFS{
		"catalog.yaml": {Data: []byte("parent: parent.txt\nprompts:\n  - name: a\n")},
		"a.txt":        {Data: []byte("prompt a")},
	}
	_, err := NewLoader(fsys).Load(context.Background())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if loadErr.Path != "parent.txt" {
		t.Fatalf("unexpected path %q", loadErr.Path)
	}
}

func TestLoadFailureIsNotCached(t *testing.T) {
	fsys := fstest.MapFS{
		"catalog.yaml": {Data: []byte("parent: parent.txt\nprompts:\n  - name: a\n")},
		"a.txt":        {Data: []byte("prompt a")},
	}
	l := NewLoader(fsys)
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatalf("expected first load to fail")
	}
	fsys["parent.txt"] = &fstest.MapFile{Data: []byte("parent")}
	cat, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("expected second load to succeed: %v", err)
	}
	if cat.Len() != 1 || l.Loads() != 2 {
		t.Fatalf("unexpected state len=%d loads=%d", cat.Len(), l.Loads())
	}
}

type gatedFS struct {
	fs.FS
	gate <-chan struct{}
	once sync.Once
}

func (g *gatedFS) Open(name string) (fs.File, error) {
	g.once.Do(func() { <-g.gate })
	return g.FS.Open(name)
}

func TestConcurrentCallersShareOneLoad(t *testing.T) {
	gate := make(chan struct{})
	base := fstest.MapFS{
		"catalog.yaml": {Data: []byte("parent: parent.txt\nprompts:\n  - name: a\n")},
		"parent.txt":   {Data: []byte("parent")},
		"a.txt":        {Data: []byte("prompt a")},
	}
	l := NewLoader(&gatedFS{FS: base, gate: gate})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Catalog, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Load(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different catalog", i)
		}
	}
	if l.Loads() != 1 {
		t.Fatalf("expected a single load, got %d", l.Loads())
	}
}

func TestComposeInlinesContext(t *testing.T) {
	got := Compose("before\n{{PARENT_CONTEXT}}\nafter", map[string]any{"insurer": "Acme"})
	if !strings.Contains(got, `"insurer": "Acme"`) || strings.Contains(got, parentContextPlaceholder) {
		t.Fatalf("unexpected composition: %s", got)
	}
	if !strings.HasPrefix(got, "before\n") || !strings.HasSuffix(got, "\nafter") {
		t.Fatalf("surrounding text lost: %s", got)
	}

	appended := Compose("no placeholder", nil)
	if !strings.HasPrefix(appended, "no placeholder\n\n") || !strings.HasSuffix(appended, "null") {
		t.Fatalf("unexpected appended composition: %s", appended)
	}
}

// Package prompts loads the named prompt battery and the parent prompt that
// establishes the shared policy context.
package prompts

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"policy-backend/internal/shared/telemetry"
)

const (
	// DefaultManifest is the catalog file looked up at the root of the loader FS.
	DefaultManifest = "catalog.yaml"

	parentContextPlaceholder = "{{PARENT_CONTEXT}}"
	fileNamesPlaceholder     = "{{FILE_NAMES}}"
)

//go:embed templates/*
var embedded embed.FS

// Catalog is a loaded prompt battery. It is read-only once returned.
type Catalog struct {
	Parent  string
	Entries map[string]string
	Order   []string
}

// Len returns the number of named prompts.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Order)
}

// Names returns the prompt names in manifest order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.Order...)
}

// ParentPrompt renders the parent template for the given file names.
func (c *Catalog) ParentPrompt(fileNames []string) string {
	names := strings.Join(fileNames, ", ")
	if strings.Contains(c.Parent, fileNamesPlaceholder) {
		return strings.ReplaceAll(c.Parent, fileNamesPlaceholder, names)
	}
	return c.Parent + "\n\nDocuments: " + names
}

// Compose inlines the serialized parent context into a named prompt body.
func Compose(body string, parentContext any) string {
	ctxJSON, err := json.MarshalIndent(parentContext, "", "  ")
	if err != nil {
		ctxJSON = []byte("null")
	}
	block := "Policy context extracted from the uploaded documents:\n" + string(ctxJSON)
	if strings.Contains(body, parentContextPlaceholder) {
		return strings.ReplaceAll(body, parentContextPlaceholder, block)
	}
	return body + "\n\n" + block
}

// LoadError reports a catalog that cannot be used at all.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load prompt catalog %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type manifest struct {
	Parent  string          `yaml:"parent"`
	Prompts []manifestEntry `yaml:"prompts"`
}

type manifestEntry struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

// Loader reads a catalog once and hands the same value to every caller.
// Callers arriving during the load wait for it instead of starting another.
// A failed load is not cached.
type Loader struct {
	FS       fs.FS
	Manifest string

	mu       sync.Mutex
	inflight chan struct{}
	catalog  *Catalog
	lastErr  error
	loads    atomic.Int32
}

// NewLoader returns a loader reading from fsys.
func NewLoader(fsys fs.FS) *Loader {
	return &Loader{FS: fsys, Manifest: DefaultManifest}
}

// NewDefaultLoader reads from dir when set, otherwise from the templates
// compiled into the binary.
func NewDefaultLoader(dir string) *Loader {
	if strings.TrimSpace(dir) != "" {
		return NewLoader(os.DirFS(dir))
	}
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded templates: %v", err))
	}
	return NewLoader(sub)
}

// Load returns the catalog, reading it on first use.
func (l *Loader) Load(ctx context.Context) (*Catalog, error) {
	for {
		l.mu.Lock()
		if l.catalog != nil {
			cat := l.catalog
			l.mu.Unlock()
			return cat, nil
		}
		if ch := l.inflight; ch != nil {
			l.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			l.mu.Lock()
			cat, err := l.catalog, l.lastErr
			l.mu.Unlock()
			if cat != nil {
				return cat, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		ch := make(chan struct{})
		l.inflight = ch
		l.mu.Unlock()

		cat, err := l.read()

		l.mu.Lock()
		if err == nil {
			l.catalog = cat
		}
		l.lastErr = err
		l.inflight = nil
		close(ch)
		l.mu.Unlock()
		return cat, err
	}
}

// Loads reports how many times the catalog was read from the FS.
func (l *Loader) Loads() int { return int(l.loads.Load()) }

func (l *Loader) read() (*Catalog, error) {
	l.loads.Add(1)
	if l.FS == nil {
		return nil, &LoadError{Path: l.manifestPath(), Err: errors.New("no filesystem configured")}
	}
	path := l.manifestPath()
	raw, err := fs.ReadFile(l.FS, path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if strings.TrimSpace(m.Parent) == "" {
		return nil, &LoadError{Path: path, Err: errors.New("manifest has no parent template")}
	}
	parent, err := fs.ReadFile(l.FS, m.Parent)
	if err != nil {
		return nil, &LoadError{Path: m.Parent, Err: err}
	}
	if strings.TrimSpace(string(parent)) == "" {
		return nil, &LoadError{Path: m.Parent, Err: errors.New("parent template is empty")}
	}

	cat := &Catalog{Parent: string(parent), Entries: make(map[string]string, len(m.Prompts))}
	for _, e := range m.Prompts {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		if _, dup := cat.Entries[name]; dup {
			telemetry.Warn("prompts.duplicate_name", map[string]any{"name": name})
			continue
		}
		file := e.File
		if file == "" {
			file = name + ".txt"
		}
		body, err := fs.ReadFile(l.FS, file)
		if err != nil || strings.TrimSpace(string(body)) == "" {
			fields := map[string]any{"name": name, "file": file}
			if err != nil {
				fields["err"] = err.Error()
			}
			telemetry.Warn("prompts.template_missing", fields)
			continue
		}
		cat.Entries[name] = string(body)
		cat.Order = append(cat.Order, name)
	}
	telemetry.Info("prompts.loaded", map[string]any{"count": len(cat.Order)})
	return cat, nil
}

func (l *Loader) manifestPath() string {
	if l.Manifest == "" {
		return DefaultManifest
	}
	return l.Manifest
}

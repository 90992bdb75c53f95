// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"policy-backend/internal/llm"
)

// Call records one Generate invocation.
type Call struct {
	History []llm.Content
	Parts   []llm.Part
}

// Text returns the concatenated text parts of the call.
func (c Call) Text() string {
	return PartsText(c.Parts)
}

// Files returns the inline files sent with the call.
func (c Call) Files() []llm.InlineFile {
	var out []llm.InlineFile
	for _, p := range c.Parts {
		if f, ok := p.(llm.InlineFile); ok {
			out = append(out, f)
		}
	}
	return out
}

// Model answers every call with Respond and records it. Safe for concurrent use.
type Model struct {
	Respond func(call Call) (string, error)

	mu    sync.Mutex
	calls []Call
}

// Generate implements llm.Model.
func (m *Model) Generate(ctx context.Context, history []llm.Content, parts []llm.Part) (string, error) {
	call := Call{History: append([]llm.Content(nil), history...), Parts: append([]llm.Part(nil), parts...)}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Respond == nil {
		return "{}", nil
	}
	return m.Respond(call)
}

// Calls returns every recorded call.
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsContaining returns the recorded calls whose text contains substr.
func (m *Model) CallsContaining(substr string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if strings.Contains(c.Text(), substr) {
			out = append(out, c)
		}
	}
	return out
}

// PartsText concatenates the text parts.
func PartsText(parts []llm.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if t, ok := p.(llm.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

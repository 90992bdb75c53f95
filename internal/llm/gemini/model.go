// Package gemini adapts Google's Gemini API to llm.Model.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"policy-backend/internal/llm"
)

const (
	DefaultModel           = "gemini-2.0-flash"
	DefaultMaxOutputTokens = 8192
)

// Model implements llm.Model on top of a genai client.
type Model struct {
	client          *genai.Client
	modelID         string
	maxOutputTokens int32
}

// New creates a Gemini-backed model using an API key.
func New(ctx context.Context, apiKey, modelID string, maxOutputTokens int) (*Model, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = DefaultModel
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = DefaultMaxOutputTokens
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Model{client: client, modelID: modelID, maxOutputTokens: int32(maxOutputTokens)}, nil
}

// Generate implements llm.Model.
func (m *Model) Generate(ctx context.Context, history []llm.Content, parts []llm.Part) (string, error) {
	if len(parts) == 0 {
		return "", errors.New("gemini: message has no parts")
	}
	gm := m.client.GenerativeModel(m.modelID)
	gm.SetMaxOutputTokens(m.maxOutputTokens)

	cs := gm.StartChat()
	cs.History = toContents(history)

	resp, err := cs.SendMessage(ctx, toParts(parts)...)
	if err != nil {
		return "", fmt.Errorf("gemini: send message: %w", err)
	}
	return responseText(resp)
}

// Close releases the underlying client.
func (m *Model) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func toContents(history []llm.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, c := range history {
		ps := toParts(c.Parts)
		if len(ps) == 0 {
			continue
		}
		role := "user"
		if c.Role == llm.RoleModel {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: ps})
	}
	return out
}

func toParts(parts []llm.Part) []genai.Part {
	out := make([]genai.Part, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case llm.Text:
			if strings.TrimSpace(string(v)) == "" {
				continue
			}
			out = append(out, genai.Text(v))
		case llm.InlineFile:
			// The SDK base64-encodes blob data on the wire.
			out = append(out, genai.Blob{MIMEType: v.MIMEType, Data: v.Data})
		}
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini: no candidates returned")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty content (finish reason %s)", candidate.FinishReason.String())
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String(), nil
}

var _ llm.Model = (*Model)(nil)

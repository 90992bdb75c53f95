// Package llm defines the conversational model boundary: message parts,
// turn history, and sessions that accumulate history across sends.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one element of a message.
type Part interface {
	isPart()
}

// Text is a plain text part.
type Text string

func (Text) isPart() {}

// InlineFile is a binary document sent with a message. Encoding for the
// wire is the model adapter's concern.
type InlineFile struct {
	Name     string
	MIMEType string
	Data     []byte
}

func (InlineFile) isPart() {}

// Content is one turn of a conversation.
type Content struct {
	Role  Role
	Parts []Part
}

// Model sends parts on top of history and returns the reply text.
// Implementations must not retain or mutate history.
type Model interface {
	Generate(ctx context.Context, history []Content, parts []Part) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, history []Content, parts []Part) (string, error)

// Generate implements Model.
func (f ModelFunc) Generate(ctx context.Context, history []Content, parts []Part) (string, error) {
	return f(ctx, history, parts)
}

var (
	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("llm: session closed")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// ModelError wraps a failure reported by the model transport.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("model: %v", e.Err)
	}
	return fmt.Sprintf("model %s: %v", e.Op, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// TextOf concatenates the text parts of c.
func TextOf(c Content) string {
	var out string
	for _, p := range c.Parts {
		if t, ok := p.(Text); ok {
			out += string(t)
		}
	}
	return out
}

type wirePart struct {
	Text     *string `json:"text,omitempty"`
	Name     string  `json:"name,omitempty"`
	MIMEType string  `json:"mimeType,omitempty"`
	Data     []byte  `json:"data,omitempty"`
}

type wireContent struct {
	Role  Role       `json:"role"`
	Parts []wirePart `json:"parts"`
}

// MarshalJSON encodes a turn for history persistence.
func (c Content) MarshalJSON() ([]byte, error) {
	w := wireContent{Role: c.Role, Parts: make([]wirePart, 0, len(c.Parts))}
	for _, p := range c.Parts {
		switch v := p.(type) {
		case Text:
			s := string(v)
			w.Parts = append(w.Parts, wirePart{Text: &s})
		case InlineFile:
			w.Parts = append(w.Parts, wirePart{Name: v.Name, MIMEType: v.MIMEType, Data: v.Data})
		default:
			return nil, fmt.Errorf("llm: unsupported part %T", p)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a turn written by MarshalJSON.
func (c *Content) UnmarshalJSON(data []byte) error {
	var w wireContent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Role = w.Role
	c.Parts = make([]Part, 0, len(w.Parts))
	for _, p := range w.Parts {
		if p.Text != nil {
			c.Parts = append(c.Parts, Text(*p.Text))
			continue
		}
		c.Parts = append(c.Parts, InlineFile{Name: p.Name, MIMEType: p.MIMEType, Data: p.Data})
	}
	return nil
}

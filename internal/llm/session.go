package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Session is a conversation with its own append-only history. Sends on one
// session are serialized; sessions are never shared between runs.
type Session struct {
	ID string

	model   Model
	mu      sync.Mutex
	history []Content
	closed  bool
}

// NewSession starts a session on model seeded with history.
func NewSession(model Model, history ...Content) *Session {
	return &Session{
		ID:      uuid.NewString(),
		model:   model,
		history: append([]Content(nil), history...),
	}
}

// Send delivers parts as the next user turn. On success the user turn and
// the reply are appended to history; on failure history is unchanged.
func (s *Session) Send(ctx context.Context, parts ...Part) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.model == nil {
		return "", &ModelError{Op: "send", Err: ErrSessionClosed}
	}

	snapshot := append([]Content(nil), s.history...)
	reply, err := s.model.Generate(ctx, snapshot, parts)
	if err != nil {
		return "", &ModelError{Op: "send", Err: err}
	}
	if strings.TrimSpace(reply) == "" {
		return "", &ModelError{Op: "send", Err: ErrEmptyResponse}
	}
	s.history = append(s.history,
		Content{Role: RoleUser, Parts: append([]Part(nil), parts...)},
		Content{Role: RoleModel, Parts: []Part{Text(reply)}},
	)
	return reply, nil
}

// History returns a copy of the turns so far.
func (s *Session) History() []Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Content(nil), s.history...)
}

// Close discards the session. Further sends fail with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.history = nil
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SeedHistory builds a synthetic opening exchange carrying context, so that
// the first real send already has it in history.
func SeedHistory(contextText, ack string) []Content {
	if ack == "" {
		ack = "Understood. I will answer using this context."
	}
	return []Content{
		{Role: RoleUser, Parts: []Part{Text(contextText)}},
		{Role: RoleModel, Parts: []Part{Text(ack)}},
	}
}

package chat

import (
	"context"
	"errors"
	"sync"
)

// Registry tracks the open chat session of each owner. Binding again for
// an owner discards that owner's previous session.
type Registry struct {
	binder *Binder

	mu      sync.Mutex
	byID    map[string]*Session
	byOwner map[string]string
}

func NewRegistry(b *Binder) *Registry {
	return &Registry{
		binder:  b,
		byID:    make(map[string]*Session),
		byOwner: make(map[string]string),
	}
}

// Bind opens a session for owner on result and returns it.
func (r *Registry) Bind(ctx context.Context, owner string, result any) (*Session, error) {
	s, err := r.binder.Bind(ctx, owner, result)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	var prev *Session
	if prevID, ok := r.byOwner[owner]; ok {
		prev = r.byID[prevID]
		delete(r.byID, prevID)
	}
	r.byID[s.ID] = s
	r.byOwner[owner] = s.ID
	r.mu.Unlock()

	if prev != nil {
		r.binder.Discard(ctx, prev)
	}
	return s, nil
}

// Lookup returns owner's session id, resuming it from history if this
// process has not seen it.
func (r *Registry) Lookup(ctx context.Context, owner, id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if ok {
		if s.Owner != owner {
			return nil, ErrUnboundSession
		}
		return s, nil
	}

	s, err := r.binder.Resume(ctx, id)
	if errors.Is(err, ErrHistoryNotFound) {
		return nil, ErrUnboundSession
	}
	if err != nil {
		return nil, err
	}
	if s.Owner != owner {
		return nil, ErrUnboundSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byOwner[owner]; ok && current != id {
		// A newer session was bound since this one was saved.
		return nil, ErrUnboundSession
	}
	if existing, ok := r.byID[id]; ok {
		return existing, nil
	}
	r.byID[id] = s
	r.byOwner[owner] = id
	return s, nil
}

// Ask looks up the session and sends question on it.
func (r *Registry) Ask(ctx context.Context, owner, id, question string) (string, error) {
	s, err := r.Lookup(ctx, owner, id)
	if err != nil {
		return "", err
	}
	return r.binder.Ask(ctx, s, question)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

package statestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process. Values are normalized through JSON
// so reads look the same as from the persistent backends.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]any
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any)}
}

func (s *MemoryStore) Put(ctx context.Context, path Path, value map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := path.Validate(); err != nil {
		return wrap("put", path, err)
	}
	normalized, err := normalize(value)
	if err != nil {
		return wrap("put", path, err)
	}

	key := path.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.docs[key]
	if !merge || !ok {
		s.docs[key] = normalized
		return nil
	}
	for k, v := range normalized {
		existing[k] = v
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path Path) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := path.Validate(); err != nil {
		return nil, wrap("get", path, err)
	}
	s.mu.RLock()
	doc, ok := s.docs[path.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return normalize(doc)
}

// Paths lists stored document paths in sorted order.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for k := range s.docs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(value map[string]any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

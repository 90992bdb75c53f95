package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGStore persists documents in the state_documents table as JSONB.
type PGStore struct {
	DB  *sql.DB
	Now func() time.Time
}

const (
	pgUpsertMerge = `
INSERT INTO state_documents (path, user_key, data, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $4)
ON CONFLICT (path) DO UPDATE
SET data = state_documents.data || EXCLUDED.data,
    updated_at = EXCLUDED.updated_at`

	pgUpsertReplace = `
INSERT INTO state_documents (path, user_key, data, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $4)
ON CONFLICT (path) DO UPDATE
SET data = EXCLUDED.data,
    updated_at = EXCLUDED.updated_at`

	pgSelect = `SELECT data FROM state_documents WHERE path = $1`
)

func (s *PGStore) Put(ctx context.Context, path Path, value map[string]any, merge bool) error {
	if err := path.Validate(); err != nil {
		return wrap("put", path, err)
	}
	if value == nil {
		value = map[string]any{}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return wrap("put", path, err)
	}
	query := pgUpsertReplace
	if merge {
		query = pgUpsertMerge
	}
	if _, err := s.DB.ExecContext(ctx, query, path.String(), path.UserKey(), data, s.now()); err != nil {
		return wrap("put", path, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, path Path) (map[string]any, error) {
	if err := path.Validate(); err != nil {
		return nil, wrap("get", path, err)
	}
	var raw []byte
	if err := s.DB.QueryRowContext(ctx, pgSelect, path.String()).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, wrap("get", path, err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *PGStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ Store = (*PGStore)(nil)

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"policy-backend/internal/llm"
)

const historyTTL = 24 * time.Hour

var ErrHistoryNotFound = errors.New("chat: no stored history")

// Record is the persisted form of a chat session.
type Record struct {
	Owner     string        `json:"owner"`
	CreatedAt time.Time     `json:"createdAt"`
	History   []llm.Content `json:"history"`
}

// HistoryStore persists chat sessions so they survive a restart.
type HistoryStore interface {
	Save(ctx context.Context, id string, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
}

// NopHistoryStore keeps nothing.
type NopHistoryStore struct{}

func (NopHistoryStore) Save(context.Context, string, Record) error { return nil }

func (NopHistoryStore) Load(context.Context, string) (Record, error) {
	return Record{}, ErrHistoryNotFound
}

func (NopHistoryStore) Delete(context.Context, string) error { return nil }

// RedisHistoryStore keeps chat history in Redis with a sliding TTL.
type RedisHistoryStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisHistoryStore(client *redis.Client) *RedisHistoryStore {
	if client == nil {
		panic("chat: redis client cannot be nil")
	}
	return &RedisHistoryStore{redis: client, ttl: historyTTL}
}

func (s *RedisHistoryStore) Save(ctx context.Context, id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("chat: failed to marshal history: %w", err)
	}
	if err := s.redis.Set(ctx, historyKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("chat: failed to persist history: %w", err)
	}
	return nil
}

func (s *RedisHistoryStore) Load(ctx context.Context, id string) (Record, error) {
	data, err := s.redis.Get(ctx, historyKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrHistoryNotFound
		}
		return Record{}, fmt.Errorf("chat: failed to load history: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("chat: failed to decode history: %w", err)
	}
	return rec, nil
}

func (s *RedisHistoryStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, historyKey(id)).Err(); err != nil {
		return fmt.Errorf("chat: failed to delete history: %w", err)
	}
	return nil
}

func historyKey(id string) string {
	return fmt.Sprintf("chat:session:%s", id)
}

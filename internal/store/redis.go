package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/offload/internal/model"
)

const (
	redisKeyPrefix = "offload:task:"
	redisIndexKey  = "offload:tasks"
)

func taskKey(id string) string { return redisKeyPrefix + id }

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis. Each record is one JSON value; a
// sorted set scored by creation time indexes all ids. The store assumes it is
// the only writer for its key prefix.
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
}

// NewRedisClient creates a Redis client for addr (host:port).
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// NewRedisStore wraps client and verifies connectivity. The store owns the
// client and closes it on Close.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Insert creates a pending record.
func (s *RedisStore) Insert(ctx context.Context, id, route string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)
	t := &model.Task{
		TransactionID: id,
		Route:         route,
		Payload:       normalizePayload(payload),
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	// The record and its index entry are written in one MULTI/EXEC. ZADD NX
	// leaves the creation score of an existing id untouched.
	var set *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.SetNX(ctx, taskKey(id), data, 0)
		pipe.ZAddNX(ctx, redisIndexKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return unavailable("redis insert "+id, err)
	}
	if !set.Val() {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}
	return nil
}

// Update stores the handler outcome for a pending record.
func (s *RedisStore) Update(ctx context.Context, id string, status model.Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := updateTransition(t.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	t.Status = status
	t.Result = result
	t.UpdatedAt = now
	t.FinishedAt = &now
	return s.put(ctx, t)
}

// Get retrieves a record by transaction id.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.get(ctx, id)
}

// Complete archives or deletes a record.
func (s *RedisStore) Complete(ctx context.Context, id string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if purge {
		return s.delete(ctx, id)
	}

	t, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	change, err := completeTransition(t.Status)
	if err != nil || !change {
		return err
	}
	return s.markCompleted(ctx, t)
}

// Acknowledge returns the stored record and archives it if it was ready.
func (s *RedisStore) Acknowledge(ctx context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusReady {
		return t, nil
	}
	observed := *t
	if err := s.markCompleted(ctx, t); err != nil {
		return nil, err
	}
	return &observed, nil
}

// List returns every retained record in creation order.
func (s *RedisStore) List(ctx context.Context) ([]*model.Task, error) {
	return s.filter(ctx, func(*model.Task) bool { return true })
}

// ListByStatus returns records with the given status in creation order.
func (s *RedisStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	return s.filter(ctx, func(t *model.Task) bool { return t.Status == status })
}

// PurgeCompleted deletes completed records last touched before cutoff.
func (s *RedisStore) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.filter(ctx, func(t *model.Task) bool {
		return t.Status == model.StatusCompleted && t.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	for _, t := range expired {
		if err := s.delete(ctx, t.TransactionID); err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return len(expired), nil
}

// Stats returns record counts grouped by status and by route.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := newStats()
	for _, t := range tasks {
		stats.Total++
		stats.ByState[string(t.Status)]++
		stats.ByRoute[t.Route]++
	}
	return stats, nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*model.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get "+id, err)
	}
	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) put(ctx context.Context, t *model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(t.TransactionID), data, 0).Err(); err != nil {
		return unavailable("redis set "+t.TransactionID, err)
	}
	return nil
}

func (s *RedisStore) markCompleted(ctx context.Context, t *model.Task) error {
	t.Status = model.StatusCompleted
	t.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	return s.put(ctx, t)
}

func (s *RedisStore) delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, taskKey(id))
		pipe.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return unavailable("redis delete "+id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// filter loads all indexed records and keeps those matching keep.
func (s *RedisStore) filter(ctx context.Context, keep func(*model.Task) bool) ([]*model.Task, error) {
	ids, err := s.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("redis list", err)
	}
	tasks := []*model.Task{}
	if len(ids) == 0 {
		return tasks, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("redis mget", err)
	}

	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a value; the record was deleted concurrently.
			continue
		}
		var t model.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		if keep(&t) {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}

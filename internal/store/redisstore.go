package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/callhook/model"
)

// RedisStore is a Redis-backed Store for deployments that already run
// Redis and want one fewer moving part than Postgres. Grounded on
// RedisIdempotencyStore's key-with-TTL pattern; due-request recovery is
// backed by a sorted set keyed on next_attempt_at.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a new Redis-backed Store. keyPrefix namespaces the
// record and due-set keys, e.g. "callhook".
func NewRedisStore(client redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "callhook"
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) recordKey(requestID string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, requestID)
}

func (s *RedisStore) dueKey() string {
	return s.prefix + ":due"
}

func (s *RedisStore) save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(rec.Request.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %q: %w", rec.Request.ID, err)
	}

	switch rec.State {
	case StateSucceeded, StateFailedPermanent:
		if err := s.client.ZRem(ctx, s.dueKey(), rec.Request.ID).Err(); err != nil {
			return fmt.Errorf("store: redis zrem %q: %w", rec.Request.ID, err)
		}
	default:
		score := float64(rec.NextAttemptAt.UnixNano())
		if err := s.client.ZAdd(ctx, s.dueKey(), redis.Z{Score: score, Member: rec.Request.ID}).Err(); err != nil {
			return fmt.Errorf("store: redis zadd %q: %w", rec.Request.ID, err)
		}
	}
	return nil
}

// MarkNew implements Store.
func (s *RedisStore) MarkNew(ctx context.Context, req model.CallbackRequest) error {
	return s.save(ctx, Record{
		Request:       req,
		State:         StateNew,
		NextAttemptAt: req.NextAttemptAt,
		UpdatedAt:     time.Now().UTC(),
	})
}

// MarkInFlight implements Store.
func (s *RedisStore) MarkInFlight(ctx context.Context, requestID string) error {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	rec.State = StateInFlight
	rec.UpdatedAt = time.Now().UTC()
	return s.save(ctx, rec)
}

// MarkSucceeded implements Store.
func (s *RedisStore) MarkSucceeded(ctx context.Context, requestID string, result model.CallbackResult) error {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if rec.State == StateFailedPermanent {
		return nil
	}
	rec.State = StateSucceeded
	rec.LastResult = &result
	rec.UpdatedAt = time.Now().UTC()
	return s.save(ctx, rec)
}

// MarkRetryScheduled implements Store.
func (s *RedisStore) MarkRetryScheduled(ctx context.Context, requestID string, result model.CallbackResult, nextAttemptAt time.Time) error {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	rec.State = StateRetryScheduled
	rec.LastResult = &result
	rec.NextAttemptAt = nextAttemptAt
	rec.UpdatedAt = time.Now().UTC()
	return s.save(ctx, rec)
}

// MarkFailedPermanent implements Store.
func (s *RedisStore) MarkFailedPermanent(ctx context.Context, requestID string, result model.CallbackResult) error {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	rec.State = StateFailedPermanent
	rec.LastResult = &result
	rec.UpdatedAt = time.Now().UTC()
	return s.save(ctx, rec)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, requestID string) (Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(requestID)).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: redis get %q: %w", requestID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("store: unmarshal record %q: %w", requestID, err)
	}
	return rec, nil
}

// DequeueDue implements Store. Requests with equal NextAttemptAt come back
// in the sorted set's member order (lexicographic by request id), not in
// insertion order.
func (s *RedisStore) DequeueDue(ctx context.Context, now time.Time, max int) ([]Record, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}
	if max > 0 {
		opt.Offset = 0
		opt.Count = int64(max)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis zrangebyscore: %w", err)
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// HealthCheck implements observability.HealthChecker.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

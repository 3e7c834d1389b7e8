package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/callhook/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. No optimistic
// locking is applied on updates — the worker, not the Store, owns
// sequencing of transitions for a given request id.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed Store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// MarkNew implements Store.
func (s *PgStore) MarkNew(ctx context.Context, req model.CallbackRequest) error {
	headers := make(map[string]string)
	req.Headers.Range(func(k, v string) { headers[k] = v })
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("store: marshal headers: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO callback_requests (
			id, callback_id, operation_id, target_url, method, headers,
			content_type, body, correlation_id, idempotency_key, attempt,
			state, created_at, updated_at, next_attempt_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (id) DO NOTHING`,
		req.ID, req.CallbackID, req.OperationID, req.TargetURL, req.Method, headersJSON,
		req.ContentType, req.Body, req.CorrelationID, req.IdempotencyKey, req.Attempt,
		string(StateNew), req.CreatedAt, time.Now().UTC(), req.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert callback request: %w", err)
	}
	return nil
}

// MarkInFlight implements Store.
func (s *PgStore) MarkInFlight(ctx context.Context, requestID string) error {
	return s.setState(ctx, requestID, StateInFlight, nil, nil)
}

// MarkSucceeded implements Store.
func (s *PgStore) MarkSucceeded(ctx context.Context, requestID string, result model.CallbackResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE callback_requests SET state = $1, last_result = $2, updated_at = $3
		WHERE id = $4 AND state <> $5`,
		string(StateSucceeded), resultJSON(result), time.Now().UTC(), requestID, string(StateFailedPermanent),
	)
	if err != nil {
		return fmt.Errorf("store: mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // at-most-once: no-op if already FailedPermanent or missing
	}
	return nil
}

// MarkRetryScheduled implements Store.
func (s *PgStore) MarkRetryScheduled(ctx context.Context, requestID string, result model.CallbackResult, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE callback_requests SET state = $1, last_result = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $5`,
		string(StateRetryScheduled), resultJSON(result), nextAttemptAt, time.Now().UTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("store: mark retry scheduled: %w", err)
	}
	return nil
}

// MarkFailedPermanent implements Store.
func (s *PgStore) MarkFailedPermanent(ctx context.Context, requestID string, result model.CallbackResult) error {
	return s.setState(ctx, requestID, StateFailedPermanent, &result, nil)
}

func (s *PgStore) setState(ctx context.Context, requestID string, state State, result *model.CallbackResult, nextAttemptAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE callback_requests SET state = $1, last_result = COALESCE($2, last_result), updated_at = $3
		WHERE id = $4`,
		string(state), resultJSONPtr(result), time.Now().UTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("store: update state %s: %w", state, err)
	}
	return nil
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	var headersJSON, lastResultJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, callback_id, operation_id, target_url, method, headers,
		       content_type, body, correlation_id, idempotency_key, attempt,
		       state, last_result, created_at, updated_at, next_attempt_at
		FROM callback_requests WHERE id = $1`, requestID,
	).Scan(
		&rec.Request.ID, &rec.Request.CallbackID, &rec.Request.OperationID, &rec.Request.TargetURL,
		&rec.Request.Method, &headersJSON, &rec.Request.ContentType, &rec.Request.Body,
		&rec.Request.CorrelationID, &rec.Request.IdempotencyKey, &rec.Request.Attempt,
		&rec.State, &lastResultJSON, &rec.Request.CreatedAt, &rec.UpdatedAt, &rec.NextAttemptAt,
	)
	if err == pgx.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: query callback request: %w", err)
	}

	rec.Request.Headers = model.NewHeaders()
	if len(headersJSON) > 0 {
		var headers map[string]string
		if err := json.Unmarshal(headersJSON, &headers); err == nil {
			for k, v := range headers {
				rec.Request.Headers.Set(k, v)
			}
		}
	}
	if len(lastResultJSON) > 0 {
		var result model.CallbackResult
		if err := json.Unmarshal(lastResultJSON, &result); err == nil {
			rec.LastResult = &result
		}
	}
	return rec, nil
}

// DequeueDue implements Store. max<=0 means unbounded, matching
// MemoryStore and RedisStore's convention. A bare LIMIT 0 in PostgreSQL
// returns zero rows rather than "no limit", so the clause is omitted
// entirely in that case instead of passed through as a parameter.
func (s *PgStore) DequeueDue(ctx context.Context, now time.Time, max int) ([]Record, error) {
	query := `
		SELECT id, callback_id, operation_id, target_url, method, headers,
		       content_type, body, correlation_id, idempotency_key, attempt,
		       state, last_result, created_at, updated_at, next_attempt_at
		FROM callback_requests
		WHERE state NOT IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC, created_at ASC`

	var rows pgx.Rows
	var err error
	if max > 0 {
		rows, err = s.pool.Query(ctx, query+" LIMIT $4",
			string(StateSucceeded), string(StateFailedPermanent), now, max)
	} else {
		rows, err = s.pool.Query(ctx, query,
			string(StateSucceeded), string(StateFailedPermanent), now)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query due requests: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var headersJSON, lastResultJSON []byte
		if err := rows.Scan(
			&rec.Request.ID, &rec.Request.CallbackID, &rec.Request.OperationID, &rec.Request.TargetURL,
			&rec.Request.Method, &headersJSON, &rec.Request.ContentType, &rec.Request.Body,
			&rec.Request.CorrelationID, &rec.Request.IdempotencyKey, &rec.Request.Attempt,
			&rec.State, &lastResultJSON, &rec.Request.CreatedAt, &rec.UpdatedAt, &rec.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan due request: %w", err)
		}
		rec.Request.Headers = model.NewHeaders()
		if len(headersJSON) > 0 {
			var headers map[string]string
			if err := json.Unmarshal(headersJSON, &headers); err == nil {
				for k, v := range headers {
					rec.Request.Headers.Set(k, v)
				}
			}
		}
		if len(lastResultJSON) > 0 {
			var result model.CallbackResult
			if err := json.Unmarshal(lastResultJSON, &result); err == nil {
				rec.LastResult = &result
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func resultJSON(result model.CallbackResult) []byte {
	b, _ := json.Marshal(result)
	return b
}

// HealthCheck implements observability.HealthChecker.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func resultJSONPtr(result *model.CallbackResult) []byte {
	if result == nil {
		return nil
	}
	return resultJSON(*result)
}

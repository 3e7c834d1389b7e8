package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/callhook/model"
)

// MemoryStore is an in-memory Store, guarded by a RWMutex, used in tests
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     map[string]int64
	next    int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		seq:     make(map[string]int64),
	}
}

func (s *MemoryStore) touch(id string) int64 {
	if n, ok := s.seq[id]; ok {
		return n
	}
	s.next++
	s.seq[id] = s.next
	return s.next
}

// MarkNew implements Store.
func (s *MemoryStore) MarkNew(_ context.Context, req model.CallbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(req.ID)
	s.records[req.ID] = Record{
		Request:       req,
		State:         StateNew,
		NextAttemptAt: req.NextAttemptAt,
		UpdatedAt:     time.Now().UTC(),
	}
	return nil
}

// MarkInFlight implements Store.
func (s *MemoryStore) MarkInFlight(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return ErrNotFound
	}
	rec.State = StateInFlight
	rec.UpdatedAt = time.Now().UTC()
	s.records[requestID] = rec
	return nil
}

// MarkSucceeded implements Store.
func (s *MemoryStore) MarkSucceeded(_ context.Context, requestID string, result model.CallbackResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return ErrNotFound
	}
	if rec.State == StateFailedPermanent {
		return nil // at-most-once success marking: never after FailedPermanent
	}
	rec.State = StateSucceeded
	rec.LastResult = &result
	rec.UpdatedAt = time.Now().UTC()
	s.records[requestID] = rec
	return nil
}

// MarkRetryScheduled implements Store.
func (s *MemoryStore) MarkRetryScheduled(_ context.Context, requestID string, result model.CallbackResult, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return ErrNotFound
	}
	rec.State = StateRetryScheduled
	rec.LastResult = &result
	rec.NextAttemptAt = nextAttemptAt
	rec.UpdatedAt = time.Now().UTC()
	s.records[requestID] = rec
	return nil
}

// MarkFailedPermanent implements Store.
func (s *MemoryStore) MarkFailedPermanent(_ context.Context, requestID string, result model.CallbackResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return ErrNotFound
	}
	rec.State = StateFailedPermanent
	rec.LastResult = &result
	rec.UpdatedAt = time.Now().UTC()
	s.records[requestID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, requestID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[requestID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// DequeueDue implements Store.
func (s *MemoryStore) DequeueDue(_ context.Context, now time.Time, max int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Record
	for id, rec := range s.records {
		if rec.State == StateSucceeded || rec.State == StateFailedPermanent {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		_ = id
		due = append(due, rec)
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return s.seq[due[i].Request.ID] < s.seq[due[j].Request.ID]
	})

	if max > 0 && len(due) > max {
		due = due[:max]
	}
	return due, nil
}

// Len returns the number of tracked records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

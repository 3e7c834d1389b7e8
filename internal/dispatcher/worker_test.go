package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/callhook/internal/queue"
	"github.com/pitabwire/callhook/internal/retrypolicy"
	"github.com/pitabwire/callhook/internal/store"
	"github.com/pitabwire/callhook/model"
)

type scriptedSender struct {
	mu      sync.Mutex
	results []model.CallbackResult
	calls   int32
}

func (s *scriptedSender) Send(_ context.Context, _ *model.CallbackRequest) model.CallbackResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(atomic.AddInt32(&s.calls, 1)) - 1
	if idx >= len(s.results) {
		return s.results[len(s.results)-1]
	}
	return s.results[idx]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestWorker_SuccessMarksSucceeded(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	st := store.NewMemoryStore()
	snd := &scriptedSender{results: []model.CallbackResult{{Success: true, StatusCode: 200}}}
	policy := retrypolicy.NewDefaultPolicy(retrypolicy.DefaultOptions())

	w, err := NewWorker(q, snd, policy, st, zap.NewNop(), 2)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Shutdown()

	req := &model.CallbackRequest{ID: "r1", Headers: model.NewHeaders(), Timeout: time.Second}
	_ = st.MarkNew(ctx, *req)
	_ = q.Enqueue(ctx, req)

	waitFor(t, time.Second, func() bool {
		rec, err := st.Get(ctx, "r1")
		return err == nil && rec.State == store.StateSucceeded
	})
}

func TestWorker_TransientFailureReschedules(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	st := store.NewMemoryStore()
	snd := &scriptedSender{results: []model.CallbackResult{
		{Success: false, ErrorType: model.ErrorTypeHTTPError, StatusCode: 503},
		{Success: true, StatusCode: 200},
	}}
	policy := retrypolicy.NewDefaultPolicy(retrypolicy.Options{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	policy.Rand = func() float64 { return 0 }

	w, err := NewWorker(q, snd, policy, st, zap.NewNop(), 2)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Shutdown()

	req := &model.CallbackRequest{ID: "r2", Headers: model.NewHeaders(), Timeout: time.Second}
	_ = st.MarkNew(ctx, *req)
	_ = q.Enqueue(ctx, req)

	waitFor(t, 2*time.Second, func() bool {
		rec, err := st.Get(ctx, "r2")
		return err == nil && rec.State == store.StateSucceeded
	})
	if atomic.LoadInt32(&snd.calls) < 2 {
		t.Errorf("calls = %d, want >= 2", snd.calls)
	}
}

func TestWorker_MaxAttemptsMarksFailedPermanent(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	st := store.NewMemoryStore()
	snd := &scriptedSender{results: []model.CallbackResult{
		{Success: false, ErrorType: model.ErrorTypeHTTPError, StatusCode: 500},
	}}
	policy := retrypolicy.NewDefaultPolicy(retrypolicy.Options{MaxAttempts: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	w, err := NewWorker(q, snd, policy, st, zap.NewNop(), 2)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Shutdown()

	req := &model.CallbackRequest{ID: "r3", Headers: model.NewHeaders(), Timeout: time.Second}
	_ = st.MarkNew(ctx, *req)
	_ = q.Enqueue(ctx, req)

	waitFor(t, time.Second, func() bool {
		rec, err := st.Get(ctx, "r3")
		return err == nil && rec.State == store.StateFailedPermanent
	})
}

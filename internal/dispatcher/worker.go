// Package dispatcher runs the background worker loop that pops requests
// off the queue, sends them, applies the retry policy, and re-enqueues
// after backoff.
//
// Grounded on executeWithRetry/executeOnce's attempt loop in the teacher's
// internal/invoker/openapi.go, restructured into a long-running worker.
// Concurrency is bounded with github.com/panjf2000/ants/v2 in place of
// unbounded fire-and-forget goroutines.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/callhook/internal/queue"
	"github.com/pitabwire/callhook/internal/retrypolicy"
	"github.com/pitabwire/callhook/internal/store"
	"github.com/pitabwire/callhook/model"
)

// Sender performs one delivery attempt. Satisfied by (*sender.Sender).Send.
type Sender interface {
	Send(ctx context.Context, req *model.CallbackRequest) model.CallbackResult
}

// Options configures a Worker.
type Options struct {
	// PoolSize bounds the number of concurrent in-flight sends. Defaults
	// to 4*runtime.NumCPU() when zero (set by NewWorker's caller).
	PoolSize int
}

// Worker is the long-running dispatcher loop.
type Worker struct {
	Queue  queue.Queue
	Sender Sender
	Policy retrypolicy.Policy
	Store  store.Store // optional; nil disables persistence
	Logger *zap.Logger

	pool *ants.Pool
	wg   sync.WaitGroup
}

// NewWorker builds a Worker with a bounded goroutine pool of the given
// size.
func NewWorker(q queue.Queue, snd Sender, policy retrypolicy.Policy, st store.Store, logger *zap.Logger, poolSize int) (*Worker, error) {
	if poolSize <= 0 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{Queue: q, Sender: snd, Policy: policy, Store: st, Logger: logger, pool: pool}, nil
}

// Run loops reading from the queue until ctx is cancelled. Each dequeued
// item is submitted to the bounded pool so slow sends never block the
// read loop beyond the pool's capacity.
func (w *Worker) Run(ctx context.Context) error {
	for {
		req, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}

		w.wg.Add(1)
		submitErr := w.pool.Submit(func() {
			defer w.wg.Done()
			w.handle(ctx, req)
		})
		if submitErr != nil {
			w.wg.Done()
			w.Logger.Warn("dispatcher: pool submit failed, handling inline",
				zap.String("callback_id", req.CallbackID), zap.Error(submitErr))
			w.handle(ctx, req)
		}
	}
}

// Shutdown waits for every in-flight send and pending retry timer to
// either complete (and re-enqueue) or be abandoned, then releases the
// worker's goroutine pool. Callers must close the queue only after
// Shutdown returns, otherwise a retry timer firing concurrently with the
// queue's Close can race the re-enqueue send.
func (w *Worker) Shutdown() {
	w.wg.Wait()
	w.pool.Release()
}

func (w *Worker) handle(ctx context.Context, req *model.CallbackRequest) {
	if w.Store != nil {
		if err := w.Store.MarkInFlight(ctx, req.ID); err != nil {
			w.Logger.Debug("dispatcher: mark in-flight failed", zap.Error(err))
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	result := w.Sender.Send(attemptCtx, req)
	cancel()

	if result.Success {
		if w.Store != nil {
			if err := w.Store.MarkSucceeded(ctx, req.ID, result); err != nil {
				w.Logger.Debug("dispatcher: mark succeeded failed", zap.Error(err))
			}
		}
		return
	}

	decision := w.Policy.Evaluate(req, result, time.Now())
	switch decision.Kind {
	case model.RetryDecisionRetry:
		req.Attempt++
		req.NextAttemptAt = decision.NextAt
		if w.Store != nil {
			if err := w.Store.MarkRetryScheduled(ctx, req.ID, result, decision.NextAt); err != nil {
				w.Logger.Debug("dispatcher: mark retry scheduled failed", zap.Error(err))
			}
		}
		w.scheduleRetry(ctx, req, decision.Delay)
	case model.RetryDecisionStop:
		if w.Store != nil {
			if err := w.Store.MarkFailedPermanent(ctx, req.ID, result); err != nil {
				w.Logger.Debug("dispatcher: mark failed permanent failed", zap.Error(err))
			}
		}
		w.Logger.Error("dispatcher: callback delivery failed permanently",
			zap.String("callback_id", req.CallbackID),
			zap.Uint32("attempts", req.Attempt+1),
			zap.String("error_type", string(result.ErrorType)),
			zap.String("error_message", result.ErrorMessage),
		)
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, req *model.CallbackRequest, delay time.Duration) {
	timer := time.NewTimer(delay)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := w.Queue.Enqueue(ctx, req); err != nil {
				w.Logger.Debug("dispatcher: retry re-enqueue abandoned",
					zap.String("callback_id", req.CallbackID), zap.Error(err))
			}
		case <-ctx.Done():
			w.Logger.Debug("dispatcher: retry abandoned on shutdown",
				zap.String("callback_id", req.CallbackID))
		}
	}()
}

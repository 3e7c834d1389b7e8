// Package engine wires the plan compiler, resolver, serializer, request
// factory, queue, dispatcher worker, sender, retry policy, signer, and
// store (C1–C10) into the one public entry point a host process needs:
// EnqueueAsync to trigger a callback, and Start/Shutdown to run the
// background dispatch loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/callhook/internal/compiler"
	"github.com/pitabwire/callhook/internal/config"
	"github.com/pitabwire/callhook/internal/dispatcher"
	"github.com/pitabwire/callhook/internal/observability"
	"github.com/pitabwire/callhook/internal/queue"
	"github.com/pitabwire/callhook/internal/requestfactory"
	"github.com/pitabwire/callhook/internal/resolver"
	"github.com/pitabwire/callhook/internal/retrypolicy"
	"github.com/pitabwire/callhook/internal/runtimectx"
	"github.com/pitabwire/callhook/internal/sender"
	"github.com/pitabwire/callhook/internal/serializer"
	"github.com/pitabwire/callhook/internal/signer"
	"github.com/pitabwire/callhook/internal/store"
	"github.com/pitabwire/callhook/model"
)

// EnqueueInput carries the request-scoped values available at the moment
// an incoming request triggers a callback by name.
type EnqueueInput struct {
	TraceID    string
	Parameters map[string]string
	Payload    any
}

// Engine glues C1–C10 together behind the single EnqueueAsync entry point
// named in the external interface.
type Engine struct {
	logger         *zap.Logger
	metrics        *observability.Metrics
	plans          map[string][]model.CallbackPlan
	planCount      int
	defaultBaseURI *url.URL

	q       queue.Queue
	st      store.Store
	worker  *dispatcher.Worker
	factory *requestfactory.Factory
	factoryOpts requestfactory.Options

	closers []func()

	cancel  context.CancelFunc
	runDone chan struct{}
	running bool
}

// New builds an Engine from cfg: it compiles every configured OpenAPI
// document's callbacks into plans, and wires the queue, store, signer,
// sender, and retry policy named by cfg. defaultBaseURI resolves
// callback url_templates that are not already absolute; it may be nil if
// every template is expected to resolve to an absolute URI.
func New(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics, defaultBaseURI *url.URL) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	plans, planCount, err := loadPlans(cfg.Specs)
	if err != nil {
		return nil, fmt.Errorf("engine: compiling callback plans: %w", err)
	}
	if metrics != nil {
		metrics.RecordPlanReload("success", planCount)
	}

	e := &Engine{
		logger:         logger,
		metrics:        metrics,
		plans:          plans,
		planCount:      planCount,
		defaultBaseURI: defaultBaseURI,
		factoryOpts: requestfactory.Options{
			DefaultTimeout: cfg.Sender.DefaultTimeout,
		},
	}

	st, stCloser, err := buildStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("engine: building store: %w", err)
	}
	e.st = st
	if stCloser != nil {
		e.closers = append(e.closers, stCloser)
	}

	q, qCloser, err := buildQueue(context.Background(), cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("engine: building queue: %w", err)
	}
	e.q = q
	if qCloser != nil {
		e.closers = append(e.closers, qCloser)
	}

	sgn, err := buildSigner(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("engine: building signer: %w", err)
	}
	if sgn != nil {
		e.factoryOpts.SignatureKeyID = cfg.Signer.KeyID
	}

	snd := sender.New(&http.Client{}, sgn, observability.Tracer())

	policy := retrypolicy.NewDefaultPolicy(retrypolicy.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})

	poolSize := cfg.Dispatcher.PoolSize
	if poolSize <= 0 {
		poolSize = 4 * runtime.NumCPU()
	}
	worker, err := dispatcher.NewWorker(e.q, snd, policy, e.st, logger, poolSize)
	if err != nil {
		return nil, fmt.Errorf("engine: building dispatcher worker: %w", err)
	}
	e.worker = worker

	e.factory = requestfactory.New(resolver.Resolve, serializer.Auto{})

	return e, nil
}

// loadPlans compiles every spec file named by cfg into CallbackPlan
// records, indexed by CallbackID so EnqueueAsync can look up all plans a
// given callback name covers.
func loadPlans(cfg config.SpecsConfig) (map[string][]model.CallbackPlan, int, error) {
	index := make(map[string][]model.CallbackPlan)
	count := 0
	for _, file := range cfg.Files {
		specPath := file
		if cfg.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(cfg.Directory, specPath)
		}
		plans, err := compiler.Load(specPath)
		if err != nil {
			return nil, 0, fmt.Errorf("loading %s: %w", specPath, err)
		}
		for _, plan := range plans {
			index[plan.CallbackID] = append(index[plan.CallbackID], plan)
			count++
		}
	}
	return index, count, nil
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return queue.NewMemoryQueue(cfg.Capacity), nil, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: connect: %w", err)
		}
		q, err := queue.NewNATSQueue(ctx, nc, queue.NATSQueueConfig{
			StreamName:   cfg.NATS.StreamName,
			Subject:      cfg.NATS.Subject,
			ConsumerName: cfg.NATS.ConsumerName,
			MaxMessages:  cfg.NATS.MaxMessages,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return q, nc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}
}

func buildStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.Pg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres: %s environment variable not set", cfg.Pg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: parse dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Pg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Pg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Pg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: connect: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil
	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("redis: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		rs := store.NewRedisStore(client, cfg.Redis.KeyPrefix)
		return rs, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func buildSigner(cfg config.SignerConfig) (signer.Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("signer: %s environment variable not set", cfg.SecretEnv)
	}
	sgn := signer.NewHMACSigner([]byte(secret))
	return sgn, nil
}

// PlansCompiled reports whether at least one callback plan is loaded. Fit
// for the ops surface's required readiness check.
func (e *Engine) PlansCompiled() bool {
	return e.planCount > 0
}

// PlanCount returns the number of compiled callback plans.
func (e *Engine) PlanCount() int {
	return e.planCount
}

// QueueRunning reports whether the dispatcher worker loop is currently
// running. Fit for the ops surface's required readiness check.
func (e *Engine) QueueRunning() bool {
	return e.running
}

// StoreHealthChecker returns the configured Store's HealthChecker if the
// driver backing it supports one (postgres, redis), or nil for the
// in-memory default.
func (e *Engine) StoreHealthChecker() observability.HealthChecker {
	hc, _ := e.st.(observability.HealthChecker)
	return hc
}

// QueueHealthChecker returns the configured Queue's HealthChecker if the
// driver backing it supports one (nats), or nil for the in-memory default.
func (e *Engine) QueueHealthChecker() observability.HealthChecker {
	hc, _ := e.q.(observability.HealthChecker)
	return hc
}

// QueueDepth reports the current number of items buffered in the queue,
// when the queue implementation exposes one. Returns -1 otherwise (e.g.
// the NATS-backed queue, whose depth lives in the broker).
func (e *Engine) QueueDepth() int {
	type depther interface{ Len() int }
	if d, ok := e.q.(depther); ok {
		return d.Len()
	}
	return -1
}

// EnqueueAsync resolves callbackID against the compiled plan index,
// builds and enqueues one CallbackRequest per matching plan, and marks
// each new request in the Store when configured. A ResolutionError from
// any one plan does not prevent the others from being enqueued; errors
// from all plans are joined in the returned error.
func (e *Engine) EnqueueAsync(ctx context.Context, callbackID string, in EnqueueInput) error {
	plans, ok := e.plans[callbackID]
	if !ok || len(plans) == 0 {
		return fmt.Errorf("engine: no callback plan registered for %q", callbackID)
	}

	var errs []error
	for _, plan := range plans {
		if err := e.enqueueOne(ctx, plan, in); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", plan.OperationID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) enqueueOne(ctx context.Context, plan model.CallbackPlan, in EnqueueInput) error {
	rt := runtimectx.Build(runtimectx.Input{
		TraceID:        in.TraceID,
		Parameters:     in.Parameters,
		TypedBody:      in.Payload,
		URLTemplate:    plan.URLTemplate,
		DefaultBaseURI: e.defaultBaseURI,
	})

	execPlan := model.CallbackExecutionPlan{
		Plan:       plan,
		Parameters: model.VarsFromMap(in.Parameters),
	}

	req, err := e.factory.Build(execPlan, rt, e.factoryOpts)
	if err != nil {
		return err
	}

	if e.st != nil {
		if err := e.st.MarkNew(ctx, *req); err != nil {
			e.logger.Warn("engine: store mark new failed",
				zap.String("callback_id", plan.CallbackID), zap.Error(err))
		}
		if e.metrics != nil {
			e.metrics.RecordStoreOperation("mark_new", err)
		}
	}

	if err := e.q.Enqueue(ctx, req); err != nil {
		if e.metrics != nil {
			e.metrics.RecordEnqueueDropped(plan.CallbackID)
		}
		return fmt.Errorf("enqueue: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordEnqueue(plan.CallbackID)
	}
	return nil
}

// Start recovers any due requests from the Store (if configured) and
// launches the dispatcher worker loop in the background. Start returns
// once recovery is complete; the worker keeps running until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.st != nil {
		due, err := e.st.DequeueDue(runCtx, time.Now().UTC(), 0)
		if err != nil {
			e.logger.Warn("engine: recovering due requests failed", zap.Error(err))
		}
		for _, rec := range due {
			req := rec.Request
			if err := e.q.Enqueue(runCtx, &req); err != nil {
				e.logger.Warn("engine: re-enqueue of recovered request failed",
					zap.String("request_id", req.ID), zap.Error(err))
			}
		}
	}

	e.runDone = make(chan struct{})
	e.running = true
	go func() {
		defer close(e.runDone)
		if err := e.worker.Run(runCtx); err != nil {
			e.logger.Error("engine: dispatcher worker exited with error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting new work, cancels in-flight sends, waits for
// the worker loop to exit (or ctx to expire), drains any pending retry
// timers, and only then closes the queue and releases owned resources
// (backend connections, store connection pools). The queue must not be
// closed until every retry goroutine has either re-enqueued or been
// abandoned, otherwise a retry firing during Close can race the
// in-memory queue's channel close and panic on send.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.running = false

	if e.runDone != nil {
		select {
		case <-e.runDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.worker.Shutdown()
	e.q.Close()

	for _, closer := range e.closers {
		closer()
	}
	return nil
}

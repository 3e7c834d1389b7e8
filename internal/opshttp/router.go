// Package opshttp is the engine's ops HTTP surface: health, readiness,
// Prometheus metrics, and a read-only queue-depth debug endpoint. It
// carries no callback-delivery semantics — grounded on the teacher's
// internal/transport router and middleware, stripped of everything
// BFF-specific (auth, CORS, capability resolution) since nothing here is
// multi-tenant or UI-facing.
package opshttp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/callhook/internal/observability"
)

// QueueInspector reports the engine's current queue depth and compiled
// plan count, for the /debug/queue endpoint. Satisfied by *engine.Engine.
type QueueInspector interface {
	QueueDepth() int
	PlanCount() int
}

// Dependencies holds everything the ops router needs to serve requests.
type Dependencies struct {
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	HealthHandler   http.HandlerFunc
	ReadyHandler    http.HandlerFunc
	MetricsHandler  http.Handler
	QueueInspector  QueueInspector
}

// NewRouter builds the ops HTTP surface.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(recovery(deps.Logger))
	r.Use(requestID)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler)
	}
	if deps.ReadyHandler != nil {
		r.Get("/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.QueueInspector != nil {
		r.Get("/debug/queue", handleDebugQueue(deps.QueueInspector))
	}

	return r
}

type correlationIDKey struct{}

// CorrelationIDFrom extracts the correlation id requestID attached to ctx.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = generateID()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("opshttp: panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type debugQueueResponse struct {
	QueueDepth   int       `json:"queue_depth"`
	CompiledPlans int      `json:"compiled_plans"`
	ObservedAt   time.Time `json:"observed_at"`
}

func handleDebugQueue(qi QueueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := debugQueueResponse{
			QueueDepth:    qi.QueueDepth(),
			CompiledPlans: qi.PlanCount(),
			ObservedAt:    time.Now().UTC(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/callhook/internal/config"
)

// specTemplate compiles six callbacks, one per scenario, all hanging off a
// single trigger operation. BASEURL is substituted with an httptest
// server's address before the document is written to disk.
const specTemplate = `
openapi: "3.0.0"
info:
  title: scenario-fixture
  version: "1.0"
paths:
  /payments/{paymentId}:
    post:
      operationId: createPayment
      parameters:
        - name: paymentId
          in: path
          required: true
          schema:
            type: string
      requestBody:
        content:
          application/json:
            schema:
              type: object
      responses:
        "200":
          description: ok
      callbacks:
        s1:
          "BASEURL/s1/payments/{paymentId}/status":
            post:
              operationId: s1Post
              requestBody:
                content:
                  application/json:
                    schema:
                      type: object
              responses:
                "200":
                  description: ok
        s2:
          "{$request.body#/callbackUrls/status}":
            post:
              operationId: s2Post
              requestBody:
                content:
                  application/json:
                    schema:
                      type: object
              responses:
                "200":
                  description: ok
        s3:
          "BASEURL/s3":
            post:
              operationId: s3Post
              requestBody:
                content:
                  application/json:
                    schema:
                      type: object
              responses:
                "200":
                  description: ok
        s4:
          "BASEURL/s4":
            post:
              operationId: s4Post
              requestBody:
                content:
                  application/json:
                    schema:
                      type: object
              responses:
                "200":
                  description: ok
        s5:
          "BASEURL/s5/{missingParam}":
            post:
              operationId: s5Post
              requestBody:
                content:
                  application/json:
                    schema:
                      type: object
              responses:
                "200":
                  description: ok
        s6:
          "BASEURL/s6":
            post:
              operationId: s6Post
              requestBody:
                content:
                  application/json:
                    schema:
                      type: object
              responses:
                "200":
                  description: ok
`

func writeSpec(t *testing.T, baseURL string) string {
	t.Helper()
	doc := strings.ReplaceAll(specTemplate, "BASEURL", baseURL)
	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("writing spec fixture: %v", err)
	}
	return path
}

func newTestEngine(t *testing.T, specPath string, retry config.RetryConfig) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Specs = config.SpecsConfig{Files: []string{specPath}}
	cfg.Queue = config.QueueConfig{Driver: "memory", Capacity: 100}
	cfg.Store = config.StoreConfig{Driver: "memory"}
	cfg.Retry = retry
	cfg.Sender.DefaultTimeout = 2 * time.Second

	eng, err := New(cfg, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.PlanCount() != 6 {
		t.Fatalf("PlanCount() = %d, want 6", eng.PlanCount())
	}
	return eng
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

func fastRetry() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

// S1: happy path, JSON body delivered to a template URL built entirely
// from path parameter substitution.
func TestEngine_S1_HappyPathJSONBody(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	eng := newTestEngine(t, writeSpec(t, ts.URL), fastRetry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	err := eng.EnqueueAsync(ctx, "s1", EnqueueInput{
		TraceID:    "trace-s1",
		Parameters: map[string]string{"paymentId": "pay_123"},
		Payload:    map[string]any{"status": "settled"},
	})
	if err != nil {
		t.Fatalf("EnqueueAsync: %v", err)
	}

	waitFor(t, time.Second, func() bool { return gotBody != nil })
	if gotPath != "/s1/payments/pay_123/status" {
		t.Errorf("path = %q, want /s1/payments/pay_123/status", gotPath)
	}
	if gotBody["status"] != "settled" {
		t.Errorf("body = %+v, want status=settled", gotBody)
	}
}

// S2: the target URL itself is pulled out of the callback payload via a
// runtime JSON Pointer expression rather than a path parameter.
func TestEngine_S2_RuntimeURLFromPayload(t *testing.T) {
	var called int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/s2/callback" {
			atomic.AddInt32(&called, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	eng := newTestEngine(t, writeSpec(t, ts.URL), fastRetry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	err := eng.EnqueueAsync(ctx, "s2", EnqueueInput{
		TraceID:    "trace-s2",
		Parameters: map[string]string{"paymentId": "pay_456"},
		Payload: map[string]any{
			"callbackUrls": map[string]any{"status": ts.URL + "/s2/callback"},
		},
	})
	if err != nil {
		t.Fatalf("EnqueueAsync: %v", err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&called) == 1 })
}

// S3: a 503 on the first attempt is retried and the second attempt
// succeeds, with the observed delay inside the policy's jitter bounds.
func TestEngine_S3_TransientFailureThenSuccess(t *testing.T) {
	var attempts int32
	var firstAt, secondAt time.Time
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			firstAt = time.Now()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		secondAt = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	baseDelay := 200 * time.Millisecond
	retry := config.RetryConfig{MaxAttempts: 3, BaseDelay: baseDelay, MaxDelay: 2 * time.Second}
	eng := newTestEngine(t, writeSpec(t, ts.URL), retry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	err := eng.EnqueueAsync(ctx, "s3", EnqueueInput{
		TraceID:    "trace-s3",
		Parameters: map[string]string{"paymentId": "pay_789"},
		Payload:    map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("EnqueueAsync: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return atomic.LoadInt32(&attempts) == 2 })

	delay := secondAt.Sub(firstAt)
	min := time.Duration(float64(baseDelay) * 0.5)
	max := time.Duration(float64(baseDelay)*1.5) + 150*time.Millisecond // scheduling slack
	if delay < min || delay > max {
		t.Errorf("retry delay = %v, want between %v and %v", delay, min, max)
	}
}

// S4: every attempt fails with a non-transient-exhausting 500, so the
// worker stops after exactly MaxAttempts tries and issues no further
// sends.
func TestEngine_S4_MaxAttemptsExhausted(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	retry := config.RetryConfig{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	eng := newTestEngine(t, writeSpec(t, ts.URL), retry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	err := eng.EnqueueAsync(ctx, "s4", EnqueueInput{
		TraceID:    "trace-s4",
		Parameters: map[string]string{"paymentId": "pay_999"},
		Payload:    map[string]any{"ok": false},
	})
	if err != nil {
		t.Fatalf("EnqueueAsync: %v", err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&attempts) == 3 })

	// No further attempts should arrive once the retry budget is spent.
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d after exhaustion, want exactly 3", got)
	}
}

// S5: a URL template referencing a path parameter that was never supplied
// fails resolution before anything is enqueued.
func TestEngine_S5_MissingTokenFailsBeforeEnqueue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s; S5 must never reach the network", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	eng := newTestEngine(t, writeSpec(t, ts.URL), fastRetry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	before := eng.QueueDepth()

	err := eng.EnqueueAsync(ctx, "s5", EnqueueInput{
		TraceID:    "trace-s5",
		Parameters: map[string]string{"paymentId": "pay_111"}, // missingParam deliberately absent
		Payload:    map[string]any{},
	})
	if err == nil {
		t.Fatal("EnqueueAsync: want error for unresolved token, got nil")
	}

	time.Sleep(20 * time.Millisecond) // give any stray goroutine a chance to misbehave
	if after := eng.QueueDepth(); after != before {
		t.Errorf("QueueDepth() = %d, want unchanged from %d", after, before)
	}
}

// S6: the configured signer attaches an HMAC-SHA256 signature over the
// exact request body, in the documented header format.
func TestEngine_S6_SignedBody(t *testing.T) {
	secret := "s"
	var gotSig string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	secretEnv := "CALLHOOK_TEST_S6_SECRET"
	t.Setenv(secretEnv, secret)

	cfg := config.Defaults()
	cfg.Specs = config.SpecsConfig{Files: []string{writeSpec(t, ts.URL)}}
	cfg.Queue = config.QueueConfig{Driver: "memory", Capacity: 100}
	cfg.Store = config.StoreConfig{Driver: "memory"}
	cfg.Retry = fastRetry()
	cfg.Sender.DefaultTimeout = 2 * time.Second
	cfg.Signer = config.SignerConfig{Enabled: true, SecretEnv: secretEnv, KeyID: "test-key"}

	eng, err := New(cfg, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	if err := eng.EnqueueAsync(ctx, "s6", EnqueueInput{
		TraceID:    "trace-s6",
		Parameters: map[string]string{"paymentId": "pay_222"},
		Payload:    map[string]any{"ok": true},
	}); err != nil {
		t.Fatalf("EnqueueAsync: %v", err)
	}

	waitFor(t, time.Second, func() bool { return gotSig != "" })

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("X-Signature = %q, want %q", gotSig, want)
	}
}

package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/ratelimit"
)

type recorder struct {
	mu     sync.Mutex
	events []models.EventType
	metas  []monitor.Meta
}

func (r *recorder) RecordEvent(ctx context.Context, t models.EventType, meta monitor.Meta) *models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	r.metas = append(r.metas, meta)
	return nil
}

type errLimiter struct{}

func (errLimiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Limit: 5, Remaining: 5}, errors.New("backend down")
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
}

func TestWithActor(t *testing.T) {
	var got Actor
	var logActor string
	h := WithActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ActorFrom(r.Context())
		logActor = logging.ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	req.Header.Set(HeaderUserID, "u-7")
	req.Header.Set(HeaderTenantID, "acme")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, Actor{UserID: "u-7", Tenant: "acme", IP: "192.0.2.10"}, got)
	assert.Equal(t, "u-7", logActor)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.11:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "192.0.2.11", got.Key())
}

func TestActorKey(t *testing.T) {
	assert.Equal(t, "unknown", Actor{}.Key())
	assert.Equal(t, "1.2.3.4", Actor{IP: "1.2.3.4"}.Key())
	assert.Equal(t, "u", Actor{UserID: "u", IP: "1.2.3.4"}.Key())
}

func TestRateLimit(t *testing.T) {
	events := &recorder{}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(time.Minute), 2)
	h := Chain(ok, WithActor, RateLimit(limiter, events, logging.Discard()))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", nil)
		req.Header.Set(HeaderUserID, "u-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusOK, do().Code)

	limited := do()
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Too many requests"}`, limited.Body.String())

	require.Len(t, events.events, 1)
	assert.Equal(t, monitor.EventRateLimitExceeded, events.events[0])
	assert.Equal(t, "u-1", events.metas[0].UserID)
	assert.Equal(t, "/api/v1/uploads", events.metas[0].Attrs["path"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	events := &recorder{}
	h := Chain(ok, WithActor, RateLimit(errLimiter{}, events, logging.Discard()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events.events)
}

func TestRateLimit_NoOp(t *testing.T) {
	h := Chain(ok, WithActor, RateLimit(ratelimit.NoOpLimiter{}, &recorder{}, logging.Discard()))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, 0, "json")
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), RequestID, AccessLog(logger))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	out := buf.String()
	assert.Contains(t, out, `"msg":"request"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"path":"/healthz"`)
	assert.Contains(t, out, `"bytes":15`)
	assert.Contains(t, out, `"request_id":`)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(ok, mw("a"), mw("b"), mw("c")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// Package middleware provides the HTTP middleware chain of the service.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/filegate/internal/httputil"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/ratelimit"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
	HeaderTenantID  = "X-Tenant-ID"
)

type contextKey string

const actorKey = contextKey("actor")

// RequestID propagates X-Request-ID or generates one, and makes it
// available to the logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Actor is the caller identity forwarded by the gateway.
type Actor struct {
	UserID string
	Tenant string
	IP     string
}

// Key is the user ID, else the IP, else "unknown".
func (a Actor) Key() string {
	return monitor.Meta{UserID: a.UserID, IP: a.IP}.ActorKey()
}

// Meta converts the actor into monitor metadata.
func (a Actor) Meta(attrs map[string]string) monitor.Meta {
	return monitor.Meta{UserID: a.UserID, IP: a.IP, Attrs: attrs}
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey).(Actor)
	return a
}

// WithActor extracts the gateway-supplied identity headers and the client IP.
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := Actor{
			UserID: r.Header.Get(HeaderUserID),
			Tenant: r.Header.Get(HeaderTenantID),
			IP:     httputil.GetClientIP(r),
		}
		ctx := context.WithValue(r.Context(), actorKey, a)
		ctx = logging.ContextWithActor(ctx, a.Key())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EventRecorder receives security events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, t models.EventType, meta monitor.Meta) *models.Alert
}

// RateLimit limits requests per actor key. Limiter errors let the request
// through. Rejections are recorded as upload:rate_limit_exceeded events.
func RateLimit(limiter ratelimit.RateLimiter, events EventRecorder, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			actor := ActorFrom(ctx)

			d, err := limiter.Allow(ctx, actor.Key())
			if err != nil {
				logger.WarnContext(ctx, "rate limit check failed, allowing request", logging.Error(err))
			}
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				if !d.ResetTime.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
				}
			}

			if !d.Allowed {
				retry := int(time.Until(d.ResetTime).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))

				logger.Security(ctx, "rate limit exceeded",
					logging.Method(r.Method),
					logging.Path(r.URL.Path),
					logging.UserID(actor.UserID),
					logging.IP(actor.IP))
				events.RecordEvent(ctx, monitor.EventRateLimitExceeded, actor.Meta(map[string]string{
					"path": r.URL.Path,
				}))
				httputil.WriteError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// AccessLog writes one record per request.
func AccessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			logger.InfoContext(r.Context(), "request",
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(rec.status),
				logging.Duration(time.Since(start).Milliseconds()),
				"bytes", rec.bytes)
		})
	}
}

// Chain applies middleware so that the first one listed runs first.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

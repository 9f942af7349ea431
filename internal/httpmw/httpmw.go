// Package httpmw is the net/http middleware chain shared by the worker
// heartbeat endpoint (§6.3) and the inference proxy (§6.4): panic
// recovery, structured request logging, request-ID propagation, metrics,
// rate limiting, and tracing. It plays the role the teacher's Connect-RPC
// interceptors played, generalized from unary-RPC interceptors to plain
// http.Handler middleware since this design exposes net/http, not gRPC.
package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/inventiv/fleet/pkg/logger"
	"github.com/inventiv/fleet/pkg/metrics"
	"github.com/inventiv/fleet/pkg/ratelimit"
	"github.com/inventiv/fleet/pkg/telemetry"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID attaches id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID attached by Logging, or ""
// if none is present.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func generateRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

// Chain composes middlewares left to right: Chain(a, b, c)(h) == a(b(c(h))).
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// Recovery converts a panic in the wrapped handler into a 500 response and
// a logged error instead of crashing the process.
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("http: panic recovered", "panic", rec, "path", r.URL.Path)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging assigns a request ID and logs method/path/status/duration.
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := generateRequestID()
			ctx := WithRequestID(r.Context(), requestID)
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			duration := time.Since(start)
			log := logger.WithCorrelationID(requestID)
			if sw.status >= 500 {
				log.Error("http request failed", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration_ms", duration.Milliseconds())
			} else {
				log.Info("http request completed", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration_ms", duration.Milliseconds())
			}
		})
	}
}

// Metrics records pkg/metrics.RecordHTTPRequest for every request, keyed by
// route (the caller-supplied pattern, not the raw path, to keep cardinality
// bounded).
func Metrics(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			metrics.Get().RecordHTTPRequest(route, r.Method, http.StatusText(sw.status), time.Since(start))
		})
	}
}

// Tracing wraps the request in a span named after route, delegating to
// pkg/telemetry.
func Tracing(route string) func(http.Handler) http.Handler {
	return telemetry.HTTPMiddleware(route)
}

// RateLimit rejects requests beyond limiter's budget, keyed by keyFunc (falls
// back to RemoteAddr when keyFunc returns ""). A nil limiter (rate limiting
// disabled) makes this middleware a no-op.
func RateLimit(limiter ratelimit.Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				key = r.RemoteAddr
			}
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("http: rate limit check failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Package middleware provides HTTP middleware for a fedi3 node's API
// server: request correlation IDs and structured request logging.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
)

// contextKey is an unexported type used for context value keys to avoid collisions.
type contextKey string

// correlationIDKey is the context key for the request correlation ID.
const correlationIDKey contextKey = "correlation_id"

// CorrelationIDHeader is the HTTP header used to propagate correlation IDs.
const CorrelationIDHeader = "X-Request-ID"

// CorrelationID is a middleware that ensures every request has a unique
// correlation ID. If the incoming request contains an X-Request-ID header, that
// value is reused; otherwise a new ULID is generated. The ID is stored in the
// request context and set as a response header.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		w.Header().Set(CorrelationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts the correlation ID from the request context.
// Returns an empty string if no correlation ID is present.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// TracingLogger returns a middleware that produces structured log entries enriched
// with the correlation ID from the request context. It logs method, path, status,
// latency, and the trace ID for every request, enabling distributed request tracing
// across services.
func TracingLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code.
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			correlationID := GetCorrelationID(r.Context())

			attrs := []slog.Attr{
				slog.String("trace_id", correlationID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int("bytes", sw.written),
				slog.Duration("latency", duration),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}

			level := slog.LevelInfo
			if sw.status >= 500 {
				level = slog.LevelError
			} else if sw.status >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code and bytes written.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

package log

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type correlationIDKeyType struct{}

var correlationIDKey = correlationIDKeyType{}

// CorrelationID returns the correlation ID stashed on ctx by Middleware,
// or "" if none is present (e.g. in a unit test calling a handler directly).
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// Middleware logs each request's method, path, status and duration, and
// ensures every response carries an x-correlation-id header (spec §6).
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("x-correlation-id")
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			w.Header().Set("x-correlation-id", correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
			r = r.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", time.Since(start)),
				slog.String(CorrelationIDKey, correlationID),
			)
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

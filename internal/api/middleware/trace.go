package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/promptd/internal/api/shared"
	"github.com/phrazzld/promptd/internal/platform/logger"
)

// NewTraceMiddleware adds a trace ID to the request context and stores a
// request scoped logger carrying it. It should run before any middleware
// that logs.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			log := base.With(slog.String("trace_id", shared.GetTraceID(ctx)))

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(logger.WithLogger(ctx, log)))
		})
	}
}

package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/canvasync/idgen"
)

var traceIDs = idgen.Prefixed("req_", idgen.Default)

// TraceID tags each request with an ID carried in the context, the
// X-Trace-ID response header and a per-request logger derived from base.
func TraceID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := traceIDs()
			w.Header().Set("X-Trace-ID", traceID)

			logger := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

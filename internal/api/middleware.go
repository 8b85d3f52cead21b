package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	servertiming "github.com/mitchellh/go-server-timing"
)

// withServerTiming puts a Server-Timing header collector in the request
// context. Handlers add metrics through timeStore.
func withServerTiming(next http.Handler) http.Handler {
	return servertiming.Middleware(next, nil)
}

// timeStore runs fn as the "store" Server-Timing metric. It is a plain call
// when the context carries no timing header.
func timeStore(ctx context.Context, fn func()) {
	m := servertiming.FromContext(ctx).NewMetric("store").WithDesc("job store").Start()
	defer m.Stop()
	fn()
}

// withAccessLog logs one line per request.
func withAccessLog(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		level := slog.LevelInfo
		if m.Code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"remote", r.RemoteAddr)
	})
}

package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// recordingWriter keeps a copy of the response so it can be logged after
// the handler returns.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware dumps both wire bodies at debug level.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqBody, err := io.ReadAll(r.Body)
			if err != nil {
				logger.ErrorContext(ctx, "Error reading request body", "path", r.URL.Path, "error", err)
			}
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
			logger.DebugContext(ctx, "Sandbox request", "path", r.URL.Path, "body", string(reqBody))

			rw := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			logger.DebugContext(ctx, "Sandbox response",
				"path", r.URL.Path,
				"status", rw.status,
				"body", rw.body.String(),
			)
		})
	}
}

func countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.GetOrCreateCounter(fmt.Sprintf(`sandbox_requests_total{path=%q}`, r.URL.Path)).Inc()
		next.ServeHTTP(w, r)
	})
}

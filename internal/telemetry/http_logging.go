package telemetry

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/skridofly/stump-offline/internal/logctx"
)

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	return rw.ResponseWriter.Write(b)
}

func (rw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	// a hijacked connection answers 101 on its own
	rw.status = http.StatusSwitchingProtocols
	rw.wroteHeader = true

	return hijack(rw.ResponseWriter)
}

// HTTPLogging logs each request once it completes: 5xx at error level,
// 4xx at warn level, anything else at info. The request id set by RequestID
// is attached to the request logger so handlers log it too.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestID(ctx)
		logger := logctx.LoggerFromContext(ctx).With("request_id", requestID)
		ctx = logctx.WithLogger(ctx, logger)
		start := time.Now()

		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		status := wrapped.status
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case status >= 400:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}

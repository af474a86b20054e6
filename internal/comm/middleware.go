package comm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nemanja-m/distrib/internal/shared/logging"
)

// callRoute splits a node call path /{gid}/{service}/{method}.
func callRoute(r *http.Request) (gid, service, method string, ok bool) {
	if r.Method != http.MethodPut {
		return "", "", "", false
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// statusRecorder keeps the status code and body size of a reply.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// LoggingMiddleware logs every request at debug level. Node calls are logged
// by gid, service and method, other requests by path.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(sr, r)

			fields := []any{
				"status", sr.status,
				"bytes", sr.bytes,
				"remote_addr", r.RemoteAddr,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if gid, service, method, ok := callRoute(r); ok {
				logger.Debug("Call served", append([]any{"gid", gid, "service", service, "method", method}, fields...)...)
				return
			}
			logger.Debug("HTTP request", append([]any{"method", r.Method, "path", r.URL.Path}, fields...)...)
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 whose body is an error
// envelope, so a calling node reads the panic as a remote error.
func RecoveryMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				fields := []any{"path", r.URL.Path, "error", p}
				if gid, service, method, ok := callRoute(r); ok {
					fields = []any{"gid", gid, "service", service, "method", method, "error", p}
				}
				logger.Error("Panic recovered", fields...)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write(encodeEnvelope(nil, fmt.Errorf("panic serving %s: %v", r.URL.Path, p)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ChainMiddleware applies middlewares so the first one is outermost.
func ChainMiddleware(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

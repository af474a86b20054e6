package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/shared/logging"
)

const maxBodyBytes = 64 << 20

// Resolver finds the method bound to a service within a group scope.
type Resolver interface {
	Resolve(gid, service, method string) (routes.Method, error)
}

// Server executes incoming calls against the local registry.
type Server struct {
	resolver Resolver
	logger   logging.Logger
	calls    atomic.Int64
}

func NewServer(resolver Resolver, logger logging.Logger) *Server {
	return &Server{resolver: resolver, logger: logger}
}

// Calls is the number of requests dispatched so far.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

// Dispatch decodes body as the positional argument array and invokes the
// method. Service errors travel back inside the envelope; only a malformed
// body is reported as an error.
func (s *Server) Dispatch(ctx context.Context, gid, service, method string, body []byte) ([]byte, error) {
	s.calls.Add(1)

	var args routes.Args
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return nil, fmt.Errorf("%w: body must be a JSON array: %v", ErrBadRequest, err)
		}
	}

	m, err := s.resolver.Resolve(gid, service, method)
	if err != nil {
		s.logger.Debug("Unresolved call", "gid", gid, "service", service, "method", method, "error", err)
		return encodeEnvelope(nil, err), nil
	}

	value, err := s.invoke(ctx, m, args)
	return encodeEnvelope(value, err), nil
}

func (s *Server) invoke(ctx context.Context, m routes.Method, args routes.Args) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Method panicked", "error", r)
			err = fmt.Errorf("method panicked: %v", r)
		}
	}()
	return m(ctx, args)
}

// Handler serves PUT /{gid}/{service}/{method}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /{gid}/{service}/{method}", s.handleCall)

	return ChainMiddleware(mux,
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
	)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.Dispatch(r.Context(), r.PathValue("gid"), r.PathValue("service"), r.PathValue("method"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

package comm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/distrib/internal/shared/config"
)

const (
	grpcServiceName = "distrib.Comm"
	grpcCallMethod  = "/distrib.Comm/Call"

	mdGID     = "x-gid"
	mdService = "x-service"
	mdMethod  = "x-method"
)

// GRPCTransport carries the same JSON body as the HTTP transport inside a
// BytesValue, with the target in request metadata.
type GRPCTransport struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	timeout time.Duration
	cfg     config.GRPCConfig
}

func NewGRPCTransport(timeout time.Duration, cfg config.GRPCConfig) *GRPCTransport {
	return &GRPCTransport{
		conns:   make(map[string]*grpc.ClientConn),
		timeout: timeout,
		cfg:     cfg,
	}
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                t.cfg.KeepaliveTime,
				Timeout:             t.cfg.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *GRPCTransport) Call(ctx context.Context, target Target, body []byte) ([]byte, error) {
	conn, err := t.conn(target.Node.Addr())
	if err != nil {
		return nil, err
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		mdGID, target.Scope(),
		mdService, target.Service,
		mdMethod, target.Method,
	)

	resp := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, grpcCallMethod, wrapperspb.Bytes(body), resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.GetValue(), nil
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.InvalidArgument:
		return &StatusError{Code: http.StatusBadRequest, Message: st.Message()}
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	default:
		return &StatusError{Code: http.StatusInternalServerError, Message: st.Message()}
	}
}

type commServer interface {
	call(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(commServer).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: grpcCallMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(commServer).call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var commServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*commServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams: []grpc.StreamDesc{},
}

type grpcServer struct {
	server *Server
}

func (g *grpcServer) call(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	service, method := first(mdService), first(mdMethod)
	if service == "" || method == "" {
		return nil, status.Error(codes.InvalidArgument, "missing service or method metadata")
	}

	body, err := g.server.Dispatch(ctx, first(mdGID), service, method, req.GetValue())
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(body), nil
}

// NewGRPCServer builds a gRPC server that dispatches into s.
func NewGRPCServer(s *Server, cfg config.GRPCConfig) *grpc.Server {
	gs := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(recoveryInterceptor(s)),
	)
	gs.RegisterService(&commServiceDesc, &grpcServer{server: s})

	if cfg.EnableReflection {
		reflection.Register(gs)
	}
	return gs
}

func recoveryInterceptor(s *Server) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic recovered", "method", info.FullMethod, "error", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-nodestatus/pkg/internal/logutil"
    "github.com/amirimatin/go-nodestatus/pkg/observability/tracing"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

const serviceName = "nodestatus.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}

// managementServer is the handler type registered with the service descriptor.
type managementServer interface {
    ListShards(ctx context.Context, in *transport.ShardsRequest) (*transport.ShardsResponse, error)
    NodesStatus(ctx context.Context, in *transport.NodesRequest) (*transport.NodesResponse, error)
    Classes(ctx context.Context, in *empty) (*transport.ClassesResponse, error)
    ApplySchema(ctx context.Context, in *transport.SchemaRequest) (*transport.SchemaResponse, error)
    PutObject(ctx context.Context, in *transport.ObjectRequest) (*transport.ObjectResponse, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
}

// mgmtImpl reports handler failures inside the response so the client can
// rebuild the matching sentinel.
type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) ListShards(ctx context.Context, in *transport.ShardsRequest) (*transport.ShardsResponse, error) {
    if m.h.Shards == nil { return failShards(transport.ErrNotSupported), nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.shards")
    defer end()
    list, err := m.h.Shards(ctx, in.Class)
    if err != nil { return failShards(err), nil }
    return &transport.ShardsResponse{Shards: list}, nil
}

func failShards(err error) *transport.ShardsResponse {
    code, _ := transport.Code(err)
    return &transport.ShardsResponse{Error: err.Error(), Code: code}
}

func (m *mgmtImpl) NodesStatus(ctx context.Context, in *transport.NodesRequest) (*transport.NodesResponse, error) {
    out := &transport.NodesResponse{}
    if m.h.Nodes == nil {
        out.Code, _ = transport.Code(transport.ErrNotSupported)
        out.Error = transport.ErrNotSupported.Error()
        return out, nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.nodes", "class", in.Class)
    defer end()
    resp, err := m.h.Nodes(ctx, in.Class)
    if err != nil {
        out.Code, _ = transport.Code(err)
        out.Error = err.Error()
        return out, nil
    }
    out.NodesResponse = resp
    return out, nil
}

func (m *mgmtImpl) Classes(ctx context.Context, _ *empty) (*transport.ClassesResponse, error) {
    if m.h.Classes == nil { return &transport.ClassesResponse{}, nil }
    classes, err := m.h.Classes(ctx)
    if err != nil { return nil, err }
    return &transport.ClassesResponse{Classes: classes}, nil
}

func (m *mgmtImpl) ApplySchema(ctx context.Context, in *transport.SchemaRequest) (*transport.SchemaResponse, error) {
    if m.h.Schema == nil { return &transport.SchemaResponse{Error: transport.ErrNotSupported.Error(), Code: "not_supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.schema", "op", in.Op, "class", in.Class.Name)
    defer end()
    out, err := m.h.Schema(ctx, *in)
    if err != nil {
        out.Accepted = false
        out.Code, _ = transport.Code(err)
        out.Error = err.Error()
    }
    return &out, nil
}

func (m *mgmtImpl) PutObject(ctx context.Context, in *transport.ObjectRequest) (*transport.ObjectResponse, error) {
    if m.h.Object == nil { return &transport.ObjectResponse{Error: transport.ErrNotSupported.Error(), Code: "not_supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.object", "class", in.Class)
    defer end()
    out, err := m.h.Object(ctx, *in)
    if err != nil {
        out.Code, _ = transport.Code(err)
        out.Error = err.Error()
    }
    return &out, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if m.h.Join == nil { return &transport.JoinResponse{Error: "join not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.h.Join(ctx, *in)
    if err != nil { return &transport.JoinResponse{Accepted: false, Leader: out.Leader, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if m.h.Leave == nil { return &transport.LeaveResponse{Error: "leave not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.h.Leave(ctx, *in)
    if err != nil { return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

// unary builds a hand-written method handler (no codegen required).
func unary[Req any, Resp any](method string, call func(managementServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
    return grpc.MethodDesc{
        MethodName: method,
        Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            if interceptor == nil { return call(srv.(managementServer), ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
            handler := func(ctx context.Context, req interface{}) (interface{}, error) {
                return call(srv.(managementServer), ctx, req.(*Req))
            }
            return interceptor(ctx, in, info, handler)
        },
    }
}

var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        unary("ListShards", managementServer.ListShards),
        unary("NodesStatus", managementServer.NodesStatus),
        unary("Classes", managementServer.Classes),
        unary("ApplySchema", managementServer.ApplySchema),
        unary("PutObject", managementServer.PutObject),
        unary("Join", managementServer.Join),
        unary("Leave", managementServer.Leave),
    },
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
            logutil.Errorf(nil, "grpc: serve: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)

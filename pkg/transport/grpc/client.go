package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

// Client calls the management service over pooled connections.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    once    sync.Once
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
        // a refused or unroutable peer fails the dial at once instead of
        // blocking until the caller's deadline
        grpc.FailOnNonTempDialError(true),
        grpc.WithReturnConnectionError(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, release, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer release()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) ListShards(ctx context.Context, addr, class string) ([]nodestatus.ShardStat, error) {
    var out transport.ShardsResponse
    if err := c.invoke(ctx, addr, "ListShards", &transport.ShardsRequest{Class: class}, &out); err != nil { return nil, err }
    if err := transport.Remote(out.Code, out.Error); err != nil { return nil, err }
    if out.Shards == nil { out.Shards = []nodestatus.ShardStat{} }
    return out.Shards, nil
}

func (c *Client) NodesStatus(ctx context.Context, addr, class string) (nodestatus.NodesResponse, error) {
    var out transport.NodesResponse
    if err := c.invoke(ctx, addr, "NodesStatus", &transport.NodesRequest{Class: class}, &out); err != nil { return nodestatus.NodesResponse{}, err }
    return out.NodesResponse, transport.Remote(out.Code, out.Error)
}

func (c *Client) Classes(ctx context.Context, addr string) ([]schema.Class, error) {
    var out transport.ClassesResponse
    if err := c.invoke(ctx, addr, "Classes", &empty{}, &out); err != nil { return nil, err }
    return out.Classes, nil
}

func (c *Client) ApplySchema(ctx context.Context, addr string, req transport.SchemaRequest) (transport.SchemaResponse, error) {
    var out transport.SchemaResponse
    if err := c.invoke(ctx, addr, "ApplySchema", &req, &out); err != nil { return out, err }
    return out, transport.Remote(out.Code, out.Error)
}

func (c *Client) PutObject(ctx context.Context, addr string, req transport.ObjectRequest) (transport.ObjectResponse, error) {
    var out transport.ObjectResponse
    if err := c.invoke(ctx, addr, "PutObject", &req, &out); err != nil { return out, err }
    return out, transport.Remote(out.Code, out.Error)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &out); err != nil { return out, err }
    return out, transport.Remote("", out.Error)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &out); err != nil { return out, err }
    return out, transport.Remote("", out.Error)
}

// Close releases pooled connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

var _ transport.RPCClient = (*Client)(nil)

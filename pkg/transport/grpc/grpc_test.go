package grpc

import (
    "context"
    "fmt"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

func startServer(t *testing.T, h transport.Handlers) string {
    t.Helper()
    s := NewServer("127.0.0.1:0")
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    require.NoError(t, s.Start(ctx, h))
    t.Cleanup(func() { _ = s.Stop(context.Background()) })
    return s.Addr()
}

func TestGRPC_ShardsAndNodes(t *testing.T) {
    addr := startServer(t, transport.Handlers{
        Shards: func(_ context.Context, class string) ([]nodestatus.ShardStat, error) {
            if class == "ClassA" { return []nodestatus.ShardStat{{Class: "ClassA", ObjectCount: 10}}, nil }
            return []nodestatus.ShardStat{}, nil
        },
        Nodes: func(_ context.Context, class string) (nodestatus.NodesResponse, error) {
            if class != "" { return nodestatus.NodesResponse{}, fmt.Errorf("%w: %q", nodestatus.ErrClassNotFound, class) }
            return nodestatus.NodesResponse{Nodes: []nodestatus.NodeStatus{{Name: "node1", Status: nodestatus.StatusHealthy}}}, nil
        },
    })
    c := NewClient(2 * time.Second)
    defer c.Close()
    ctx := context.Background()

    list, err := c.ListShards(ctx, addr, "ClassA")
    require.NoError(t, err)
    assert.Equal(t, []nodestatus.ShardStat{{Class: "ClassA", ObjectCount: 10}}, list)

    list, err = c.ListShards(ctx, addr, "")
    require.NoError(t, err)
    assert.NotNil(t, list)

    resp, err := c.NodesStatus(ctx, addr, "")
    require.NoError(t, err)
    require.Len(t, resp.Nodes, 1)
    assert.Nil(t, resp.Nodes[0].Shards)

    _, err = c.NodesStatus(ctx, addr, "Missing")
    assert.ErrorIs(t, err, nodestatus.ErrClassNotFound)

    // one pooled connection serves every call
    assert.Equal(t, 1, c.cm.Len())
}

func TestGRPC_SchemaObjectAndUnsupported(t *testing.T) {
    addr := startServer(t, transport.Handlers{
        Schema: func(_ context.Context, req transport.SchemaRequest) (transport.SchemaResponse, error) {
            if req.Op == transport.SchemaDelete { return transport.SchemaResponse{}, schema.ErrClassNotFound }
            return transport.SchemaResponse{Accepted: true, Leader: "node1"}, nil
        },
        Object: func(_ context.Context, req transport.ObjectRequest) (transport.ObjectResponse, error) {
            return transport.ObjectResponse{ID: "id-1", Node: "node1"}, nil
        },
    })
    c := NewClient(2 * time.Second)
    defer c.Close()
    ctx := context.Background()

    sr, err := c.ApplySchema(ctx, addr, transport.SchemaRequest{Op: transport.SchemaAdd, Class: schema.Class{Name: "ClassA"}})
    require.NoError(t, err)
    assert.True(t, sr.Accepted)

    _, err = c.ApplySchema(ctx, addr, transport.SchemaRequest{Op: transport.SchemaDelete, Class: schema.Class{Name: "ClassA"}})
    assert.ErrorIs(t, err, schema.ErrClassNotFound)

    or, err := c.PutObject(ctx, addr, transport.ObjectRequest{Class: "ClassA"})
    require.NoError(t, err)
    assert.Equal(t, "id-1", or.ID)

    _, err = c.ListShards(ctx, addr, "")
    assert.ErrorIs(t, err, transport.ErrNotSupported)

    _, err = c.PostJoin(ctx, addr, transport.JoinRequest{ID: "n2"})
    assert.Error(t, err)
}

func TestConnManager_EvictIdle(t *testing.T) {
    addr := startServer(t, transport.Handlers{})
    c := NewClient(time.Second)
    m := NewConnManager(time.Hour, c.dialCtx)
    defer m.Close()

    _, release, err := m.Get(context.Background(), addr)
    require.NoError(t, err)
    assert.Equal(t, 0, m.evictIdle(time.Now().Add(time.Minute)), "referenced conns stay")
    release()
    assert.Equal(t, 1, m.evictIdle(time.Now().Add(time.Minute)))
    assert.Equal(t, 0, m.Len())
}

func TestGRPC_RefusedPeerIsUnavailable(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    addr := ln.Addr().String()
    require.NoError(t, ln.Close())

    c := NewClient(5 * time.Second)
    defer c.Close()
    start := time.Now()
    _, err = c.ListShards(context.Background(), addr, "")
    require.Error(t, err)
    assert.Less(t, time.Since(start), time.Second, "refused dial must not wait for the deadline")

    agg, err := nodestatus.New(nodestatus.Options{Source: transport.ShardSource(c), Timeout: 2 * time.Second})
    require.NoError(t, err)
    reports, err := agg.GetNodesStatus(context.Background(), []nodestatus.Member{{Name: "down", Addr: addr}}, "")
    require.NoError(t, err)
    require.Len(t, reports, 1)
    assert.Equal(t, nodestatus.StatusUnavailable, reports[0].Status)
}

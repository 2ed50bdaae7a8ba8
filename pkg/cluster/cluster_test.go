package cluster

import (
    "context"
    "encoding/json"
    "log"
    "net"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-nodestatus/pkg/consensus"
    "github.com/amirimatin/go-nodestatus/pkg/membership"
    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/shards"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
    "github.com/amirimatin/go-nodestatus/pkg/transport/httpjson"
)

type staticMembership struct{ members []membership.MemberInfo }

func (s *staticMembership) Start(context.Context) error       { return nil }
func (s *staticMembership) Join([]string) error                { return nil }
func (s *staticMembership) Local() membership.MemberInfo       { return s.members[0] }
func (s *staticMembership) Members() []membership.MemberInfo   { return s.members }
func (s *staticMembership) Events() <-chan membership.Event    { return nil }
func (s *staticMembership) Leave() error                       { return nil }
func (s *staticMembership) Stop() error                        { return nil }

// Forget drops a member the way gossip forgets a failed node.
func (s *staticMembership) Forget(id string) {
    for i, m := range s.members {
        if m.ID == id { s.members = append(s.members[:i], s.members[i+1:]...); return }
    }
}

// followerConsensus never leads; leader names the node it reports as leader.
type followerConsensus struct{ leader string }

func (f followerConsensus) Start(context.Context) error                     { return nil }
func (f followerConsensus) Apply(consensus.Command, time.Duration) error    { return ErrNotLeader }
func (f followerConsensus) IsLeader() bool                                  { return false }
func (f followerConsensus) Leader() (string, string, bool)                  { return f.leader, "", f.leader != "" }
func (f followerConsensus) Term() uint64                                    { return 1 }
func (f followerConsensus) Stop() error                                     { return nil }

// replayedConsensus leads a one-node cluster whose log is already applied.
type replayedConsensus struct{ followerConsensus }

func (replayedConsensus) IsLeader() bool                     { return true }
func (replayedConsensus) WaitCaughtUp(context.Context) error { return nil }
func (replayedConsensus) AddVoter(string, string, time.Duration) error { return nil }
func (replayedConsensus) RemoveServer(string, time.Duration) error     { return nil }

func newNode(t *testing.T, id string, mut func(*Options)) *Cluster {
    t.Helper()
    opts := Options{NodeID: NodeID(id), Version: "1.0.0", GitHash: "abc123", Logger: log.New(testWriter{t}, "", 0), Store: shards.NewMemory()}
    if mut != nil { mut(&opts) }
    c, err := New(opts)
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { w.t.Log(string(p)); return len(p), nil }

func seed(t *testing.T, c *Cluster, counts map[string]int) {
    t.Helper()
    ctx := context.Background()
    for class, n := range counts {
        require.NoError(t, c.CreateClass(ctx, schema.Class{Name: class}))
        for i := 0; i < n; i++ {
            _, err := c.PutObject(ctx, class, "", json.RawMessage(`{"i":1}`))
            require.NoError(t, err)
        }
    }
}

// serve exposes c's management handlers and returns the listen address.
func serve(t *testing.T, c *Cluster) string {
    t.Helper()
    ts := httptest.NewServer(httpjson.Router(c.handlers()))
    t.Cleanup(ts.Close)
    return ts.Listener.Addr().String()
}

func TestSingleNode_NodesStatus(t *testing.T) {
    c := newNode(t, "node1", nil)
    seed(t, c, map[string]int{"ClassA": 10, "ClassB": 20})
    ctx := context.Background()

    nodes, err := c.NodesStatus(ctx, "")
    require.NoError(t, err)
    require.Len(t, nodes, 1)
    n := nodes[0]
    assert.Equal(t, "node1", n.Name)
    assert.Equal(t, "1.0.0", n.Version)
    assert.Equal(t, "abc123", n.GitHash)
    assert.Equal(t, nodestatus.StatusHealthy, n.Status)
    assert.Equal(t, nodestatus.NodeStats{ShardCount: 2, ObjectCount: 30}, n.Stats)
    assert.Equal(t, []nodestatus.ShardResponse{{Class: "ClassA", ObjectCount: 10}, {Class: "ClassB", ObjectCount: 20}}, n.Shards)

    nodes, err = c.NodesStatus(ctx, "ClassA")
    require.NoError(t, err)
    assert.Equal(t, nodestatus.NodeStats{ShardCount: 1, ObjectCount: 10}, nodes[0].Stats)
    assert.Equal(t, []nodestatus.ShardResponse{{Class: "ClassA", ObjectCount: 10}}, nodes[0].Shards)

    _, err = c.NodesStatus(ctx, "Missing")
    assert.ErrorIs(t, err, nodestatus.ErrClassNotFound)
}

func TestSingleNode_EmptyShardsAbsent(t *testing.T) {
    c := newNode(t, "node1", nil)
    nodes, err := c.NodesStatus(context.Background(), "")
    require.NoError(t, err)
    require.Len(t, nodes, 1)
    assert.Equal(t, nodestatus.StatusHealthy, nodes[0].Status)
    assert.Nil(t, nodes[0].Shards)
    assert.Zero(t, nodes[0].Stats)
}

func TestMultiNode_OrderAndStatuses(t *testing.T) {
    peer := newNode(t, "node2", nil)
    seed(t, peer, map[string]int{"ClassA": 3})
    peerAddr := serve(t, peer)

    slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        select {
        case <-r.Context().Done():
        case <-time.After(2 * time.Second):
        }
    }))
    t.Cleanup(slow.Close)

    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    deadAddr := ln.Addr().String()
    require.NoError(t, ln.Close())

    mem := &staticMembership{members: []membership.MemberInfo{
        {ID: "node1", Meta: map[string]string{membership.MetaVersion: "1.0.0"}},
        {ID: "node2", Meta: map[string]string{membership.MetaMgmt: peerAddr}},
        {ID: "node3", Meta: map[string]string{membership.MetaMgmt: deadAddr}},
        {ID: "node4", Meta: map[string]string{membership.MetaMgmt: slow.Listener.Addr().String()}},
    }}
    c := newNode(t, "node1", func(o *Options) {
        o.Membership = mem
        o.RPCClient = httpjson.NewClient(5 * time.Second)
        o.StatusTimeout = 200 * time.Millisecond
    })
    seed(t, c, map[string]int{"ClassA": 1})

    start := time.Now()
    nodes, err := c.NodesStatus(context.Background(), "")
    require.NoError(t, err)
    assert.Less(t, time.Since(start), 2*time.Second, "members are queried in parallel")
    require.Len(t, nodes, 4)

    names := []string{nodes[0].Name, nodes[1].Name, nodes[2].Name, nodes[3].Name}
    assert.Equal(t, []string{"node1", "node2", "node3", "node4"}, names)
    assert.Equal(t, nodestatus.StatusHealthy, nodes[0].Status)
    assert.Equal(t, nodestatus.StatusHealthy, nodes[1].Status)
    assert.Equal(t, []nodestatus.ShardResponse{{Class: "ClassA", ObjectCount: 3}}, nodes[1].Shards)
    assert.Equal(t, nodestatus.StatusUnavailable, nodes[2].Status)
    assert.Nil(t, nodes[2].Shards)
    assert.Equal(t, nodestatus.StatusTimeout, nodes[3].Status)
    assert.Nil(t, nodes[3].Shards)
    assert.Zero(t, nodes[3].Stats)
}

func TestSchemaLifecycle(t *testing.T) {
    c := newNode(t, "node1", nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := c.Subscribe(ctx)

    require.NoError(t, c.CreateClass(ctx, schema.Class{Name: "Article"}))
    assert.ErrorIs(t, c.CreateClass(ctx, schema.Class{Name: "Article"}), schema.ErrClassExists)
    assert.ErrorIs(t, c.CreateClass(ctx, schema.Class{Name: "article"}), schema.ErrInvalidClassName)

    select {
    case ev := <-events:
        assert.Equal(t, EventClassAdded, ev.Type)
        assert.Equal(t, "Article", ev.Class)
    case <-time.After(time.Second):
        t.Fatal("no class event")
    }

    _, err := c.PutObject(ctx, "Missing", "", nil)
    assert.ErrorIs(t, err, schema.ErrClassNotFound)
    id, err := c.PutObject(ctx, "Article", "", json.RawMessage(`{"title":"x"}`))
    require.NoError(t, err)
    assert.NotEmpty(t, id)

    list, err := c.LocalShards(ctx, "")
    require.NoError(t, err)
    assert.Equal(t, []nodestatus.ShardStat{{Class: "Article", ObjectCount: 1}}, list)

    require.NoError(t, c.DeleteClass(ctx, "Article"))
    assert.ErrorIs(t, c.DeleteClass(ctx, "Article"), schema.ErrClassNotFound)
    list, err = c.LocalShards(ctx, "")
    require.NoError(t, err)
    assert.Empty(t, list)
    assert.Equal(t, []string{}, c.Info().Classes)
}

func TestFollowerForwardsSchema(t *testing.T) {
    leader := newNode(t, "node2", nil)
    leaderAddr := serve(t, leader)
    mem := &staticMembership{members: []membership.MemberInfo{
        {ID: "node1"},
        {ID: "node2", Meta: map[string]string{membership.MetaMgmt: leaderAddr}},
    }}
    c := newNode(t, "node1", func(o *Options) {
        o.Membership = mem
        o.RPCClient = httpjson.NewClient(2 * time.Second)
        o.Consensus = followerConsensus{leader: "node2"}
    })
    ctx := context.Background()

    require.NoError(t, c.CreateClass(ctx, schema.Class{Name: "ClassA"}))
    assert.True(t, leader.st.HasClass("ClassA"))
    assert.ErrorIs(t, c.CreateClass(ctx, schema.Class{Name: "ClassA"}), schema.ErrClassExists)

    in := c.Info()
    assert.True(t, in.Healthy)
    assert.Equal(t, "node2", in.LeaderID)
    assert.Equal(t, leaderAddr, in.LeaderAddr)
}

func TestFollowerWithoutLeader(t *testing.T) {
    c := newNode(t, "node1", func(o *Options) {
        o.RPCClient = httpjson.NewClient(time.Second)
        o.Consensus = followerConsensus{}
    })
    assert.ErrorIs(t, c.CreateClass(context.Background(), schema.Class{Name: "ClassA"}), ErrNoLeader)
    assert.False(t, c.Info().Healthy)
    assert.ErrorIs(t, c.Leave(context.Background()), ErrNoLeader)
}

func TestJoinRejectedWithoutConsensus(t *testing.T) {
    c := newNode(t, "node1", nil)
    _, err := c.handleJoin(context.Background(), transport.JoinRequest{ID: "node2"})
    assert.ErrorIs(t, err, ErrNotLeader)
}

func TestStartStop(t *testing.T) {
    c := newNode(t, "node1", nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, c.Start(ctx))
    require.NoError(t, c.Start(ctx))
    require.NoError(t, c.Stop(ctx))
    require.NoError(t, c.Stop(ctx))
}

func TestOptionsValidate(t *testing.T) {
    lg := log.Default()
    cases := map[string]Options{
        "no id":        {Logger: lg, Store: shards.NewMemory()},
        "no logger":    {NodeID: "n", Store: shards.NewMemory()},
        "no store":     {NodeID: "n", Logger: lg},
        "no rpc":       {NodeID: "n", Logger: lg, Store: shards.NewMemory(), Membership: &staticMembership{}},
        "neg timeout":  {NodeID: "n", Logger: lg, Store: shards.NewMemory(), StatusTimeout: -1},
    }
    for name, o := range cases {
        t.Run(name, func(t *testing.T) { assert.Error(t, o.Validate()) })
    }
    assert.NoError(t, Options{NodeID: "n", Logger: lg, Store: shards.NewMemory()}.Validate())
}

func TestStart_DropsShardsOfRemovedClasses(t *testing.T) {
    // a persistent store still holds a shard whose class was dropped before
    // the schema snapshot the node restarted from
    store := shards.NewMemory()
    require.NoError(t, store.CreateShard("Stale"))
    _, err := store.PutObject("Stale", "", json.RawMessage(`{"i":1}`))
    require.NoError(t, err)
    st := schema.New()
    require.NoError(t, st.ApplyAddClass(schema.Class{Name: "Kept"}))

    c := newNode(t, "node1", func(o *Options) {
        o.Store = store
        o.Schema = st
        o.Consensus = replayedConsensus{}
    })
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, c.Start(ctx))

    require.Eventually(t, func() bool {
        list, err := c.LocalShards(ctx, "")
        return err == nil && len(list) == 1 && list[0].Class == "Kept"
    }, 2*time.Second, 20*time.Millisecond)

    nodes, err := c.NodesStatus(ctx, "")
    require.NoError(t, err)
    assert.Equal(t, nodestatus.NodeStats{ShardCount: 1, ObjectCount: 0}, nodes[0].Stats)
}

func TestLeave_ForgetsFailedMember(t *testing.T) {
    // node2 crashed: gossip still lists it, so status reports it unavailable
    mem := &staticMembership{members: []membership.MemberInfo{
        {ID: "node1"},
        {ID: "node2", Meta: map[string]string{membership.MetaMgmt: "127.0.0.1:1"}},
    }}
    c := newNode(t, "node1", func(o *Options) {
        o.Membership = mem
        o.RPCClient = httpjson.NewClient(time.Second)
        o.Consensus = replayedConsensus{}
    })
    ctx := context.Background()
    nodes, err := c.NodesStatus(ctx, "")
    require.NoError(t, err)
    require.Len(t, nodes, 2)
    assert.Equal(t, nodestatus.StatusUnavailable, nodes[1].Status)

    resp, err := c.handleLeave(ctx, transport.LeaveRequest{ID: "node2"})
    require.NoError(t, err)
    assert.True(t, resp.Accepted)
    nodes, err = c.NodesStatus(ctx, "")
    require.NoError(t, err)
    require.Len(t, nodes, 1)
    assert.Equal(t, "node1", nodes[0].Name)
}

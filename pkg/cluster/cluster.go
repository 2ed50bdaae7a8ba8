// Package cluster is the node runtime: it wires membership, schema consensus,
// the local shard store and the management transport around the node status
// aggregator.
package cluster

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/consensus"
    "github.com/amirimatin/go-nodestatus/pkg/internal/logutil"
    "github.com/amirimatin/go-nodestatus/pkg/membership"
    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    obsmetrics "github.com/amirimatin/go-nodestatus/pkg/observability/metrics"
    "github.com/amirimatin/go-nodestatus/pkg/observability/tracing"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/shards"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

// reconfigTimeout bounds raft voter changes.
const reconfigTimeout = 3 * time.Second

// Cluster is one node of the nodes status cluster.
type Cluster struct {
    opts Options
    mu   sync.Mutex
    run  struct {
        started bool
        closed  bool
    }
    st    *schema.State
    store shards.Store
    agg   *nodestatus.Aggregator
    cons  consensus.Consensus
    mem   membership.Membership
    rpcS  transport.RPCServer
    rpcC  transport.RPCClient
    eb    eventBus
}

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    c := &Cluster{opts: opts, st: opts.Schema, store: opts.Store, cons: opts.Consensus, mem: opts.Membership, rpcS: opts.RPCServer, rpcC: opts.RPCClient}
    if c.st == nil { c.st = schema.New() }
    agg, err := nodestatus.New(nodestatus.Options{
        Source:      routedSource{c: c},
        Schema:      c.st,
        Timeout:     opts.StatusTimeout,
        Concurrency: opts.StatusConcurrency,
        Logger:      opts.Logger,
    })
    if err != nil { return nil, err }
    c.agg = agg
    c.st.OnChange(c.onSchemaChange)
    for _, cls := range c.st.Classes() {
        if err := c.store.CreateShard(cls.Name); err != nil { return nil, err }
    }
    return c, nil
}

// onSchemaChange keeps local shards in step with the replicated schema. It
// runs on every node, leader or not, as commands are applied.
func (c *Cluster) onSchemaChange(ch schema.Change) {
    var err error
    ev := Event{At: time.Now(), Class: ch.Class}
    switch ch.Type {
    case schema.ChangeAdd:
        err = c.store.CreateShard(ch.Class)
        ev.Type = EventClassAdded
    case schema.ChangeDelete:
        err = c.store.DropShard(ch.Class)
        ev.Type = EventClassDeleted
    }
    if err != nil {
        logutil.Errorf(c.opts.Logger, "shard %s for class %s failed: %v", ch.Type, ch.Class, err)
        return
    }
    logutil.Infof(c.opts.Logger, "shard %s: class=%s", ch.Type, ch.Class)
    obsmetrics.LocalShards.Set(float64(len(c.st.Classes())))
    c.eb.publish(ev)
}

// reconcileShards drops local shards of classes the schema no longer has,
// once consensus has replayed its log. A snapshot restore only adds classes,
// so a persistent store keeps shards of classes dropped before the snapshot.
func (c *Cluster) reconcileShards(ctx context.Context, w consensus.CatchUpWaiter) {
    if err := w.WaitCaughtUp(ctx); err != nil {
        logutil.Debugf(c.opts.Logger, "shard reconcile skipped: %v", err)
        return
    }
    c.st.Sync(func(classes []schema.Class) {
        keep := make(map[string]struct{}, len(classes))
        for _, cls := range classes { keep[cls.Name] = struct{}{} }
        list, err := c.store.ListShards(ctx, "")
        if err != nil {
            logutil.Warnf(c.opts.Logger, "shard reconcile: list shards: %v", err)
            return
        }
        for _, sh := range list {
            if _, ok := keep[sh.Class]; ok { continue }
            if err := c.store.DropShard(sh.Class); err != nil {
                logutil.Warnf(c.opts.Logger, "shard reconcile: drop %s: %v", sh.Class, err)
                continue
            }
            logutil.Infof(c.opts.Logger, "dropped shard of removed class %s (%d objects)", sh.Class, sh.ObjectCount)
        }
        obsmetrics.LocalShards.Set(float64(len(classes)))
    })
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Start launches membership, consensus and the management endpoint, then
// begins the background loops.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.started {
        return nil
    }
    c.run.started = true
    obsmetrics.Register()

    if c.mem != nil {
        if err := c.mem.Start(ctx); err != nil { return err }
        if c.opts.Discovery != nil {
            if seeds := c.opts.Discovery.Seeds(); len(seeds) > 0 {
                logutil.Infof(c.opts.Logger, "joining membership seeds: %v", seeds)
                if err := c.mem.Join(seeds); err != nil {
                    logutil.Warnf(c.opts.Logger, "membership join failed: %v", err)
                }
            }
        }
        go c.membershipEventsLoop(ctx)
    }
    if c.cons != nil {
        if err := c.cons.Start(ctx); err != nil { return err }
        if ln, ok := c.cons.(consensus.LeaderNotifier); ok {
            go c.leaderLoop(ctx, ln.LeaderCh())
        }
        if w, ok := c.cons.(consensus.CatchUpWaiter); ok {
            go c.reconcileShards(ctx, w)
        }
    }
    go c.gaugesLoop(ctx)

    if c.rpcS != nil {
        if err := c.rpcS.Start(ctx, c.handlers()); err != nil { return err }
        logutil.Infof(c.opts.Logger, "management endpoint listening at %s", c.rpcS.Addr())
    }
    return nil
}

func (c *Cluster) handlers() transport.Handlers {
    return transport.Handlers{
        Nodes: func(ctx context.Context, class string) (nodestatus.NodesResponse, error) {
            nodes, err := c.NodesStatus(ctx, class)
            if err != nil { return nodestatus.NodesResponse{}, err }
            return nodestatus.NodesResponse{Nodes: nodes}, nil
        },
        Shards: c.LocalShards,
        Classes: func(context.Context) ([]schema.Class, error) { return c.st.Classes(), nil },
        Schema:  c.applySchema,
        Object: func(ctx context.Context, req transport.ObjectRequest) (transport.ObjectResponse, error) {
            id, err := c.PutObject(ctx, req.Class, req.ID, req.Properties)
            if err != nil { return transport.ObjectResponse{}, err }
            return transport.ObjectResponse{ID: id, Node: string(c.opts.NodeID)}, nil
        },
        Join:  c.handleJoin,
        Leave: c.handleLeave,
    }
}

// Members returns the membership snapshot a status query runs against,
// ordered by name.
func (c *Cluster) Members() []nodestatus.Member {
    if c.mem == nil {
        return []nodestatus.Member{c.localMember()}
    }
    return membership.Snapshot(c.mem)
}

func (c *Cluster) localMember() nodestatus.Member {
    m := nodestatus.Member{Name: string(c.opts.NodeID), Version: c.opts.Version, GitHash: c.opts.GitHash}
    if c.rpcS != nil { m.Addr = c.rpcS.Addr() }
    return m
}

// NodesStatus reports every member's health and shard counts, optionally
// narrowed to one class. An unknown class fails with
// nodestatus.ErrClassNotFound before any member is contacted.
func (c *Cluster) NodesStatus(ctx context.Context, class string) ([]nodestatus.NodeStatus, error) {
    reports, err := c.agg.GetNodesStatus(ctx, c.Members(), class)
    if err != nil { return nil, err }
    return nodestatus.BuildAll(reports), nil
}

// LocalShards lists this node's shards.
func (c *Cluster) LocalShards(ctx context.Context, class string) ([]nodestatus.ShardStat, error) {
    return c.store.ListShards(ctx, class)
}

// routedSource answers the local member from the store and peers over RPC.
type routedSource struct{ c *Cluster }

func (r routedSource) ListShards(ctx context.Context, m nodestatus.Member, class string) ([]nodestatus.ShardStat, error) {
    if m.Name == string(r.c.opts.NodeID) {
        return r.c.LocalShards(ctx, class)
    }
    if r.c.rpcC == nil { return nil, ErrNoRPCClient }
    if m.Addr == "" { return nil, fmt.Errorf("%w: %s has no management address", ErrUnreachable, m.Name) }
    return transport.ShardSource(r.c.rpcC).ListShards(ctx, m, class)
}

// Classes returns the replicated schema.
func (c *Cluster) Classes() []schema.Class { return c.st.Classes() }

// CreateClass adds cls to the replicated schema; the change reaches the
// leader from any node.
func (c *Cluster) CreateClass(ctx context.Context, cls schema.Class) error {
    if err := cls.Validate(); err != nil { return err }
    _, err := c.applySchema(ctx, transport.SchemaRequest{Op: transport.SchemaAdd, Class: cls})
    return err
}

// DeleteClass removes a class and, on every node, its shard.
func (c *Cluster) DeleteClass(ctx context.Context, name string) error {
    _, err := c.applySchema(ctx, transport.SchemaRequest{Op: transport.SchemaDelete, Class: schema.Class{Name: name}})
    return err
}

func (c *Cluster) applySchema(ctx context.Context, req transport.SchemaRequest) (resp transport.SchemaResponse, err error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.applySchema", "op", req.Op, "class", req.Class.Name)
    defer end()
    defer func() {
        result := "ok"
        if err != nil { result = "error" }
        obsmetrics.SchemaCommands.WithLabelValues(req.Op, result).Inc()
    }()

    if c.cons != nil && !c.cons.IsLeader() {
        return c.forwardSchema(ctx, req)
    }
    if err := c.checkSchema(req); err != nil { return transport.SchemaResponse{}, err }
    if c.cons == nil {
        switch req.Op {
        case transport.SchemaAdd:
            err = c.st.ApplyAddClass(req.Class)
        case transport.SchemaDelete:
            err = c.st.ApplyDeleteClass(req.Class.Name)
        }
        if err != nil { return transport.SchemaResponse{}, err }
        return transport.SchemaResponse{Accepted: true, Leader: string(c.opts.NodeID)}, nil
    }
    var cmd consensus.Command
    switch req.Op {
    case transport.SchemaAdd:
        if cmd, err = consensus.AddClass(req.Class); err != nil { return transport.SchemaResponse{}, err }
    case transport.SchemaDelete:
        cmd = consensus.DeleteClass(req.Class.Name)
    }
    if err := c.cons.Apply(cmd, 0); err != nil {
        return transport.SchemaResponse{}, err
    }
    logutil.Infof(c.opts.Logger, "schema %s committed: class=%s", req.Op, req.Class.Name)
    return transport.SchemaResponse{Accepted: true, Leader: string(c.opts.NodeID)}, nil
}

// checkSchema rejects commands the FSM would refuse, before they hit the log.
func (c *Cluster) checkSchema(req transport.SchemaRequest) error {
    switch req.Op {
    case transport.SchemaAdd:
        if err := req.Class.Validate(); err != nil { return err }
        if c.st.HasClass(req.Class.Name) { return fmt.Errorf("%w: %s", schema.ErrClassExists, req.Class.Name) }
    case transport.SchemaDelete:
        if !c.st.HasClass(req.Class.Name) { return fmt.Errorf("%w: %s", schema.ErrClassNotFound, req.Class.Name) }
    default:
        return fmt.Errorf("cluster: unknown schema op %q", req.Op)
    }
    return nil
}

func (c *Cluster) forwardSchema(ctx context.Context, req transport.SchemaRequest) (transport.SchemaResponse, error) {
    if c.rpcC == nil { return transport.SchemaResponse{}, ErrNoRPCClient }
    addr := c.leaderMgmtAddr()
    if addr == "" { return transport.SchemaResponse{}, ErrNoLeader }
    logutil.Debugf(c.opts.Logger, "forwarding schema %s to leader at %s", req.Op, addr)
    return c.rpcC.ApplySchema(ctx, addr, req)
}

// PutObject stores an object in this node's shard for class and returns its
// ID (generated when id is empty).
func (c *Cluster) PutObject(ctx context.Context, class, id string, props []byte) (string, error) {
    _, end := tracing.StartSpan(ctx, "cluster.putObject", "class", class)
    defer end()
    if !c.st.HasClass(class) {
        return "", fmt.Errorf("%w: %s", schema.ErrClassNotFound, class)
    }
    oid, err := c.store.PutObject(class, id, props)
    if err != nil { return "", err }
    obsmetrics.ObjectsWritten.WithLabelValues(class).Inc()
    return oid, nil
}

// Info returns this node's view of leadership, membership and schema.
func (c *Cluster) Info() Info {
    in := Info{NodeID: string(c.opts.NodeID), Members: c.Members(), Classes: []string{}}
    for _, cls := range c.st.Classes() { in.Classes = append(in.Classes, cls.Name) }
    if c.cons == nil {
        in.Healthy, in.LeaderID = true, in.NodeID
        if c.rpcS != nil { in.LeaderAddr = c.rpcS.Addr() }
        return in
    }
    in.Term = c.cons.Term()
    if id, _, ok := c.cons.Leader(); ok {
        in.Healthy, in.LeaderID = true, id
        in.LeaderAddr = c.leaderMgmtAddr()
    }
    return in
}

// leaderMgmtAddr resolves the leader's management address from membership.
func (c *Cluster) leaderMgmtAddr() string {
    if c.cons == nil { return "" }
    id, _, ok := c.cons.Leader()
    if !ok { return "" }
    if id == string(c.opts.NodeID) && c.rpcS != nil { return c.rpcS.Addr() }
    for _, m := range c.Members() {
        if m.Name == id { return m.Addr }
    }
    return ""
}

// Join asks the leader to add this node as a raft voter. seed may be any
// member's management address; a non-leader answers with a leader hint that
// is followed once.
func (c *Cluster) Join(ctx context.Context, seed string) error {
    if c.rpcC == nil { return ErrNoRPCClient }
    target := seed
    if target == "" { target = c.leaderMgmtAddr() }
    if target == "" { return ErrNoLeader }
    req := transport.JoinRequest{ID: string(c.opts.NodeID), RaftAddr: c.opts.RaftAddr}
    resp, err := c.rpcC.PostJoin(ctx, target, req)
    if err != nil && resp.Leader != "" && resp.Leader != target {
        resp, err = c.rpcC.PostJoin(ctx, resp.Leader, req)
    }
    if err != nil { return err }
    if !resp.Accepted { return errors.New("cluster: join rejected") }
    return nil
}

// Leave asks the leader to remove this node from the raft configuration.
func (c *Cluster) Leave(ctx context.Context) error {
    if c.rpcC == nil { return ErrNoRPCClient }
    addr := c.leaderMgmtAddr()
    if addr == "" { return ErrNoLeader }
    resp, err := c.rpcC.PostLeave(ctx, addr, transport.LeaveRequest{ID: string(c.opts.NodeID)})
    if err != nil { return err }
    if !resp.Accepted { return errors.New("cluster: leave rejected") }
    return nil
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "cluster.handleJoin")
    defer end()
    if c.cons == nil || !c.cons.IsLeader() {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Warnf(c.opts.Logger, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: c.leaderMgmtAddr()}, ErrNotLeader
    }
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return transport.JoinResponse{}, transport.ErrNotSupported }
    if err := rc.AddVoter(req.ID, req.RaftAddr, reconfigTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        logutil.Errorf(c.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{}, err
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(c.opts.Logger, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true, Leader: c.leaderMgmtAddr()}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    _, end := tracing.StartSpan(ctx, "cluster.handleLeave")
    defer end()
    if c.cons == nil || !c.cons.IsLeader() {
        logutil.Warnf(c.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{}, ErrNotLeader
    }
    if err := c.removeVoter(req.ID); err != nil { return transport.LeaveResponse{}, err }
    if f, ok := c.mem.(membership.Forgetter); ok { f.Forget(req.ID) }
    return transport.LeaveResponse{Accepted: true}, nil
}

func (c *Cluster) removeVoter(id string) error {
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return transport.ErrNotSupported }
    if err := rc.RemoveServer(id, reconfigTimeout); err != nil {
        logutil.Warnf(c.opts.Logger, "remove voter failed: id=%s err=%v", id, err)
        return err
    }
    logutil.Infof(c.opts.Logger, "removed voter: id=%s", id)
    return nil
}

func (c *Cluster) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            logutil.Infof(c.opts.Logger, "leader change observed: id=%s term=%d", li.ID, li.Term)
            liCopy := li
            c.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy})
            if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(li) }
        }
    }
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evch := c.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            m := e.Member
            et := EventMemberJoin
            switch e.Type {
            case membership.EventJoin:
                logutil.Infof(c.opts.Logger, "member joined: id=%s mgmt=%s", m.ID, m.Meta[membership.MetaMgmt])
            case membership.EventLeave, membership.EventFailed:
                et = EventMemberLeave
                if e.Type == membership.EventFailed { et = EventMemberFailed }
                logutil.Infof(c.opts.Logger, "member %s: id=%s", e.Type, m.ID)
                if c.cons != nil && c.cons.IsLeader() && m.ID != string(c.opts.NodeID) {
                    _ = c.removeVoter(m.ID)
                }
            }
            obsmetrics.ClusterMembers.Set(float64(len(c.mem.Members())))
            c.eb.publish(Event{Type: et, At: e.At, Member: &m})
        }
    }
}

// gaugesLoop refreshes point-in-time gauges.
func (c *Cluster) gaugesLoop(ctx context.Context) {
    t := time.NewTicker(2 * time.Second)
    defer t.Stop()
    for {
        c.updateGauges()
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
    }
}

func (c *Cluster) updateGauges() {
    obsmetrics.ClusterMembers.Set(float64(len(c.Members())))
    leader := 0.0
    if c.cons == nil || c.cons.IsLeader() { leader = 1 }
    obsmetrics.IsLeader.Set(leader)
    if hr, ok := c.mem.(membership.HealthReporter); ok {
        obsmetrics.HealthScore.Set(float64(hr.HealthScore()))
    }
    obsmetrics.LocalShards.Set(float64(len(c.st.Classes())))
}

// Stop shuts down consensus, membership and the management server, then
// closes the shard store.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed {
        return nil
    }
    c.run.closed = true
    if c.cons != nil {
        _ = c.cons.Stop()
    }
    if c.mem != nil {
        _ = c.mem.Leave()
        _ = c.mem.Stop()
    }
    if c.rpcS != nil {
        _ = c.rpcS.Stop(ctx)
    }
    return c.store.Close()
}

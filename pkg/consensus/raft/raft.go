package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-nodestatus/pkg/consensus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
)

var (
    ErrNotStarted = errors.New("raftcons: not started")
    ErrNotLeader  = errors.New("raftcons: not leader")
)

// Node implements consensus.Consensus using HashiCorp Raft. Its FSM replicates
// the class schema: every committed command mutates the configured SchemaState.
type Node struct {
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    lch   chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    st    SchemaState
    closer func() error
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftcons: empty NodeID")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    st := opts.State
    if st == nil { st = schema.New() }
    return &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16), st: st}, nil
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // lease must not exceed heartbeat
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        logs, stable = bstore, bstore
        n.closer = bstore.Close
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
        if err != nil { _ = bstore.Close(); return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newSchemaFSM(n.st), logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { n.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    n.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    // initial leader snapshot once raft has settled
    go func() {
        time.Sleep(50 * time.Millisecond)
        if id, addr, ok := n.Leader(); ok {
            n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
        }
    }()

    if n.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := n.r.BootstrapCluster(cfgs).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

// Apply proposes cmd on the leader and returns the FSM's error, if any.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
    if n.r == nil {
        return ErrNotStarted
    }
    if n.r.State() != raft.Leader {
        return ErrNotLeader
    }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 { t = n.opts.ApplyTimeout }
    af := n.r.Apply(data, t)
    if err := af.Error(); err != nil { return err }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil { return e }
    }
    return nil
}

func (n *Node) IsLeader() bool {
    if n.r == nil { return false }
    return n.r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    if n.r == nil { return "", "", false }
    a, sid := n.r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    if n.r == nil { return 0 }
    if v := n.r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr returns the raft transport address (empty before Start).
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) Stop() error {
    if n.r == nil { return nil }
    f := n.r.Shutdown()
    if err := f.Error(); err != nil { return err }
    n.r = nil
    if n.closer != nil {
        err := n.closer()
        n.closer = nil
        return err
    }
    return nil
}

var _ c.Consensus = (*Node)(nil)
var _ c.LeaderNotifier = (*Node)(nil)
var _ c.Reconfigurer = (*Node)(nil)
var _ c.CatchUpWaiter = (*Node)(nil)

// WaitCaughtUp polls until the FSM has applied the log's last index as of
// the call. Entries restored from a snapshot count as applied.
func (n *Node) WaitCaughtUp(ctx context.Context) error {
    r := n.r
    if r == nil { return ErrNotStarted }
    target := r.LastIndex()
    t := time.NewTicker(50 * time.Millisecond)
    defer t.Stop()
    for r.AppliedIndex() < target {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-t.C:
        }
    }
    return nil
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // last-writer-wins is fine for leadership
    }
}

// Schema returns the state machine driven by committed commands.
func (n *Node) Schema() SchemaState { return n.st }

// StateSnapshot returns the current schema snapshot (for testing/inspection).
func (n *Node) StateSnapshot() ([]byte, error) { return n.st.Snapshot() }

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    if n.r == nil {
        return ErrNotStarted
    }
    cfg := n.r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // stale entry with a different address
                rf := n.r.RemoveServer(srv.ID, 0, timeout)
                if err := rf.Error(); err != nil { return err }
                break
            }
        }
    }
    return n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    if n.r == nil {
        return ErrNotStarted
    }
    return n.r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

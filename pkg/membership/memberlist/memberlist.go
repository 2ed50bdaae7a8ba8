package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    base "github.com/amirimatin/go-nodestatus/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the advertised address (host:port) that peers will use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Meta is gossiped to peers; see the membership.Meta* keys.
    Meta map[string]string

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    nd     *nodeDelegate
    evts   chan base.Event
    closed bool

    // failed holds members gossip declared dead. They stay in Members until
    // they rejoin, leave gracefully or are forgotten. fmu is never held while
    // calling into memberlist, which invokes the event delegate under its own
    // node lock.
    fmu    sync.Mutex
    failed map[string]base.MemberInfo
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &impl{
        opts:   opts,
        evts:   make(chan base.Event, 64),
        failed: make(map[string]base.MemberInfo),
    }, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil {
        return nil
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, portStr, err := net.SplitHostPort(m.opts.Bind)
    if err != nil {
        return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
    }
    port, err := parsePort(portStr)
    if err != nil {
        return err
    }
    cfg.BindAddr = host
    cfg.BindPort = port

    if m.opts.Advertise != "" {
        ahost, aportStr, err := net.SplitHostPort(m.opts.Advertise)
        if err != nil {
            return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
        }
        aport, err := parsePort(aportStr)
        if err != nil {
            return err
        }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }

    if m.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = m.opts.ProbeInterval
    }
    if m.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = m.opts.ProbeTimeout
    }
    if m.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = m.opts.SuspicionMult
    }

    cfg.Events = &eventDelegate{emit: m.emit, track: m.track}
    metaBytes, err := encodeMeta(m.opts.Meta, true)
    if err != nil { return err }
    m.nd = &nodeDelegate{meta: metaBytes}
    cfg.Delegate = m.nd
    cfg.LogOutput = m.opts.Logger.Writer()

    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()

    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil {
        return fmt.Errorf("memberlist: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    _, err := ml.Join(seeds)
    return err
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return base.MemberInfo{}
    }
    mi := toInfo(m.ml.LocalNode())
    if len(mi.Meta) == 0 && m.opts.Meta != nil {
        mi.Meta = m.opts.Meta
    }
    return mi
}

// Members returns the alive members plus those that failed without leaving,
// ordered by ID.
func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return nil
    }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    alive := make(map[string]struct{}, len(nodes))
    for _, n := range nodes {
        out = append(out, toInfo(n))
        alive[n.Name] = struct{}{}
    }
    m.fmu.Lock()
    for id, mi := range m.failed {
        if _, ok := alive[id]; !ok { out = append(out, mi) }
    }
    m.fmu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Forget drops a failed member from Members. Alive members are unaffected.
func (m *impl) Forget(id string) {
    m.fmu.Lock()
    delete(m.failed, id)
    m.fmu.Unlock()
}

// track records the failure state carried by an event.
func (m *impl) track(e base.Event) {
    m.fmu.Lock()
    defer m.fmu.Unlock()
    if e.Type == base.EventFailed {
        m.failed[e.Member.ID] = e.Member
        return
    }
    delete(m.failed, e.Member.ID)
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 {
        _ = json.Unmarshal(n.Meta, &meta)
    }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *impl) Events() <-chan base.Event { return m.evts }

// Leave first gossips the leaving flag so peers report a graceful leave
// rather than a failure, then broadcasts the leave itself.
func (m *impl) Leave() error {
    m.mu.RLock()
    ml, nd := m.ml, m.nd
    m.mu.RUnlock()
    if ml == nil {
        return nil
    }
    meta := make(map[string]string, len(m.opts.Meta)+1)
    for k, v := range m.opts.Meta { meta[k] = v }
    meta[base.MetaLeaving] = "true"
    if b, err := encodeMeta(meta, false); err == nil {
        nd.setMeta(b)
        _ = ml.UpdateNode(time.Second)
    }
    // best-effort: leave and give some time to broadcast
    _ = ml.Leave(time.Second)
    return nil
}

func encodeMeta(meta map[string]string, reserve bool) ([]byte, error) {
    b, err := json.Marshal(meta)
    if err != nil { return nil, err }
    limit := memberlist.MetaMaxSize
    // room for the leaving flag added on Leave
    if reserve { limit -= len(`,"` + base.MetaLeaving + `":"true"`) }
    if len(b) > limit {
        return nil, fmt.Errorf("memberlist: meta exceeds %d bytes", limit)
    }
    return b, nil
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return nil
    }
    m.closed = true
    if m.ml != nil {
        _ = m.ml.Shutdown()
        m.ml = nil
    }
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score if available.
// Implements membership.HealthReporter.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return -1
    }
    return m.ml.GetHealthScore()
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct{
    emit  func(e base.Event)
    track func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) { d.send(base.EventJoin, n) }

// NotifyLeave fires for both a graceful leave and a failure. memberlist does
// not expose which one on the Node it passes, so a member that did not gossip
// the leaving flag first is reported failed.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    t := base.EventFailed
    if toInfo(n).Meta[base.MetaLeaving] != "" { t = base.EventLeave }
    d.send(t, n)
}

// Meta updates (e.g. a restarted node with a new version) re-announce the
// member. The leaving flag alone is not news; the leave follows.
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil || toInfo(n).Meta[base.MetaLeaving] != "" { return }
    d.send(base.EventJoin, n)
}

func (d *eventDelegate) send(t base.EventType, n *memberlist.Node) {
    if n == nil { return }
    e := base.Event{Type: t, Member: toInfo(n), At: time.Now()}
    if d.track != nil { d.track(e) }
    if d.emit != nil { d.emit(e) }
}

func (m *impl) emit(e base.Event) {
    defer func(){ recover() }()
    select {
    case m.evts <- e:
    default:
        // drop if channel is full to avoid blocking
        if m.opts.Logger != nil {
            m.opts.Logger.Printf("memberlist: dropping event %v: channel full", e.Type)
        }
    }
}

func parsePort(s string) (int, error) {
    p, err := strconv.Atoi(s)
    if err != nil || p < 0 || p > 65535 {
        return 0, fmt.Errorf("invalid port: %q", s)
    }
    return p, nil
}

// nodeDelegate implements memberlist.Delegate to propagate node metadata.
type nodeDelegate struct {
    mu   sync.Mutex
    meta []byte
}

func (d *nodeDelegate) setMeta(b []byte) {
    d.mu.Lock()
    d.meta = b
    d.mu.Unlock()
}

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.meta) <= limit { return d.meta }
    return nil
}

// Remaining Delegate hooks are unused.
func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

package bootstrap

import (
    "context"
    "crypto/tls"
    "log"
    "path/filepath"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/cluster"
    cns "github.com/amirimatin/go-nodestatus/pkg/consensus"
    consraft "github.com/amirimatin/go-nodestatus/pkg/consensus/raft"
    "github.com/amirimatin/go-nodestatus/pkg/discovery"
    "github.com/amirimatin/go-nodestatus/pkg/membership"
    ml "github.com/amirimatin/go-nodestatus/pkg/membership/memberlist"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    tlsx "github.com/amirimatin/go-nodestatus/pkg/security/tlsconfig"
    "github.com/amirimatin/go-nodestatus/pkg/shards"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-nodestatus/pkg/transport/grpc"
    "github.com/amirimatin/go-nodestatus/pkg/transport/httpjson"
    "github.com/amirimatin/go-nodestatus/pkg/version"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
    // Identity and addresses
    NodeID   string
    RaftAddr string // e.g., ":9521" or "host:9521"
    MemBind  string // membership bind host:port
    MemAdv   string // optional advertise host:port

    // Management API (status/schema/objects/join/leave/metrics)
    MgmtAddr  string // host:port for management API (HTTP or gRPC)
    MgmtAdv   string // optional address peers use to reach MgmtAddr
    MgmtProto string // "http" (default) or "grpc"

    // Discovery: SeedsCSV, the seeds file and DNS names are merged.
    SeedsCSV    string
    FilePath    string
    FileEnv     string
    DNSNames    string // CSV of SRV names, hostnames or host:port
    DNSPort     int    // gossip port for A/AAAA answers, zero → 7946
    DiscRefresh time.Duration

    // Persistence and bootstrap
    DataDir   string // empty → in-memory raft and shards
    Bootstrap bool   // single-node bootstrap

    // Status collection
    StatusTimeout     time.Duration // per-member deadline, zero → 3s
    StatusConcurrency int           // zero → unbounded

    // TLS (optional) for management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger

    OnLeaderChange func(info cns.LeaderInfo)
}

func (c Config) mgmtAdvertise() string {
    if c.MgmtAdv != "" { return c.MgmtAdv }
    return c.MgmtAddr
}

// seedSource merges every configured seed source.
func (c Config) seedSource() discovery.Discovery {
    sources := []discovery.Discovery{
        discovery.NewStatic(discovery.Parse(c.SeedsCSV)...),
        discovery.NewFile(discovery.FileOptions{Path: c.FilePath, Env: c.FileEnv, Refresh: c.DiscRefresh}),
    }
    if names := discovery.Parse(c.DNSNames); len(names) > 0 {
        sources = append(sources, discovery.NewDNS(discovery.DNSOptions{Names: names, Port: c.DNSPort, Refresh: c.DiscRefresh, Logger: c.Logger}))
    }
    return discovery.Merge(sources...)
}

// Build assembles a cluster.Cluster from Config without starting it.
func Build(cfg Config) (*cluster.Cluster, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }

    disc := cfg.seedSource()

    // Shard storage
    var store shards.Store = shards.NewMemory()
    raftDir := ""
    if cfg.DataDir != "" {
        b, err := shards.OpenBolt(filepath.Join(cfg.DataDir, "shards"))
        if err != nil { return nil, err }
        store = b
        raftDir = filepath.Join(cfg.DataDir, "raft")
    }

    // Consensus (Raft) applies schema commands to the state the node reads.
    st := schema.New()
    cons, err := consraft.New(consraft.Options{NodeID: cfg.NodeID, Logger: cfg.Logger, State: st, BindAddr: cfg.RaftAddr, DataDir: raftDir, Bootstrap: cfg.Bootstrap})
    if err != nil { _ = store.Close(); return nil, err }

    // Membership (memberlist). The management address travels in gossip meta
    // so peers can query this node's shards and forward schema writes.
    memMeta := map[string]string{
        membership.MetaRaft:    cfg.RaftAddr,
        membership.MetaVersion: version.Version,
        membership.MetaGitHash: version.GitHash,
    }
    if adv := cfg.mgmtAdvertise(); adv != "" { memMeta[membership.MetaMgmt] = adv }
    mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: memMeta})
    if err != nil { _ = store.Close(); return nil, err }

    // Management API
    var srv transport.RPCServer
    var cli transport.RPCClient
    var srvTLS, cliTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
        if srvTLS, err = topts.Server(); err != nil { _ = store.Close(); return nil, err }
        if cliTLS, err = topts.Client(); err != nil { _ = store.Close(); return nil, err }
    }
    srv, cli = NewTransport(cfg.MgmtProto, cfg.MgmtAddr, cfg.Logger, srvTLS, cliTLS, PeerTimeout(cfg.StatusTimeout))

    opts := cluster.Options{
        NodeID:            cluster.NodeID(cfg.NodeID),
        Version:           version.Version,
        GitHash:           version.GitHash,
        Logger:            cfg.Logger,
        Store:             store,
        Schema:            st,
        Consensus:         cons,
        RaftAddr:          cfg.RaftAddr,
        Membership:        mem,
        Discovery:         disc,
        RPCServer:         srv,
        RPCClient:         cli,
        StatusTimeout:     cfg.StatusTimeout,
        StatusConcurrency: cfg.StatusConcurrency,
        OnLeaderChange:    cfg.OnLeaderChange,
    }
    return cluster.New(opts)
}

// defaultStatusTimeout mirrors the aggregator's per-member default.
const defaultStatusTimeout = 3 * time.Second

// PeerTimeout sizes the RPC client limit from the per-member status
// deadline. The client limit must outlast that deadline, otherwise a member
// answering late but in time is cut off and reported UNAVAILABLE.
func PeerTimeout(statusTimeout time.Duration) time.Duration {
    if statusTimeout <= 0 { statusTimeout = defaultStatusTimeout }
    return statusTimeout + 2*time.Second
}

// NewTransport returns the management server and a client whose per-call
// limit is timeout, for proto ("http" or "grpc"). A nil TLS config leaves
// that side in plaintext.
func NewTransport(proto, bind string, logger *log.Logger, srvTLS, cliTLS *tls.Config, timeout time.Duration) (transport.RPCServer, transport.RPCClient) {
    switch proto {
    case "grpc":
        s := mgmtgrpc.NewServer(bind)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        c := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c
    default:
        s := httpjson.NewServer(bind, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        c := httpjson.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c
    }
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
    cl, err := Build(cfg)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil { _ = cl.Close(); return nil, err }
    return cl, nil
}

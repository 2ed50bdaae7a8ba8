//go:build integration

package integration

import (
    "context"
    "fmt"
    "testing"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/bootstrap"
    "github.com/amirimatin/go-nodestatus/pkg/cluster"
)

// nodeConfig lays out node i (1-based) on fixed loopback ports.
func nodeConfig(i int) bootstrap.Config {
    cfg := bootstrap.Config{
        NodeID:        fmt.Sprintf("n%d", i),
        RaftAddr:      fmt.Sprintf("127.0.0.1:952%d", i),
        MemBind:       fmt.Sprintf("127.0.0.1:%d946", 6+i),
        MgmtAddr:      fmt.Sprintf("127.0.0.1:1%d946", 6+i),
        StatusTimeout: time.Second,
        Bootstrap:     i == 1,
    }
    if i > 1 { cfg.SeedsCSV = "127.0.0.1:7946" }
    return cfg
}

func mustRun(t *testing.T, ctx context.Context, cfg bootstrap.Config) *cluster.Cluster {
    t.Helper()
    cl, err := bootstrap.Run(ctx, cfg)
    if err != nil { t.Fatalf("%s: %v", cfg.NodeID, err) }
    t.Cleanup(func() { _ = cl.Close() })
    return cl
}

// mustStartThreeNodes starts n1 (bootstrapped leader), n2 and n3, and joins
// the latter two as raft voters.
func mustStartThreeNodes(t *testing.T, ctx context.Context, mut func(*bootstrap.Config)) (n1, n2, n3 *cluster.Cluster) {
    t.Helper()
    nodes := make([]*cluster.Cluster, 3)
    for i := range nodes {
        cfg := nodeConfig(i + 1)
        if mut != nil { mut(&cfg) }
        nodes[i] = mustRun(t, ctx, cfg)
        if i == 0 { awaitLeader(t, nodes[0], "n1") }
    }
    for _, n := range nodes[1:] {
        jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
        err := n.Join(jctx, "127.0.0.1:17946")
        cancel()
        if err != nil { t.Fatalf("join %s: %v", n.Info().NodeID, err) }
    }
    waitUntil(t, 15*time.Second, func() error {
        for _, n := range nodes {
            in := n.Info()
            if !in.Healthy || len(in.Members) != 3 { return fmt.Errorf("%s: healthy=%v members=%d", in.NodeID, in.Healthy, len(in.Members)) }
        }
        return nil
    })
    return nodes[0], nodes[1], nodes[2]
}

func awaitLeader(t *testing.T, n *cluster.Cluster, want string) {
    t.Helper()
    waitUntil(t, 10*time.Second, func() error {
        if in := n.Info(); in.LeaderID != want { return fmt.Errorf("leader=%q", in.LeaderID) }
        return nil
    })
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil {
            return
        }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for condition: %v", last)
}

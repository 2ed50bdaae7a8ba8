package nodestatus

import (
    "context"
    "encoding/json"
    "errors"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

type classSet map[string]bool

func (c classSet) HasClass(name string) bool { return c[name] }

// fakeCluster answers ListShards from a per-member shard table, optionally
// failing or delaying individual members.
type fakeCluster struct {
    shards map[string][]ShardStat
    fail   map[string]error
    delay  map[string]time.Duration
    calls  atomic.Int64
}

func (f *fakeCluster) ListShards(ctx context.Context, m Member, class string) ([]ShardStat, error) {
    f.calls.Add(1)
    if d := f.delay[m.Name]; d > 0 {
        select {
        case <-time.After(d):
        case <-ctx.Done():
            return nil, ctx.Err()
        }
    }
    if err := f.fail[m.Name]; err != nil { return nil, err }
    return f.shards[m.Name], nil
}

func member(name string) Member {
    return Member{Name: name, Addr: name + ":8080", Version: "1.20.5", GitHash: "c14301b"}
}

func newAggregator(t *testing.T, src ShardSource, schema SchemaLookup, timeout time.Duration) *Aggregator {
    t.Helper()
    a, err := New(Options{Source: src, Schema: schema, Timeout: timeout})
    require.NoError(t, err)
    return a
}

func TestGetNodesStatus_SingleNodeWithoutData(t *testing.T) {
    src := &fakeCluster{}
    a := newAggregator(t, src, classSet{}, time.Second)

    reports, err := a.GetNodesStatus(context.Background(), []Member{member("node1")}, "")
    require.NoError(t, err)
    require.Len(t, reports, 1)

    ns := Build(reports[0])
    assert.Equal(t, "node1", ns.Name)
    assert.Equal(t, "c14301b", ns.GitHash)
    assert.Equal(t, "1.20.5", ns.Version)
    assert.Equal(t, StatusHealthy, ns.Status)
    assert.Equal(t, NodeStats{ShardCount: 0, ObjectCount: 0}, ns.Stats)
    assert.Nil(t, ns.Shards)
}

func TestGetNodesStatus_SingleNodeWithData(t *testing.T) {
    src := &fakeCluster{shards: map[string][]ShardStat{
        "node1": {{Class: "ClassB", ObjectCount: 20}, {Class: "ClassA", ObjectCount: 10}},
    }}
    a := newAggregator(t, src, classSet{"ClassA": true, "ClassB": true}, time.Second)
    members := []Member{member("node1")}

    reports, err := a.GetNodesStatus(context.Background(), members, "")
    require.NoError(t, err)
    require.Len(t, reports, 1)
    ns := Build(reports[0])
    assert.Equal(t, StatusHealthy, ns.Status)
    assert.Equal(t, NodeStats{ShardCount: 2, ObjectCount: 30}, ns.Stats)
    assert.Equal(t, []ShardResponse{{Class: "ClassA", ObjectCount: 10}, {Class: "ClassB", ObjectCount: 20}}, ns.Shards)

    reports, err = a.GetNodesStatus(context.Background(), members, "ClassA")
    require.NoError(t, err)
    require.Len(t, reports, 1)
    ns = Build(reports[0])
    assert.Equal(t, NodeStats{ShardCount: 1, ObjectCount: 10}, ns.Stats)
    assert.Equal(t, []ShardResponse{{Class: "ClassA", ObjectCount: 10}}, ns.Shards)
}

func TestGetNodesStatus_Idempotent(t *testing.T) {
    src := &fakeCluster{shards: map[string][]ShardStat{
        "n1": {{Class: "ClassA", ObjectCount: 3}},
        "n2": {{Class: "ClassA", ObjectCount: 4}, {Class: "ClassB", ObjectCount: 1}},
    }}
    a := newAggregator(t, src, nil, time.Second)
    members := []Member{member("n1"), member("n2")}

    first, err := a.GetNodesStatus(context.Background(), members, "")
    require.NoError(t, err)
    second, err := a.GetNodesStatus(context.Background(), members, "")
    require.NoError(t, err)
    assert.Equal(t, BuildAll(first), BuildAll(second))
    assert.Equal(t, int64(4), src.calls.Load())
}

func TestGetNodesStatus_UnreachableMemberKept(t *testing.T) {
    src := &fakeCluster{
        shards: map[string][]ShardStat{
            "n1": {{Class: "ClassA", ObjectCount: 3}},
            "n2": {{Class: "ClassA", ObjectCount: 7}},
            "n3": {{Class: "ClassA", ObjectCount: 1}},
        },
        fail: map[string]error{"n2": errors.New("dial tcp n2:8080: connection refused")},
    }
    a := newAggregator(t, src, nil, time.Second)
    members := []Member{member("n1"), member("n2"), member("n3")}

    reports, err := a.GetNodesStatus(context.Background(), members, "")
    require.NoError(t, err)
    require.Len(t, reports, 3)
    assert.Equal(t, StatusHealthy, reports[0].Status)
    assert.Equal(t, StatusUnavailable, reports[1].Status)
    assert.Equal(t, NodeStats{}, reports[1].Stats)
    assert.False(t, reports[1].Shards.Present())
    assert.Equal(t, "n2", reports[1].Member.Name)
    assert.Equal(t, StatusHealthy, reports[2].Status)
}

func TestGetNodesStatus_OrderIndependentOfLatency(t *testing.T) {
    src := &fakeCluster{
        shards: map[string][]ShardStat{
            "a": {{Class: "C", ObjectCount: 1}},
            "b": {{Class: "C", ObjectCount: 2}},
            "c": {{Class: "C", ObjectCount: 3}},
        },
        delay: map[string]time.Duration{"a": 150 * time.Millisecond, "b": 50 * time.Millisecond},
    }
    a := newAggregator(t, src, nil, time.Second)
    members := []Member{member("a"), member("b"), member("c")}

    reports, err := a.GetNodesStatus(context.Background(), members, "")
    require.NoError(t, err)
    require.Len(t, reports, 3)
    for i, want := range []string{"a", "b", "c"} {
        assert.Equal(t, want, reports[i].Member.Name)
        assert.Equal(t, int64(i+1), reports[i].Stats.ObjectCount)
    }
}

func TestGetNodesStatus_TimeoutMember(t *testing.T) {
    src := &fakeCluster{
        shards: map[string][]ShardStat{"fast": {{Class: "C", ObjectCount: 1}}},
        delay:  map[string]time.Duration{"slow": 5 * time.Second},
    }
    a := newAggregator(t, src, nil, 50*time.Millisecond)

    start := time.Now()
    reports, err := a.GetNodesStatus(context.Background(), []Member{member("fast"), member("slow")}, "")
    require.NoError(t, err)
    assert.Less(t, time.Since(start), 2*time.Second)
    assert.Equal(t, StatusHealthy, reports[0].Status)
    assert.Equal(t, StatusTimeout, reports[1].Status)
    assert.Equal(t, NodeStats{}, reports[1].Stats)
}

func TestGetNodesStatus_SourceIgnoringContextStillTimesOut(t *testing.T) {
    block := make(chan struct{})
    defer close(block)
    src := ShardSourceFunc(func(ctx context.Context, m Member, class string) ([]ShardStat, error) {
        <-block
        return nil, nil
    })
    a := newAggregator(t, src, nil, 30*time.Millisecond)

    reports, err := a.GetNodesStatus(context.Background(), []Member{member("stuck")}, "")
    require.NoError(t, err)
    assert.Equal(t, StatusTimeout, reports[0].Status)
}

func TestGetNodesStatus_FilterWithoutMatchesIsEmptyList(t *testing.T) {
    src := &fakeCluster{shards: map[string][]ShardStat{
        "n1": {{Class: "ClassA", ObjectCount: 3}},
        "n2": {{Class: "ClassB", ObjectCount: 4}},
    }}
    a := newAggregator(t, src, classSet{"ClassA": true, "ClassB": true}, time.Second)

    reports, err := a.GetNodesStatus(context.Background(), []Member{member("n1"), member("n2")}, "ClassA")
    require.NoError(t, err)
    assert.Equal(t, NodeStats{ShardCount: 1, ObjectCount: 3}, reports[0].Stats)
    assert.True(t, reports[1].Shards.Present())
    assert.Equal(t, 0, reports[1].Shards.Len())

    b, err := json.Marshal(Build(reports[1]))
    require.NoError(t, err)
    assert.Contains(t, string(b), `"shards":[]`)
}

func TestGetNodesStatus_UnknownClass(t *testing.T) {
    src := &fakeCluster{}
    a := newAggregator(t, src, classSet{"ClassA": true}, time.Second)

    _, err := a.GetNodesStatus(context.Background(), []Member{member("n1")}, "Nope")
    require.ErrorIs(t, err, ErrClassNotFound)
    assert.Zero(t, src.calls.Load())
}

func TestGetNodesStatus_NoMembers(t *testing.T) {
    a := newAggregator(t, &fakeCluster{}, nil, time.Second)
    _, err := a.GetNodesStatus(context.Background(), nil, "")
    require.ErrorIs(t, err, ErrNoMembers)
}

func TestGetNodesStatus_CallerCancelled(t *testing.T) {
    src := &fakeCluster{delay: map[string]time.Duration{"n1": time.Second}}
    a := newAggregator(t, src, nil, 5*time.Second)

    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
    defer cancel()
    _, err := a.GetNodesStatus(ctx, []Member{member("n1")}, "")
    require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetNodesStatus_ConcurrencyLimit(t *testing.T) {
    var inflight, peak atomic.Int64
    src := ShardSourceFunc(func(ctx context.Context, m Member, class string) ([]ShardStat, error) {
        n := inflight.Add(1)
        for {
            p := peak.Load()
            if n <= p || peak.CompareAndSwap(p, n) { break }
        }
        time.Sleep(10 * time.Millisecond)
        inflight.Add(-1)
        return nil, nil
    })
    a, err := New(Options{Source: src, Concurrency: 2, Timeout: time.Second})
    require.NoError(t, err)

    members := []Member{member("a"), member("b"), member("c"), member("d"), member("e")}
    reports, err := a.GetNodesStatus(context.Background(), members, "")
    require.NoError(t, err)
    assert.Len(t, reports, 5)
    assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options{})
    assert.Error(t, err)
    _, err = New(Options{Source: &fakeCluster{}, Timeout: -1})
    assert.Error(t, err)
    _, err = New(Options{Source: &fakeCluster{}, Concurrency: -1})
    assert.Error(t, err)
}

package nodestatus

import (
    "context"
    "errors"
    "log"
    "time"

    obsmetrics "github.com/amirimatin/go-nodestatus/pkg/observability/metrics"
    "github.com/amirimatin/go-nodestatus/pkg/internal/logutil"
)

// DefaultTimeout bounds a single member collection when none is configured.
const DefaultTimeout = 3 * time.Second

// Collector queries one member's shard source and turns the answer into a
// Report. It never fails: transport errors and timeouts become the member's
// status.
type Collector struct {
    source  ShardSource
    timeout time.Duration
    logger  *log.Logger
}

// NewCollector returns a collector bounded by timeout per member (DefaultTimeout
// when <= 0).
func NewCollector(source ShardSource, timeout time.Duration, logger *log.Logger) *Collector {
    if timeout <= 0 { timeout = DefaultTimeout }
    if logger == nil { logger = log.Default() }
    return &Collector{source: source, timeout: timeout, logger: logger}
}

// Timeout returns the per-member timeout.
func (c *Collector) Timeout() time.Duration { return c.timeout }

type listResult struct {
    shards []ShardStat
    err    error
}

// CollectOne collects the status of m. A non-empty class restricts stats and
// shards to that class.
func (c *Collector) CollectOne(ctx context.Context, m Member, class string) Report {
    start := time.Now()
    r := Report{Member: m, Status: StatusHealthy, Shards: AbsentShards()}
    defer func() {
        obsmetrics.MemberCollections.WithLabelValues(string(r.Status)).Inc()
        obsmetrics.CollectDuration.Observe(time.Since(start).Seconds())
    }()

    if c.source == nil {
        r.Status = StatusUnavailable
        logutil.Warnf(c.logger, "nodestatus: no shard source for member %s", m.Name)
        return r
    }

    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()

    // The source runs in its own goroutine so a source that ignores ctx still
    // cannot hold the member past its deadline.
    ch := make(chan listResult, 1)
    go func() {
        shards, err := c.source.ListShards(cctx, m, class)
        ch <- listResult{shards: shards, err: err}
    }()

    var res listResult
    select {
    case res = <-ch:
    case <-cctx.Done():
        res.err = cctx.Err()
    }

    if res.err != nil {
        r.Status = StatusUnavailable
        if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
            r.Status = StatusTimeout
        }
        logutil.Warnf(c.logger, "nodestatus: member %s (%s) %s: %v", m.Name, m.Addr, r.Status, res.err)
        return r
    }

    matched := make([]ShardStat, 0, len(res.shards))
    for _, s := range res.shards {
        if class != "" && s.Class != class { continue }
        matched = append(matched, s)
        r.Stats.ObjectCount += s.ObjectCount
    }
    r.Stats.ShardCount = int64(len(matched))
    sortShards(matched)

    switch {
    case class != "":
        r.Shards = PresentShards(matched)
    case len(matched) > 0:
        r.Shards = PresentShards(matched)
    }
    return r
}

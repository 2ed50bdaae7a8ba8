package nodestatus

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "golang.org/x/sync/errgroup"

    obsmetrics "github.com/amirimatin/go-nodestatus/pkg/observability/metrics"
    "github.com/amirimatin/go-nodestatus/pkg/observability/tracing"
)

// Options configures an Aggregator.
type Options struct {
    // Source enumerates shards per member (required).
    Source ShardSource
    // Schema validates class filters. When nil, filters are not validated.
    Schema SchemaLookup
    // Timeout bounds each member collection; DefaultTimeout when zero.
    Timeout time.Duration
    // Concurrency caps in-flight member collections; zero means one per member.
    Concurrency int
    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
}

// Validate checks the options without side effects.
func (o Options) Validate() error {
    if o.Source == nil {
        return errors.New("nodestatus: nil Source")
    }
    if o.Timeout < 0 {
        return errors.New("nodestatus: negative Timeout")
    }
    if o.Concurrency < 0 {
        return errors.New("nodestatus: negative Concurrency")
    }
    return nil
}

// Aggregator fans a nodes status query out to every member of a snapshot.
// It holds no per-request state and is safe for concurrent use.
type Aggregator struct {
    collector   *Collector
    schema      SchemaLookup
    concurrency int
}

// New constructs an Aggregator from validated options.
func New(opts Options) (*Aggregator, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    return &Aggregator{
        collector:   NewCollector(opts.Source, opts.Timeout, opts.Logger),
        schema:      opts.Schema,
        concurrency: opts.Concurrency,
    }, nil
}

// Collector exposes the per-member collector used by the aggregator.
func (a *Aggregator) Collector() *Collector { return a.collector }

// GetNodesStatus returns one report per member, in members order. An empty
// class means all classes. The call fails only for an unknown class, an
// empty snapshot, or a caller context that ended before every member was
// collected; unreachable or slow members are reported, never dropped.
func (a *Aggregator) GetNodesStatus(ctx context.Context, members []Member, class string) (reports []Report, err error) {
    scope := "cluster"
    if class != "" { scope = "class" }
    ctx, end := tracing.StartSpan(ctx, "nodestatus.GetNodesStatus", "class", class)
    defer end()
    defer func() {
        result := "ok"
        if err != nil { result = "error" }
        obsmetrics.StatusQueries.WithLabelValues(scope, result).Inc()
    }()

    if class != "" && a.schema != nil && !a.schema.HasClass(class) {
        return nil, fmt.Errorf("%w: %q", ErrClassNotFound, class)
    }
    if len(members) == 0 {
        return nil, ErrNoMembers
    }

    out := make([]Report, len(members))
    g, gctx := errgroup.WithContext(ctx)
    if a.concurrency > 0 { g.SetLimit(a.concurrency) }
    for i := range members {
        i, m := i, members[i]
        g.Go(func() error {
            out[i] = a.collector.CollectOne(gctx, m, class)
            return nil
        })
    }
    _ = g.Wait()

    if err := ctx.Err(); err != nil {
        return nil, err
    }
    return out, nil
}

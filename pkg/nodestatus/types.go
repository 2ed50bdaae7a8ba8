// Package nodestatus aggregates per-shard object counts from every cluster
// member into the nodes status view: one report per member, with node health,
// shard and object totals, and the shard list itself.
package nodestatus

import (
    "context"
    "sort"
)

// Status is the health of a member as seen by a single status query.
type Status string

const (
    StatusHealthy     Status = "HEALTHY"
    StatusUnavailable Status = "UNAVAILABLE"
    StatusTimeout     Status = "TIMEOUT"
)

// Member is one entry of a membership snapshot. Snapshots are passed into the
// aggregator per call and never mutated by it.
type Member struct {
    Name    string
    Addr    string
    Version string
    GitHash string
}

// ShardStat is a point-in-time count of the objects held by one shard.
type ShardStat struct {
    Class       string `json:"class"`
    ObjectCount int64  `json:"objectCount"`
}

// NodeStats aggregates a member's (optionally class-filtered) shards.
type NodeStats struct {
    ShardCount  int64 `json:"shardCount"`
    ObjectCount int64 `json:"objectCount"`
}

// Shards is either a present list of shard stats (possibly empty) or absent.
// The zero value is absent.
type Shards struct {
    list    []ShardStat
    present bool
}

// PresentShards returns a present shard list. A nil list is present and empty.
func PresentShards(list []ShardStat) Shards {
    out := make([]ShardStat, len(list))
    copy(out, list)
    return Shards{list: out, present: true}
}

// AbsentShards returns the absent marker.
func AbsentShards() Shards { return Shards{} }

// Get returns the list and whether it is present.
func (s Shards) Get() ([]ShardStat, bool) {
    if !s.present { return nil, false }
    out := make([]ShardStat, len(s.list))
    copy(out, s.list)
    return out, true
}

// Present reports whether the list is present.
func (s Shards) Present() bool { return s.present }

// Len is the number of shards, 0 when absent.
func (s Shards) Len() int { return len(s.list) }

// Report is the collected status of one member.
type Report struct {
    Member Member
    Status Status
    Stats  NodeStats
    Shards Shards
}

// ShardSource enumerates the shards a member hosts. A non-empty class limits
// the result to that class; implementations may ignore the hint and return
// everything, the collector filters again.
type ShardSource interface {
    ListShards(ctx context.Context, m Member, class string) ([]ShardStat, error)
}

// ShardSourceFunc adapts a function to ShardSource.
type ShardSourceFunc func(ctx context.Context, m Member, class string) ([]ShardStat, error)

func (f ShardSourceFunc) ListShards(ctx context.Context, m Member, class string) ([]ShardStat, error) {
    return f(ctx, m, class)
}

// SchemaLookup reports whether a class is defined in the schema.
type SchemaLookup interface {
    HasClass(name string) bool
}

func sortShards(s []ShardStat) {
    sort.SliceStable(s, func(i, j int) bool { return s[i].Class < s[j].Class })
}

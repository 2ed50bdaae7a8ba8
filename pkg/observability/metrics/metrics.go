package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "nodestatus",
        Name:      "members_total",
        Help:      "Current number of known cluster members",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "nodestatus",
        Name:      "is_leader",
        Help:      "1 if this node is the schema leader, else 0",
    })

    HealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "nodestatus",
        Name:      "membership_health_score",
        Help:      "Gossip awareness score of the local node (lower is healthier, -1 when stopped)",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node",
    }, []string{"result"})

    // Status aggregation
    StatusQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "status",
        Name:      "queries_total",
        Help:      "Total nodes status queries by scope (cluster or class) and result",
    }, []string{"scope", "result"})
    MemberCollections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "status",
        Name:      "member_collections_total",
        Help:      "Per-member shard collections by resulting node status",
    }, []string{"status"})
    CollectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "nodestatus",
        Subsystem: "status",
        Name:      "member_collect_seconds",
        Help:      "Latency of a single member shard collection",
        Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
    })

    // Local storage
    LocalShards = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "nodestatus",
        Subsystem: "shards",
        Name:      "local",
        Help:      "Number of shards hosted by this node",
    })
    ObjectsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "shards",
        Name:      "objects_written_total",
        Help:      "Objects written into local shards",
    }, []string{"class"})

    SchemaCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "schema",
        Name:      "commands_total",
        Help:      "Schema commands handled by op and result",
    }, []string{"op", "result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "nodestatus",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "nodestatus",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            ClusterMembers,
            IsLeader,
            HealthScore,
            JoinRequests,
            StatusQueries,
            MemberCollections,
            CollectDuration,
            LocalShards,
            ObjectsWritten,
            SchemaCommands,
            GRPCConnDials,
            GRPCConnReuse,
            GRPCConnEvictions,
            GRPCConnActive,
        )
    })
}

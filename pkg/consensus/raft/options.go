package raftcons

import (
    "log"
    "time"
)

// Options configure the Raft-based schema consensus.
type Options struct {
    NodeID string
    Logger *log.Logger

    // State receives applied schema commands. When nil, Start creates an empty
    // schema.State, reachable through Node.Schema.
    State SchemaState

    // Bootstrap forms a single-node cluster on Start when true.
    Bootstrap bool

    // Timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration // client-side apply wait

    // BindAddr selects a TCP transport (e.g. "127.0.0.1:0"); empty means an
    // in-memory transport.
    BindAddr string

    // DataDir selects on-disk stores (bolt log/stable store, file snapshots).
    // Empty keeps everything in memory.
    DataDir string

    // SnapshotsRetained controls how many snapshots to retain on disk.
    SnapshotsRetained int
}

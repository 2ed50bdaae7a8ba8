package cluster

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/consensus"
    "github.com/amirimatin/go-nodestatus/pkg/discovery"
    "github.com/amirimatin/go-nodestatus/pkg/membership"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/shards"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

type NodeID string

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // NodeID is the unique identifier of this node; it doubles as the member
    // name in status reports.
    NodeID NodeID
    // Version and GitHash are reported for this node when no membership is
    // configured; otherwise they travel in gossip meta.
    Version string
    GitHash string
    Logger  *log.Logger

    // Store holds this node's shards (required).
    Store shards.Store

    // Schema is the replicated class schema. When Consensus is set it must be
    // the state its FSM applies commands to. Nil creates an empty one.
    Schema *schema.State

    // Consensus replicates schema changes. Nil applies them locally, which
    // suits single-node embedding.
    Consensus consensus.Consensus
    // RaftAddr is advertised to the leader on Join.
    RaftAddr string

    // Membership supplies the status snapshot. Nil means a one-member
    // cluster consisting of this node.
    Membership membership.Membership
    Discovery  discovery.Discovery

    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // StatusTimeout bounds each member's shard listing; zero uses
    // nodestatus.DefaultTimeout.
    StatusTimeout time.Duration
    // StatusConcurrency caps in-flight member queries; zero is unbounded.
    StatusConcurrency int

    // OnLeaderChange is invoked for every observed leader change.
    OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("cluster: empty NodeID")
    }
    if o.Logger == nil {
        return errors.New("cluster: nil Logger")
    }
    if o.Store == nil {
        return errors.New("cluster: nil Store")
    }
    if o.Membership != nil && o.RPCClient == nil {
        return errors.New("cluster: Membership requires an RPCClient to reach peers")
    }
    if o.StatusTimeout < 0 || o.StatusConcurrency < 0 {
        return errors.New("cluster: negative status timeout or concurrency")
    }
    return nil
}

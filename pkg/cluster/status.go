package cluster

import (
    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
)

// Info is a JSON-serializable snapshot of this node's view of the cluster.
type Info struct {
    NodeID     string              `json:"nodeId"`
    Healthy    bool                `json:"healthy"`
    Term       uint64              `json:"term"`
    LeaderID   string              `json:"leaderId,omitempty"`
    LeaderAddr string              `json:"leaderAddr,omitempty"`
    Members    []nodestatus.Member `json:"members"`
    Classes    []string            `json:"classes"`
}

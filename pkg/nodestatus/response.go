package nodestatus

// NodeStatus is the externally visible status of one member. Shards is nil
// (JSON null) when absent and a non-nil slice (JSON array) when present.
type NodeStatus struct {
    Name    string          `json:"name"`
    GitHash string          `json:"gitHash"`
    Version string          `json:"version"`
    Status  Status          `json:"status"`
    Stats   NodeStats       `json:"stats"`
    Shards  []ShardResponse `json:"shards"`
}

// ShardResponse is one entry of NodeStatus.Shards.
type ShardResponse struct {
    Class       string `json:"class"`
    ObjectCount int64  `json:"objectCount"`
}

// NodesResponse wraps the member list for the HTTP API.
type NodesResponse struct {
    Nodes []NodeStatus `json:"nodes"`
}

// Build maps a report into the response shape.
func Build(r Report) NodeStatus {
    ns := NodeStatus{
        Name:    r.Member.Name,
        GitHash: r.Member.GitHash,
        Version: r.Member.Version,
        Status:  r.Status,
        Stats:   r.Stats,
    }
    if list, ok := r.Shards.Get(); ok {
        ns.Shards = make([]ShardResponse, 0, len(list))
        for _, s := range list {
            ns.Shards = append(ns.Shards, ShardResponse{Class: s.Class, ObjectCount: s.ObjectCount})
        }
    }
    return ns
}

// BuildAll maps reports preserving order.
func BuildAll(reports []Report) []NodeStatus {
    out := make([]NodeStatus, 0, len(reports))
    for _, r := range reports {
        out = append(out, Build(r))
    }
    return out
}

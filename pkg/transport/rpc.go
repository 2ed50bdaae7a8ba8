package transport

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
)

// ShardsRequest asks a node for its local shard counts, optionally narrowed
// to one class.
type ShardsRequest struct {
    Class string `json:"class,omitempty"`
}

// ShardsResponse carries the node-local shard counts.
type ShardsResponse struct {
    Shards []nodestatus.ShardStat `json:"shards"`
    Error  string                 `json:"error,omitempty"`
    Code   string                 `json:"code,omitempty"`
}

// NodesRequest asks a node for the cluster-wide status.
type NodesRequest struct {
    Class string `json:"class,omitempty"`
}

// NodesResponse wraps the cluster-wide status with an error slot for
// transports that cannot signal errors out of band.
type NodesResponse struct {
    nodestatus.NodesResponse
    Error string `json:"error,omitempty"`
    Code  string `json:"code,omitempty"`
}

// Schema operations.
const (
    SchemaAdd    = "add"
    SchemaDelete = "delete"
)

// SchemaRequest mutates the replicated class schema.
type SchemaRequest struct {
    Op    string       `json:"op"`
    Class schema.Class `json:"class"`
}

// SchemaResponse reports whether the leader committed the change.
type SchemaResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
    Code     string `json:"code,omitempty"`
}

// ClassesResponse lists the replicated classes.
type ClassesResponse struct {
    Classes []schema.Class `json:"classes"`
}

// ObjectRequest writes one object into the receiving node's shard for Class.
type ObjectRequest struct {
    Class      string          `json:"class"`
    ID         string          `json:"id,omitempty"`
    Properties json.RawMessage `json:"properties,omitempty"`
}

// ObjectResponse returns the stored object's ID and the node holding it.
type ObjectResponse struct {
    ID    string `json:"id,omitempty"`
    Node  string `json:"node,omitempty"`
    Error string `json:"error,omitempty"`
    Code  string `json:"code,omitempty"`
}

// JoinRequest describes a join intent from a node and carries the RAFT address
// that should be added as a voter to the cluster.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// LeaveRequest requests removal of a node from the cluster.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type (
    NodesFunc   func(ctx context.Context, class string) (nodestatus.NodesResponse, error)
    ShardsFunc  func(ctx context.Context, class string) ([]nodestatus.ShardStat, error)
    ClassesFunc func(ctx context.Context) ([]schema.Class, error)
    SchemaFunc  func(ctx context.Context, req SchemaRequest) (SchemaResponse, error)
    ObjectFunc  func(ctx context.Context, req ObjectRequest) (ObjectResponse, error)
    JoinFunc    func(ctx context.Context, req JoinRequest) (JoinResponse, error)
    LeaveFunc   func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)
)

// Handlers back the management endpoints. A nil handler makes its endpoint
// answer "not supported".
type Handlers struct {
    Nodes   NodesFunc
    Shards  ShardsFunc
    Classes ClassesFunc
    Schema  SchemaFunc
    Object  ObjectFunc
    Join    JoinFunc
    Leave   LeaveFunc
}

// RPCServer exposes the management endpoints.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs intra-cluster and operator calls using the chosen
// management protocol. Errors reported by the remote side unwrap to the
// matching sentinel (see Remote).
type RPCClient interface {
    ListShards(ctx context.Context, addr, class string) ([]nodestatus.ShardStat, error)
    NodesStatus(ctx context.Context, addr, class string) (nodestatus.NodesResponse, error)
    Classes(ctx context.Context, addr string) ([]schema.Class, error)
    ApplySchema(ctx context.Context, addr string, req SchemaRequest) (SchemaResponse, error)
    PutObject(ctx context.Context, addr string, req ObjectRequest) (ObjectResponse, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}

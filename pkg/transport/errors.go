package transport

import (
    "errors"
    "net/http"

    raftcons "github.com/amirimatin/go-nodestatus/pkg/consensus/raft"
    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/shards"
)

var ErrNotSupported = errors.New("transport: not supported")

type errCode struct {
    code   string
    err    error
    status int
}

// Order matters: the first sentinel matched by errors.Is wins.
var errCodes = []errCode{
    {"class_not_found", nodestatus.ErrClassNotFound, http.StatusNotFound},
    {"no_members", nodestatus.ErrNoMembers, http.StatusServiceUnavailable},
    {"invalid_class", schema.ErrInvalidClassName, http.StatusBadRequest},
    {"class_exists", schema.ErrClassExists, http.StatusConflict},
    {"schema_class_not_found", schema.ErrClassNotFound, http.StatusNotFound},
    {"shard_not_found", shards.ErrShardNotFound, http.StatusNotFound},
    {"invalid_id", shards.ErrInvalidID, http.StatusBadRequest},
    {"not_leader", raftcons.ErrNotLeader, http.StatusServiceUnavailable},
    {"not_supported", ErrNotSupported, http.StatusNotImplemented},
}

// Code classifies err for the wire. Unknown errors map to "internal".
func Code(err error) (code string, httpStatus int) {
    for _, c := range errCodes {
        if errors.Is(err, c.err) { return c.code, c.status }
    }
    return "internal", http.StatusInternalServerError
}

// RemoteError is an error reported by a peer. It unwraps to the local
// sentinel matching Code so callers can use errors.Is across the wire.
type RemoteError struct {
    Code string
    Msg  string
}

func (e *RemoteError) Error() string { return e.Msg }

func (e *RemoteError) Unwrap() error {
    for _, c := range errCodes {
        if c.code == e.Code { return c.err }
    }
    return nil
}

// Remote rebuilds an error from its wire form; nil when msg is empty.
func Remote(code, msg string) error {
    if msg == "" && code == "" { return nil }
    if msg == "" { msg = code }
    return &RemoteError{Code: code, Msg: msg}
}

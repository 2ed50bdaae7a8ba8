package cluster

import "errors"

var (
    ErrNotLeader   = errors.New("cluster: not leader")
    ErrNoLeader    = errors.New("cluster: no known leader")
    ErrUnreachable = errors.New("cluster: unreachable")
    ErrNoRPCClient = errors.New("cluster: no RPC client configured")
)

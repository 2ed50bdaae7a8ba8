// Package transport carries the management API between nodes and to
// operators. Two interchangeable implementations exist: HTTP/JSON
// (httpjson) and gRPC with a JSON codec (grpc).
package transport

import (
    "context"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
)

// ShardSource adapts an RPCClient into the status collector's per-member
// shard listing. Member.Addr must be the peer's management address.
func ShardSource(c RPCClient) nodestatus.ShardSource {
    return nodestatus.ShardSourceFunc(func(ctx context.Context, m nodestatus.Member, class string) ([]nodestatus.ShardStat, error) {
        return c.ListShards(ctx, m.Addr, class)
    })
}

// Package shards holds the shards hosted by the local node: one shard per
// class, each counting the objects written into it.
package shards

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"

    "github.com/google/uuid"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
)

var (
    ErrShardNotFound = errors.New("shards: shard not found")
    ErrInvalidID     = errors.New("shards: invalid object id")
    ErrClosed        = errors.New("shards: store closed")
)

// Store is the local shard storage. CreateShard and DropShard are idempotent.
type Store interface {
    CreateShard(class string) error
    DropShard(class string) error
    // PutObject stores props under id in the shard of class. An empty id is
    // replaced with a random UUID; the stored id is returned. Writing an
    // existing id replaces the object.
    PutObject(class, id string, props json.RawMessage) (string, error)
    // ListShards reports every local shard, or only the shard of class when
    // class is non-empty.
    ListShards(ctx context.Context, class string) ([]nodestatus.ShardStat, error)
    Close() error
}

func objectID(id string) (string, error) {
    if id == "" { return uuid.NewString(), nil }
    u, err := uuid.Parse(id)
    if err != nil { return "", fmt.Errorf("%w: %v", ErrInvalidID, err) }
    return u.String(), nil
}

func normalizeProps(props json.RawMessage) json.RawMessage {
    if len(props) == 0 { return json.RawMessage("{}") }
    return append(json.RawMessage(nil), props...)
}

func shardMissing(class string) error { return fmt.Errorf("%w: %s", ErrShardNotFound, class) }

package shards

import (
    "context"
    "encoding/json"
    "os"
    "path/filepath"
    "time"

    "github.com/boltdb/bolt"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
)

// Bolt is a Store persisted in a single bolt file; every shard is a top-level
// bucket named after its class and every object a key in it.
type Bolt struct {
    db *bolt.DB
}

// OpenBolt opens (or creates) dir/shards.db.
func OpenBolt(dir string) (*Bolt, error) {
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, err }
    db, err := bolt.Open(filepath.Join(dir, "shards.db"), 0o600, &bolt.Options{Timeout: time.Second})
    if err != nil { return nil, err }
    return &Bolt{db: db}, nil
}

func (b *Bolt) CreateShard(class string) error {
    return b.db.Update(func(tx *bolt.Tx) error {
        _, err := tx.CreateBucketIfNotExists([]byte(class))
        return err
    })
}

func (b *Bolt) DropShard(class string) error {
    return b.db.Update(func(tx *bolt.Tx) error {
        err := tx.DeleteBucket([]byte(class))
        if err == bolt.ErrBucketNotFound { return nil }
        return err
    })
}

func (b *Bolt) PutObject(class, id string, props json.RawMessage) (string, error) {
    oid, err := objectID(id)
    if err != nil { return "", err }
    err = b.db.Update(func(tx *bolt.Tx) error {
        bk := tx.Bucket([]byte(class))
        if bk == nil { return shardMissing(class) }
        return bk.Put([]byte(oid), normalizeProps(props))
    })
    if err != nil { return "", err }
    return oid, nil
}

func (b *Bolt) ListShards(ctx context.Context, class string) ([]nodestatus.ShardStat, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    var out []nodestatus.ShardStat
    err := b.db.View(func(tx *bolt.Tx) error {
        if class != "" {
            bk := tx.Bucket([]byte(class))
            if bk == nil { return nil }
            out = append(out, nodestatus.ShardStat{Class: class, ObjectCount: int64(bk.Stats().KeyN)})
            return nil
        }
        // bolt iterates buckets in byte order, so the result is sorted by class.
        return tx.ForEach(func(name []byte, bk *bolt.Bucket) error {
            out = append(out, nodestatus.ShardStat{Class: string(name), ObjectCount: int64(bk.Stats().KeyN)})
            return nil
        })
    })
    if err != nil { return nil, err }
    if out == nil { out = []nodestatus.ShardStat{} }
    return out, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

var _ Store = (*Bolt)(nil)

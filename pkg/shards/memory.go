package shards

import (
    "context"
    "encoding/json"
    "sort"
    "sync"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
)

// Memory is a Store kept entirely in process memory.
type Memory struct {
    mu     sync.RWMutex
    shards map[string]map[string]json.RawMessage
    closed bool
}

func NewMemory() *Memory { return &Memory{shards: make(map[string]map[string]json.RawMessage)} }

func (m *Memory) CreateShard(class string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return ErrClosed }
    if _, ok := m.shards[class]; !ok { m.shards[class] = make(map[string]json.RawMessage) }
    return nil
}

func (m *Memory) DropShard(class string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return ErrClosed }
    delete(m.shards, class)
    return nil
}

func (m *Memory) PutObject(class, id string, props json.RawMessage) (string, error) {
    oid, err := objectID(id)
    if err != nil { return "", err }
    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return "", ErrClosed }
    sh, ok := m.shards[class]
    if !ok { return "", shardMissing(class) }
    sh[oid] = normalizeProps(props)
    return oid, nil
}

func (m *Memory) ListShards(ctx context.Context, class string) ([]nodestatus.ShardStat, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    m.mu.RLock(); defer m.mu.RUnlock()
    if m.closed { return nil, ErrClosed }
    out := make([]nodestatus.ShardStat, 0, len(m.shards))
    for name, objs := range m.shards {
        if class != "" && name != class { continue }
        out = append(out, nodestatus.ShardStat{Class: name, ObjectCount: int64(len(objs))})
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
    return out, nil
}

func (m *Memory) Close() error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.closed = true
    return nil
}

var _ Store = (*Memory)(nil)

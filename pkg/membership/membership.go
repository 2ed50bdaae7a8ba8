package membership

import (
    "context"
    "sort"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
)

// Well-known metadata keys gossiped with every member.
const (
    MetaMgmt    = "mgmt"    // management API address
    MetaRaft    = "raft"    // raft transport address
    MetaVersion = "version" // build version
    MetaGitHash = "gitHash" // build commit
    MetaLeaving = "leaving" // set while a member leaves gracefully
)

// MemberInfo describes a cluster member as observed by the membership layer
// (e.g., memberlist). Meta carries the keys above.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

// Node converts the gossip view of a member into the status subsystem's
// member identity. The management address wins over the gossip address.
func (m MemberInfo) Node() nodestatus.Member {
    addr := m.Meta[MetaMgmt]
    if addr == "" { addr = m.Addr }
    return nodestatus.Member{Name: m.ID, Addr: addr, Version: m.Meta[MetaVersion], GitHash: m.Meta[MetaGitHash]}
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave  EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. It is responsible for peer discovery, join/leave and event delivery.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Forgetter is optionally implemented by memberships that keep failed
// members visible; Forget drops one once it has been removed from the
// cluster.
type Forgetter interface {
    Forget(id string)
}

// Snapshot returns the current members as status-subsystem members, ordered
// by name. The order is the one status reports are returned in.
func Snapshot(m Membership) []nodestatus.Member {
    infos := m.Members()
    out := make([]nodestatus.Member, 0, len(infos))
    for _, mi := range infos { out = append(out, mi.Node()) }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

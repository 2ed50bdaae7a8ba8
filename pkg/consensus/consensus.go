package consensus

import (
    "context"
    "encoding/json"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/schema"
)

// Schema command operations understood by the FSM.
const (
    OpAddClass    = "AddClass"
    OpDeleteClass = "DeleteClass"
)

// Command represents a replicated log command.
type Command struct {
    Op      string          `json:"op"`
    Payload json.RawMessage `json:"payload"`
}

// AddClass builds the command creating c.
func AddClass(c schema.Class) (Command, error) {
    b, err := json.Marshal(c)
    if err != nil { return Command{}, err }
    return Command{Op: OpAddClass, Payload: b}, nil
}

// DeleteClass builds the command removing the named class.
func DeleteClass(name string) Command {
    b, _ := json.Marshal(struct{ Class string `json:"class"` }{Class: name})
    return Command{Op: OpDeleteClass, Payload: b}
}

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). It exposes leadership, term information and a write path.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) error
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is optionally implemented by engines that publish leadership
// changes. The channel is buffered; slow readers miss intermediate changes.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}

// Reconfigurer optionally allows adding and removing voters at runtime.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}

// CatchUpWaiter is optionally implemented by engines that replay a local
// log on start. WaitCaughtUp returns once every entry present in the log
// at call time has been applied.
type CatchUpWaiter interface {
    WaitCaughtUp(ctx context.Context) error
}

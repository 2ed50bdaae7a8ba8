package raftcons

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-nodestatus/pkg/consensus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
)

// SchemaState is the state machine the FSM drives.
type SchemaState interface {
    ApplyAddClass(cls schema.Class) error
    ApplyDeleteClass(name string) error
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}

// schemaFSM bridges Raft Apply/Snapshot to the class schema.
type schemaFSM struct {
    st SchemaState
}

func newSchemaFSM(st SchemaState) *schemaFSM { return &schemaFSM{st: st} }

// Apply returns nil on success or the error produced by the state, which
// Node.Apply hands back to the proposer.
func (f *schemaFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case c.OpAddClass:
        var cls schema.Class
        if err := json.Unmarshal(cmd.Payload, &cls); err != nil { return err }
        return f.st.ApplyAddClass(cls)
    case c.OpDeleteClass:
        var req struct{ Class string `json:"class"` }
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.st.ApplyDeleteClass(req.Class)
    default:
        return fmt.Errorf("raftcons: unknown op %q", cmd.Op)
    }
}

func (f *schemaFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.st.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *schemaFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.st.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*schemaFSM)(nil)
var _ SchemaState = (*schema.State)(nil)

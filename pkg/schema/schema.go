package schema

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"

    "github.com/grafana/regexp"
)

var (
    ErrInvalidClassName = errors.New("schema: invalid class name")
    ErrClassExists      = errors.New("schema: class already exists")
    ErrClassNotFound    = errors.New("schema: class not found")
)

var classNameRe = regexp.MustCompile(`^[A-Z][_0-9A-Za-z]*$`)

// Property is a single typed property of a class.
type Property struct {
    Name     string   `json:"name"`
    DataType []string `json:"dataType"`
}

// Class is a schema-defined object type.
type Class struct {
    Name       string     `json:"class"`
    Properties []Property `json:"properties,omitempty"`
}

// Validate checks the class name and that property names are set and unique.
func (c Class) Validate() error {
    if !classNameRe.MatchString(c.Name) {
        return fmt.Errorf("%w: %q", ErrInvalidClassName, c.Name)
    }
    seen := make(map[string]struct{}, len(c.Properties))
    for _, p := range c.Properties {
        if p.Name == "" { return fmt.Errorf("schema: class %s: empty property name", c.Name) }
        if _, dup := seen[p.Name]; dup { return fmt.Errorf("schema: class %s: duplicate property %q", c.Name, p.Name) }
        seen[p.Name] = struct{}{}
    }
    return nil
}

// ChangeType describes a schema mutation.
type ChangeType string

const (
    ChangeAdd    ChangeType = "add"
    ChangeDelete ChangeType = "delete"
)

// Change is delivered to observers after a mutation has been applied.
type Change struct {
    Type  ChangeType
    Class string
}

// State is the in-memory class registry. It is the state machine applied by
// consensus; it can also be mutated directly on a node without consensus.
type State struct {
    // nmu serializes each mutation together with its notification, so
    // observers see changes in the order they were applied.
    nmu       sync.Mutex
    mu        sync.RWMutex
    classes   map[string]Class
    observers []func(Change)
}

func New() *State { return &State{classes: make(map[string]Class)} }

// OnChange registers fn to be called after every applied add/delete. Calls
// are serialized and made outside the read lock, so fn may read the State
// but must not mutate it.
func (s *State) OnChange(fn func(Change)) {
    if fn == nil { return }
    s.mu.Lock(); defer s.mu.Unlock()
    s.observers = append(s.observers, fn)
}

func (s *State) ApplyAddClass(c Class) error {
    if err := c.Validate(); err != nil { return err }
    s.nmu.Lock()
    defer s.nmu.Unlock()
    s.mu.Lock()
    if _, ok := s.classes[c.Name]; ok {
        s.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrClassExists, c.Name)
    }
    s.classes[c.Name] = cloneClass(c)
    obs := s.observers
    s.mu.Unlock()
    notify(obs, Change{Type: ChangeAdd, Class: c.Name})
    return nil
}

// ApplyDeleteClass removes a class. Deleting an unknown class is a no-op.
func (s *State) ApplyDeleteClass(name string) error {
    if name == "" { return fmt.Errorf("%w: empty", ErrInvalidClassName) }
    s.nmu.Lock()
    defer s.nmu.Unlock()
    s.mu.Lock()
    _, ok := s.classes[name]
    delete(s.classes, name)
    obs := s.observers
    s.mu.Unlock()
    if ok { notify(obs, Change{Type: ChangeDelete, Class: name}) }
    return nil
}

func (s *State) HasClass(name string) bool {
    s.mu.RLock(); defer s.mu.RUnlock()
    _, ok := s.classes[name]
    return ok
}

func (s *State) Class(name string) (Class, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    c, ok := s.classes[name]
    if !ok { return Class{}, false }
    return cloneClass(c), true
}

// Classes returns all classes sorted by name.
func (s *State) Classes() []Class {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make([]Class, 0, len(s.classes))
    for _, c := range s.classes { out = append(out, cloneClass(c)) }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

type snapshotV1 struct {
    Version int     `json:"version"`
    Classes []Class `json:"classes"`
}

// Snapshot encodes the schema as stable JSON.
func (s *State) Snapshot() ([]byte, error) {
    return json.Marshal(snapshotV1{Version: 1, Classes: s.Classes()})
}

// Restore replaces the schema with a snapshot. Observers see a delete for
// every dropped class and an add for every new one.
func (s *State) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    if snap.Version != 1 {
        return fmt.Errorf("schema: unsupported snapshot version %d", snap.Version)
    }
    next := make(map[string]Class, len(snap.Classes))
    for _, c := range snap.Classes {
        if c.Validate() != nil { continue }
        next[c.Name] = c
    }
    s.nmu.Lock()
    defer s.nmu.Unlock()
    s.mu.Lock()
    var changes []Change
    for name := range s.classes {
        if _, ok := next[name]; !ok { changes = append(changes, Change{Type: ChangeDelete, Class: name}) }
    }
    for name := range next {
        if _, ok := s.classes[name]; !ok { changes = append(changes, Change{Type: ChangeAdd, Class: name}) }
    }
    s.classes = next
    obs := s.observers
    s.mu.Unlock()
    for _, ch := range changes { notify(obs, ch) }
    return nil
}

// Sync calls fn with the current classes, serialized with observer
// notifications: no change is applied or delivered while fn runs.
func (s *State) Sync(fn func(classes []Class)) {
    s.nmu.Lock()
    defer s.nmu.Unlock()
    fn(s.Classes())
}

func notify(obs []func(Change), ch Change) {
    for _, fn := range obs { fn(ch) }
}

func cloneClass(c Class) Class {
    out := Class{Name: c.Name}
    if len(c.Properties) > 0 {
        out.Properties = make([]Property, len(c.Properties))
        for i, p := range c.Properties {
            out.Properties[i] = Property{Name: p.Name, DataType: append([]string(nil), p.DataType...)}
        }
    }
    return out
}

package schema

import (
    "errors"
    "sync"
    "testing"
)

func testClass(name string) Class {
    return Class{Name: name, Properties: []Property{
        {Name: "stringProp", DataType: []string{"string"}},
        {Name: "intProp", DataType: []string{"int"}},
    }}
}

func TestState_AddDeleteSnapshotRestore(t *testing.T) {
    s := New()
    var changes []Change
    s.OnChange(func(c Change) { changes = append(changes, c) })

    if err := s.ApplyAddClass(testClass("ClassB")); err != nil { t.Fatalf("add ClassB: %v", err) }
    if err := s.ApplyAddClass(testClass("ClassA")); err != nil { t.Fatalf("add ClassA: %v", err) }

    cls := s.Classes()
    if len(cls) != 2 || cls[0].Name != "ClassA" || cls[1].Name != "ClassB" {
        t.Fatalf("unexpected classes: %#v", cls)
    }

    snap, err := s.Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }

    if err := s.ApplyDeleteClass("ClassA"); err != nil { t.Fatalf("delete: %v", err) }
    if s.HasClass("ClassA") { t.Fatalf("ClassA still present") }

    s2 := New()
    if err := s2.Restore(snap); err != nil { t.Fatalf("restore: %v", err) }
    snap2, err := s2.Snapshot()
    if err != nil { t.Fatalf("snapshot2: %v", err) }
    if string(snap2) != string(snap) {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
    }

    want := []Change{{ChangeAdd, "ClassB"}, {ChangeAdd, "ClassA"}, {ChangeDelete, "ClassA"}}
    if len(changes) != len(want) {
        t.Fatalf("changes = %#v, want %#v", changes, want)
    }
    for i := range want {
        if changes[i] != want[i] { t.Fatalf("change %d = %#v, want %#v", i, changes[i], want[i]) }
    }
}

func TestState_RejectsInvalidAndDuplicate(t *testing.T) {
    s := New()
    for _, name := range []string{"", "lower", "1Class", "Has-Dash"} {
        if err := s.ApplyAddClass(Class{Name: name}); !errors.Is(err, ErrInvalidClassName) {
            t.Fatalf("%q: expected ErrInvalidClassName, got %v", name, err)
        }
    }
    if err := s.ApplyAddClass(testClass("ClassA")); err != nil { t.Fatalf("add: %v", err) }
    if err := s.ApplyAddClass(testClass("ClassA")); !errors.Is(err, ErrClassExists) {
        t.Fatalf("expected ErrClassExists, got %v", err)
    }
    dup := Class{Name: "ClassC", Properties: []Property{{Name: "p"}, {Name: "p"}}}
    if err := s.ApplyAddClass(dup); err == nil { t.Fatalf("expected duplicate property error") }
}

func TestState_DeleteUnknownIsNoop(t *testing.T) {
    s := New()
    calls := 0
    s.OnChange(func(Change) { calls++ })
    if err := s.ApplyDeleteClass("Missing"); err != nil { t.Fatalf("delete: %v", err) }
    if calls != 0 { t.Fatalf("observer called for unknown class") }
}

func TestState_RestoreNotifiesDiff(t *testing.T) {
    src := New()
    _ = src.ApplyAddClass(testClass("Keep"))
    _ = src.ApplyAddClass(testClass("New"))
    snap, _ := src.Snapshot()

    dst := New()
    _ = dst.ApplyAddClass(testClass("Keep"))
    _ = dst.ApplyAddClass(testClass("Gone"))
    got := map[Change]bool{}
    dst.OnChange(func(c Change) { got[c] = true })

    if err := dst.Restore(snap); err != nil { t.Fatalf("restore: %v", err) }
    if !got[Change{ChangeDelete, "Gone"}] || !got[Change{ChangeAdd, "New"}] || len(got) != 2 {
        t.Fatalf("unexpected restore changes: %#v", got)
    }
}

func TestState_ClassReturnsCopy(t *testing.T) {
    s := New()
    _ = s.ApplyAddClass(testClass("ClassA"))
    c, ok := s.Class("ClassA")
    if !ok { t.Fatalf("missing class") }
    c.Properties[0].Name = "mutated"
    c2, _ := s.Class("ClassA")
    if c2.Properties[0].Name != "stringProp" { t.Fatalf("internal state mutated: %#v", c2) }
}

func TestState_ConcurrentAddDeleteNotifiesInOrder(t *testing.T) {
    s := New()
    // mirrors the shard store an observer keeps in step with the schema
    mirror := map[string]bool{}
    s.OnChange(func(c Change) { mirror[c.Class] = c.Type == ChangeAdd })

    var wg sync.WaitGroup
    for g := 0; g < 4; g++ {
        wg.Add(1)
        go func(add bool) {
            defer wg.Done()
            for i := 0; i < 500; i++ {
                if add {
                    _ = s.ApplyAddClass(Class{Name: "Article"})
                } else {
                    _ = s.ApplyDeleteClass("Article")
                }
            }
        }(g%2 == 0)
    }
    wg.Wait()

    var present bool
    s.Sync(func(classes []Class) { present = len(classes) == 1 })
    if mirror["Article"] != present || s.HasClass("Article") != present {
        t.Fatalf("observer diverged: mirror=%v schema=%v", mirror["Article"], present)
    }
}

func TestState_SyncSeesCurrentClasses(t *testing.T) {
    s := New()
    if err := s.ApplyAddClass(testClass("ClassA")); err != nil { t.Fatalf("add: %v", err) }
    var names []string
    s.Sync(func(classes []Class) {
        for _, c := range classes { names = append(names, c.Name) }
    })
    if len(names) != 1 || names[0] != "ClassA" { t.Fatalf("sync classes = %v", names) }
}

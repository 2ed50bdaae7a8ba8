// Package discovery provides the gossip seed addresses a node joins on start.
package discovery

import (
    "sort"
    "strings"
)

// Discovery yields seed addresses (host:port of peer gossip listeners).
type Discovery interface {
    Seeds() []string
}

// Parse splits a comma-separated seed list, dropping blanks.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}

// normalize de-duplicates and sorts seeds in place.
func normalize(seeds []string) []string {
    if len(seeds) == 0 { return nil }
    sort.Strings(seeds)
    out := seeds[:1]
    for _, s := range seeds[1:] {
        if s != out[len(out)-1] { out = append(out, s) }
    }
    return out
}

// Static always returns the same seeds.
type Static []string

// NewStatic trims and drops empty entries; order is preserved.
func NewStatic(seeds ...string) Static {
    return Static(Parse(strings.Join(seeds, ",")))
}

func (s Static) Seeds() []string { return append([]string(nil), s...) }

// Merge combines several sources into one, de-duplicated and sorted.
func Merge(ds ...Discovery) Discovery { return merged(ds) }

type merged []Discovery

func (m merged) Seeds() []string {
    var all []string
    for _, d := range m {
        if d != nil { all = append(all, d.Seeds()...) }
    }
    return normalize(all)
}

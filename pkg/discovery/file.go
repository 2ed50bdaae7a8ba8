package discovery

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"
)

// FileOptions configures file/env based discovery.
type FileOptions struct {
    // Path is a seed file or glob. Lines hold one or more comma-separated
    // seeds; blank lines and lines starting with '#' are skipped.
    Path string
    // Env names an environment variable that overrides Path when set.
    Env string
    // Refresh bounds cache staleness; zero means 5s.
    Refresh time.Duration
}

// File reads seeds from disk, re-reading when the file changes or the cache
// goes stale.
type File struct {
    opts  FileOptions
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func NewFile(opts FileOptions) *File {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &File{opts: opts}
}

func (f *File) Seeds() []string {
    if f.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(f.opts.Env)); v != "" {
            return normalize(Parse(v))
        }
    }
    if f.opts.Path == "" { return nil }

    f.mu.Lock()
    defer f.mu.Unlock()
    now := time.Now()
    if st, err := os.Stat(f.opts.Path); err == nil {
        if st.ModTime().After(f.mtime) || now.Sub(f.last) >= f.opts.Refresh {
            f.cache = normalize(readSeeds(f.opts.Path))
            f.last, f.mtime = now, st.ModTime()
        }
        return append([]string(nil), f.cache...)
    }
    if matches, _ := filepath.Glob(f.opts.Path); len(matches) > 0 && now.Sub(f.last) >= f.opts.Refresh {
        var all []string
        for _, m := range matches { all = append(all, readSeeds(m)...) }
        f.cache = normalize(all)
        f.last = now
    }
    return append([]string(nil), f.cache...)
}

func readSeeds(path string) []string {
    fh, err := os.Open(path)
    if err != nil { return nil }
    defer fh.Close()
    var out []string
    sc := bufio.NewScanner(fh)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, Parse(line)...)
    }
    if sc.Err() != nil { return nil }
    return out
}

package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "sync/atomic"
    "time"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
)

func init() {
    if os.Getenv("NODESTATUS_LOG_JSON") == "1" || os.Getenv("NODESTATUS_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if os.Getenv("NODESTATUS_LOG_DEBUG") == "1" {
        debugMode.Store(true)
    }
}

// SetJSON switches every helper to one JSON object per line.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// SetDebug enables Debugf output.
func SetDebug(enabled bool) { debugMode.Store(enabled) }

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, "debug", f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        b, _ := json.Marshal(map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        })
        l.Println(string(b))
        return
    }
    var p string
    switch level {
    case "debug":
        p = "DEBUG "
    case "info":
        p = "INFO "
    case "warn":
        p = "WARN "
    default:
        p = "ERROR "
    }
    log.New(l.Writer(), p, l.Flags()).Print(msg)
}

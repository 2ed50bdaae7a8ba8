package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/mux"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-nodestatus/pkg/internal/logutil"
    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/observability/tracing"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

// Server exposes the management API over HTTP/JSON:
//
//   GET    /v1/nodes[/{class}]        cluster-wide node status
//   GET    /v1/schema                 replicated classes
//   POST   /v1/schema                 create class
//   DELETE /v1/schema/{class}         delete class
//   POST   /v1/objects                write object into the local shard
//   GET    /v1/internal/shards        node-local shard counts
//   POST   /v1/internal/schema        schema command (leader forwarding)
//   POST   /v1/internal/join|leave    raft voter management
//   GET    /healthz, /metrics
type Server struct {
    bind   string
    mu     sync.Mutex
    srv    *http.Server
    addr   string
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Router builds the handler tree; exposed for httptest.
func Router(h transport.Handlers) http.Handler {
    r := mux.NewRouter()
    r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    }).Methods(http.MethodGet)
    r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

    nodes := func(w http.ResponseWriter, req *http.Request) {
        if h.Nodes == nil { writeErr(w, transport.ErrNotSupported); return }
        ctx, end := tracing.StartSpan(req.Context(), "http.nodes")
        defer end()
        resp, err := h.Nodes(ctx, mux.Vars(req)["class"])
        if err != nil { writeErr(w, err); return }
        writeJSON(w, http.StatusOK, resp)
    }
    r.HandleFunc("/v1/nodes", nodes).Methods(http.MethodGet)
    r.HandleFunc("/v1/nodes/{class}", nodes).Methods(http.MethodGet)

    r.HandleFunc("/v1/internal/shards", func(w http.ResponseWriter, req *http.Request) {
        if h.Shards == nil { writeErr(w, transport.ErrNotSupported); return }
        ctx, end := tracing.StartSpan(req.Context(), "http.shards")
        defer end()
        list, err := h.Shards(ctx, req.URL.Query().Get("class"))
        if err != nil { writeErr(w, err); return }
        if list == nil { list = []nodestatus.ShardStat{} }
        writeJSON(w, http.StatusOK, transport.ShardsResponse{Shards: list})
    }).Methods(http.MethodGet)

    r.HandleFunc("/v1/schema", func(w http.ResponseWriter, req *http.Request) {
        if h.Classes == nil { writeErr(w, transport.ErrNotSupported); return }
        classes, err := h.Classes(req.Context())
        if err != nil { writeErr(w, err); return }
        if classes == nil { classes = []schema.Class{} }
        writeJSON(w, http.StatusOK, transport.ClassesResponse{Classes: classes})
    }).Methods(http.MethodGet)
    r.HandleFunc("/v1/schema", func(w http.ResponseWriter, req *http.Request) {
        var cls schema.Class
        if !decode(w, req, &cls) { return }
        applySchema(w, req, h.Schema, transport.SchemaRequest{Op: transport.SchemaAdd, Class: cls}, http.StatusCreated)
    }).Methods(http.MethodPost)
    r.HandleFunc("/v1/schema/{class}", func(w http.ResponseWriter, req *http.Request) {
        sreq := transport.SchemaRequest{Op: transport.SchemaDelete, Class: schema.Class{Name: mux.Vars(req)["class"]}}
        applySchema(w, req, h.Schema, sreq, http.StatusOK)
    }).Methods(http.MethodDelete)
    r.HandleFunc("/v1/internal/schema", func(w http.ResponseWriter, req *http.Request) {
        var sreq transport.SchemaRequest
        if !decode(w, req, &sreq) { return }
        applySchema(w, req, h.Schema, sreq, http.StatusOK)
    }).Methods(http.MethodPost)

    r.HandleFunc("/v1/objects", func(w http.ResponseWriter, req *http.Request) {
        if h.Object == nil { writeErr(w, transport.ErrNotSupported); return }
        var oreq transport.ObjectRequest
        if !decode(w, req, &oreq) { return }
        ctx, end := tracing.StartSpan(req.Context(), "http.object", "class", oreq.Class)
        defer end()
        resp, err := h.Object(ctx, oreq)
        if err != nil { writeErr(w, err); return }
        writeJSON(w, http.StatusCreated, resp)
    }).Methods(http.MethodPost)

    r.HandleFunc("/v1/internal/join", func(w http.ResponseWriter, req *http.Request) {
        if h.Join == nil { writeErr(w, transport.ErrNotSupported); return }
        var jreq transport.JoinRequest
        if !decode(w, req, &jreq) { return }
        ctx, end := tracing.StartSpan(req.Context(), "http.join")
        defer end()
        resp, err := h.Join(ctx, jreq)
        if err != nil {
            if resp.Error == "" { resp.Error = err.Error() }
            writeJSON(w, http.StatusInternalServerError, resp)
            return
        }
        writeJSON(w, http.StatusOK, resp)
    }).Methods(http.MethodPost)
    r.HandleFunc("/v1/internal/leave", func(w http.ResponseWriter, req *http.Request) {
        if h.Leave == nil { writeErr(w, transport.ErrNotSupported); return }
        var lreq transport.LeaveRequest
        if !decode(w, req, &lreq) { return }
        ctx, end := tracing.StartSpan(req.Context(), "http.leave")
        defer end()
        resp, err := h.Leave(ctx, lreq)
        if err != nil {
            if resp.Error == "" { resp.Error = err.Error() }
            writeJSON(w, http.StatusInternalServerError, resp)
            return
        }
        writeJSON(w, http.StatusOK, resp)
    }).Methods(http.MethodPost)
    return r
}

func applySchema(w http.ResponseWriter, req *http.Request, fn transport.SchemaFunc, sreq transport.SchemaRequest, okStatus int) {
    if fn == nil { writeErr(w, transport.ErrNotSupported); return }
    ctx, end := tracing.StartSpan(req.Context(), "http.schema", "op", sreq.Op, "class", sreq.Class.Name)
    defer end()
    resp, err := fn(ctx, sreq)
    if err != nil {
        code, status := transport.Code(err)
        resp.Accepted, resp.Error, resp.Code = false, err.Error(), code
        writeJSON(w, status, resp)
        return
    }
    writeJSON(w, okStatus, resp)
}

type errorBody struct {
    Error string `json:"error"`
    Code  string `json:"code"`
}

func writeErr(w http.ResponseWriter, err error) {
    code, status := transport.Code(err)
    writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    if err := json.NewEncoder(w).Encode(v); err != nil {
        logutil.Debugf(nil, "httpjson: write response: %v", err)
    }
}

func decode(w http.ResponseWriter, req *http.Request, v interface{}) bool {
    if err := json.NewDecoder(req.Body).Decode(v); err != nil {
        writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("bad request: %v", err), Code: "bad_request"})
        return false
    }
    return true
}

// Start launches the HTTP server and registers handlers. The server is shut
// down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: Router(h), ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv, s.addr = srv, ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)

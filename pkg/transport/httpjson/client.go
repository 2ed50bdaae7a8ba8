package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/google/uuid"

    "github.com/amirimatin/go-nodestatus/pkg/nodestatus"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

// Client is a thin HTTP client for the management API. Mutating calls retry
// on connection failures and 503s with exponential backoff; status probes
// make a single attempt so the caller's deadline decides the outcome.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    retries   uint64
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, retries: 2}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return scheme + "://" + addr + path
}

// errRetryable marks a failure worth another attempt.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }

func (c *Client) do(ctx context.Context, method, addr, path string, in, out interface{}, retry bool) error {
    var body []byte
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = b
    }
    op := func() error {
        req, err := http.NewRequestWithContext(ctx, method, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return backoff.Permanent(err) }
        if in != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil { return errRetryable{err} }
        defer resp.Body.Close()
        data, err := io.ReadAll(resp.Body)
        if err != nil { return errRetryable{err} }
        if resp.StatusCode/100 != 2 {
            var eb errorBody
            _ = json.Unmarshal(data, &eb)
            // join and schema replies carry a leader hint next to the error
            if out != nil { _ = json.Unmarshal(data, out) }
            rerr := transport.Remote(eb.Code, eb.Error)
            if rerr == nil { rerr = fmt.Errorf("httpjson: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data)) }
            if resp.StatusCode == http.StatusServiceUnavailable { return errRetryable{rerr} }
            return backoff.Permanent(rerr)
        }
        if out == nil { return nil }
        if err := json.Unmarshal(data, out); err != nil { return backoff.Permanent(err) }
        return nil
    }
    var err error
    if !retry {
        err = op()
    } else {
        b := backoff.NewExponentialBackOff()
        b.InitialInterval = 100 * time.Millisecond
        err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx))
    }
    var re errRetryable
    if errors.As(err, &re) { return re.err }
    var pe *backoff.PermanentError
    if errors.As(err, &pe) { return pe.Err }
    return err
}

func (c *Client) ListShards(ctx context.Context, addr, class string) ([]nodestatus.ShardStat, error) {
    path := "/v1/internal/shards"
    if class != "" { path += "?class=" + url.QueryEscape(class) }
    var out transport.ShardsResponse
    if err := c.do(ctx, http.MethodGet, addr, path, nil, &out, false); err != nil { return nil, err }
    return out.Shards, nil
}

func (c *Client) NodesStatus(ctx context.Context, addr, class string) (nodestatus.NodesResponse, error) {
    path := "/v1/nodes"
    if class != "" { path += "/" + url.PathEscape(class) }
    var out nodestatus.NodesResponse
    err := c.do(ctx, http.MethodGet, addr, path, nil, &out, false)
    return out, err
}

func (c *Client) Classes(ctx context.Context, addr string) ([]schema.Class, error) {
    var out transport.ClassesResponse
    if err := c.do(ctx, http.MethodGet, addr, "/v1/schema", nil, &out, true); err != nil { return nil, err }
    return out.Classes, nil
}

func (c *Client) ApplySchema(ctx context.Context, addr string, req transport.SchemaRequest) (transport.SchemaResponse, error) {
    var out transport.SchemaResponse
    err := c.do(ctx, http.MethodPost, addr, "/v1/internal/schema", req, &out, true)
    return out, err
}

// PutObject fixes the object id before the first attempt so a retried write
// lands on the same object.
func (c *Client) PutObject(ctx context.Context, addr string, req transport.ObjectRequest) (transport.ObjectResponse, error) {
    if req.ID == "" { req.ID = uuid.NewString() }
    var out transport.ObjectResponse
    err := c.do(ctx, http.MethodPost, addr, "/v1/objects", req, &out, true)
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.do(ctx, http.MethodPost, addr, "/v1/internal/join", req, &out, true)
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.do(ctx, http.MethodPost, addr, "/v1/internal/leave", req, &out, true)
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)

package discovery

import (
    "context"
    "log"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-nodestatus/pkg/internal/logutil"
)

// DNSOptions configures DNS based discovery.
type DNSOptions struct {
    // Names are SRV records ("_gossip._tcp.nodes.example.com"), hostnames
    // resolved through A/AAAA, or literal host:port seeds.
    Names []string
    // Port is used for A/AAAA answers, which carry no port; zero means 7946.
    Port int
    // Refresh bounds cache staleness; zero means 5s.
    Refresh time.Duration
    // Timeout bounds one resolution round; zero means 2s.
    Timeout time.Duration
    // Resolver overrides net.DefaultResolver.
    Resolver *net.Resolver
    Logger   *log.Logger
}

// DNS resolves gossip seeds from DNS and caches them for Refresh. A failed
// round keeps serving the last good answer.
type DNS struct {
    opts  DNSOptions
    mu    sync.Mutex
    last  time.Time
    cache []string
}

func NewDNS(opts DNSOptions) *DNS {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &DNS{opts: opts}
}

func (d *DNS) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    if res := d.resolve(ctx); len(res) > 0 || len(d.cache) == 0 {
        d.cache = res
    }
    d.last = time.Now()
    return append([]string(nil), d.cache...)
}

func (d *DNS) resolve(ctx context.Context) []string {
    var out []string
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case !strings.HasPrefix(name, "_") && strings.Contains(name, ":"):
            out = append(out, name)
        case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
            if recs := d.lookupSRV(ctx, name); len(recs) > 0 {
                out = append(out, recs...)
                continue
            }
            out = append(out, d.lookupHost(ctx, name)...)
        default:
            out = append(out, d.lookupHost(ctx, name)...)
        }
    }
    return normalize(out)
}

func (d *DNS) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Debugf(d.opts.Logger, "discovery: srv %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *DNS) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Debugf(d.opts.Logger, "discovery: lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
    }
    return out
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}

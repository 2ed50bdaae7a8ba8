package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"
    "github.com/spf13/viper"

    "github.com/amirimatin/go-nodestatus/pkg/bootstrap"
    "github.com/amirimatin/go-nodestatus/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-nodestatus/pkg/observability/tracing"
    "github.com/amirimatin/go-nodestatus/pkg/schema"
    tlsx "github.com/amirimatin/go-nodestatus/pkg/security/tlsconfig"
    "github.com/amirimatin/go-nodestatus/pkg/transport"
)

// EnvPrefix prefixes environment overrides, e.g. NODESTATUS_MGMT_ADDR.
const EnvPrefix = "nodestatus"

// AddAll attaches the node and management subcommands to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewNodesCmd())
    root.AddCommand(NewSchemaCmd())
    root.AddCommand(NewObjectsCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
}

// bindConfig attaches fs to cmd and returns a viper instance resolving each
// flag from, in order: the flag, NODESTATUS_* env, the --config file.
func bindConfig(cmd *cobra.Command, fs *pflag.FlagSet) *viper.Viper {
    fs.String("config", "", "config file (yaml, json or toml)")
    cmd.Flags().AddFlagSet(fs)
    v := viper.New()
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.SetEnvPrefix(EnvPrefix)
    v.AutomaticEnv()
    _ = v.BindPFlags(fs)
    return v
}

func readConfig(v *viper.Viper) error {
    path := v.GetString("config")
    if path == "" { return nil }
    v.SetConfigFile(path)
    if err := v.ReadInConfig(); err != nil { return fmt.Errorf("read config %s: %w", path, err) }
    return nil
}

func addTLSFlags(fs *pflag.FlagSet, role string) {
    fs.Bool("tls-enable", false, "enable mTLS for management transport")
    fs.String("tls-ca", "", "path to CA cert (PEM)")
    fs.String("tls-cert", "", "path to "+role+" certificate (PEM)")
    fs.String("tls-key", "", "path to "+role+" private key (PEM)")
    fs.Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fs.String("tls-server-name", "", "expected server name (for TLS validation)")
}

func tlsOptions(v *viper.Viper) tlsx.Options {
    return tlsx.Options{
        Enable:             v.GetBool("tls-enable"),
        CAFile:             v.GetString("tls-ca"),
        CertFile:           v.GetString("tls-cert"),
        KeyFile:            v.GetString("tls-key"),
        InsecureSkipVerify: v.GetBool("tls-skip-verify"),
        ServerName:         v.GetString("tls-server-name"),
    }
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
    fs.String("id", "", "node id (required)")
    fs.String("raft-addr", ":9520", "raft bind addr (tcp)")
    fs.String("mem-bind", ":7946", "membership bind addr (host:port)")
    fs.String("mem-adv", "", "membership advertise addr (host:port, optional)")
    fs.String("join", "", "comma-separated membership seeds (host:port)")
    fs.String("mgmt-addr", ":17946", "management address (tcp), separate from membership port")
    fs.String("mgmt-adv", "", "management address advertised to peers (optional)")
    fs.String("mgmt-proto", "http", "management RPC protocol: http|grpc")
    fs.String("file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    fs.String("file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    fs.String("dns-names", "", "comma-separated SRV names or hostnames resolving to membership seeds")
    fs.Int("dns-port", 7946, "membership port for hostnames resolved via A/AAAA")
    fs.Duration("disc-refresh", 5*time.Second, "seed file and DNS refresh/cache duration")
    fs.Duration("status-timeout", 3*time.Second, "per-node deadline for status collection")
    fs.Int("status-concurrency", 0, "max nodes queried at once (0 = all)")
    fs.String("data", "", "data dir for raft and shards (empty = in-memory)")
    fs.Bool("bootstrap", false, "bootstrap single-node raft")
    fs.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
    fs.Bool("log-json", false, "emit JSON log lines")
    fs.Bool("debug", false, "enable debug logs")
    addTLSFlags(fs, "node")

    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a node",
    }
    v := bindConfig(cmd, fs)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        if err := readConfig(v); err != nil { return err }
        id := v.GetString("id")
        if id == "" { return fmt.Errorf("missing --id") }
        if v.GetBool("log-json") { logutil.SetJSON(true) }
        if v.GetBool("debug") { logutil.SetDebug(true) }
        ctx, cancel := signalContext()
        defer cancel()

        if v.GetBool("trace") {
            shutdown, err := tracing.Setup(true)
            if err != nil {
                logutil.Warnf(nil, "tracing setup error: %v", err)
            } else {
                defer func() { _ = shutdown(context.Background()) }()
            }
        }

        topts := tlsOptions(v)
        cfg := bootstrap.Config{
            NodeID:            id,
            RaftAddr:          v.GetString("raft-addr"),
            MemBind:           v.GetString("mem-bind"),
            MemAdv:            v.GetString("mem-adv"),
            MgmtAddr:          v.GetString("mgmt-addr"),
            MgmtAdv:           v.GetString("mgmt-adv"),
            MgmtProto:         v.GetString("mgmt-proto"),
            SeedsCSV:          v.GetString("join"),
            FilePath:          v.GetString("file-path"),
            FileEnv:           v.GetString("file-env"),
            DNSNames:          v.GetString("dns-names"),
            DNSPort:           v.GetInt("dns-port"),
            DiscRefresh:       v.GetDuration("disc-refresh"),
            StatusTimeout:     v.GetDuration("status-timeout"),
            StatusConcurrency: v.GetInt("status-concurrency"),
            DataDir:           v.GetString("data"),
            Bootstrap:         v.GetBool("bootstrap"),
            TLSEnable:         topts.Enable,
            TLSCA:             topts.CAFile,
            TLSCert:           topts.CertFile,
            TLSKey:            topts.KeyFile,
            TLSServerName:     topts.ServerName,
            TLSSkipVerify:     topts.InsecureSkipVerify,
            Logger:            log.Default(),
        }
        cl, err := bootstrap.Run(ctx, cfg)
        if err != nil { return err }
        defer cl.Close()

        logutil.Infof(nil, "node %s running. Press Ctrl+C to exit.", id)
        <-ctx.Done()
        return nil
    }
    return cmd
}

// clientCmd builds a command talking to one node's management API.
func clientCmd(use, short string, args cobra.PositionalArgs, extra func(fs *pflag.FlagSet), run func(ctx context.Context, v *viper.Viper, c transport.RPCClient, addr string, args []string) (any, error)) *cobra.Command {
    fs := pflag.NewFlagSet(use, pflag.ContinueOnError)
    fs.String("addr", "127.0.0.1:17946", "management address of a node (host:port)")
    fs.String("mgmt-proto", "http", "management RPC protocol: http|grpc")
    fs.Duration("timeout", 10*time.Second, "request timeout; keep it above the nodes' --status-timeout")
    addTLSFlags(fs, "client")
    if extra != nil { extra(fs) }

    cmd := &cobra.Command{Use: use, Short: short, Args: args}
    v := bindConfig(cmd, fs)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        if err := readConfig(v); err != nil { return err }
        cliTLS, err := tlsOptions(v).Client()
        if err != nil { return fmt.Errorf("tls client config: %w", err) }
        timeout := v.GetDuration("timeout")
        _, client := bootstrap.NewTransport(v.GetString("mgmt-proto"), "", nil, nil, cliTLS, timeout)
        if cl, ok := client.(interface{ Close() }); ok { defer cl.Close() }
        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        out, err := run(ctx, v, client, v.GetString("addr"), args)
        if err != nil { return fmt.Errorf("%s error: %w", use, err) }
        enc := json.NewEncoder(cmd.OutOrStdout())
        enc.SetIndent("", "  ")
        return enc.Encode(out)
    }
    return cmd
}

// NewNodesCmd returns the "nodes" command printing every node's status.
func NewNodesCmd() *cobra.Command {
    return clientCmd("nodes", "Show status and shard counts of every node", cobra.NoArgs,
        func(fs *pflag.FlagSet) { fs.String("class", "", "restrict stats and shards to one class") },
        func(ctx context.Context, v *viper.Viper, c transport.RPCClient, addr string, _ []string) (any, error) {
            return c.NodesStatus(ctx, addr, v.GetString("class"))
        })
}

// NewSchemaCmd returns the "schema" command group.
func NewSchemaCmd() *cobra.Command {
    parent := &cobra.Command{Use: "schema", Short: "Manage classes"}
    parent.AddCommand(clientCmd("list", "List classes", cobra.NoArgs, nil,
        func(ctx context.Context, _ *viper.Viper, c transport.RPCClient, addr string, _ []string) (any, error) {
            return c.Classes(ctx, addr)
        }))
    parent.AddCommand(clientCmd("create CLASS", "Create a class", cobra.ExactArgs(1),
        func(fs *pflag.FlagSet) { fs.StringSlice("prop", nil, "property as name:type (repeatable)") },
        func(ctx context.Context, v *viper.Viper, c transport.RPCClient, addr string, args []string) (any, error) {
            cls := schema.Class{Name: args[0]}
            for _, p := range v.GetStringSlice("prop") {
                name, typ, _ := strings.Cut(p, ":")
                if typ == "" { typ = "text" }
                cls.Properties = append(cls.Properties, schema.Property{Name: name, DataType: []string{typ}})
            }
            return c.ApplySchema(ctx, addr, transport.SchemaRequest{Op: transport.SchemaAdd, Class: cls})
        }))
    parent.AddCommand(clientCmd("delete CLASS", "Delete a class and its shards", cobra.ExactArgs(1), nil,
        func(ctx context.Context, _ *viper.Viper, c transport.RPCClient, addr string, args []string) (any, error) {
            return c.ApplySchema(ctx, addr, transport.SchemaRequest{Op: transport.SchemaDelete, Class: schema.Class{Name: args[0]}})
        }))
    return parent
}

// NewObjectsCmd returns the "objects" command group.
func NewObjectsCmd() *cobra.Command {
    parent := &cobra.Command{Use: "objects", Short: "Write objects into a node's shards"}
    parent.AddCommand(clientCmd("put", "Store one object on the addressed node", cobra.NoArgs,
        func(fs *pflag.FlagSet) {
            fs.String("class", "", "class of the object (required)")
            fs.String("id", "", "object id (uuid, generated when empty)")
            fs.String("props", "{}", "object properties as JSON")
        },
        func(ctx context.Context, v *viper.Viper, c transport.RPCClient, addr string, _ []string) (any, error) {
            class := v.GetString("class")
            if class == "" { return nil, fmt.Errorf("missing --class") }
            props := json.RawMessage(v.GetString("props"))
            if !json.Valid(props) { return nil, fmt.Errorf("--props is not valid JSON") }
            return c.PutObject(ctx, addr, transport.ObjectRequest{Class: class, ID: v.GetString("id"), Properties: props})
        }))
    return parent
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    return clientCmd("join", "Request to add a node as raft voter", cobra.NoArgs,
        func(fs *pflag.FlagSet) {
            fs.String("id", "", "node id to add (required)")
            fs.String("raft-addr", "", "node raft address (host:port, required)")
        },
        func(ctx context.Context, v *viper.Viper, c transport.RPCClient, addr string, _ []string) (any, error) {
            id, raftAddr := v.GetString("id"), v.GetString("raft-addr")
            if id == "" || raftAddr == "" { return nil, fmt.Errorf("missing required flags: --id and --raft-addr") }
            return c.PostJoin(ctx, addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
        })
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    return clientCmd("leave", "Request to remove a node from the raft configuration", cobra.NoArgs,
        func(fs *pflag.FlagSet) { fs.String("id", "", "node id to remove (required)") },
        func(ctx context.Context, v *viper.Viper, c transport.RPCClient, addr string, _ []string) (any, error) {
            id := v.GetString("id")
            if id == "" { return nil, fmt.Errorf("missing required flag: --id") }
            return c.PostLeave(ctx, addr, transport.LeaveRequest{ID: id})
        })
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

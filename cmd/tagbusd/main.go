// Command tagbusd runs a tagbus node.
//
// It publishes one envelope per line read from stdin and prints every
// envelope it receives. A line has the form
//
//	[@]tag [key=value ...]
//
// where a leading @ publishes in local scope; everything else is global.
//
// Examples:
//
//	tagbusd --role host --listen :8080
//	tagbusd --role client --connect ws://localhost:8080/tagbus
//	tagbusd --role host --peer-id a --nats nats://localhost:4222
//	tagbusd --role client --peer-id b --authority a --redis localhost:6379
//
// A hub also serves the monitor endpoints under /v1/; other nodes can
// expose them with --status.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rbaliyan/tagbus"
	"github.com/rbaliyan/tagbus/monitor"
	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/codec"
	"github.com/rbaliyan/tagbus/transport/nats"
	"github.com/rbaliyan/tagbus/transport/pubsub"
	"github.com/rbaliyan/tagbus/transport/redis"
	"github.com/rbaliyan/tagbus/transport/ws"
	goredis "github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
)

// Version information (set via ldflags during build).
var version = "dev"

type flags struct {
	role       string
	peerID     string
	authority  string
	listen     string
	path       string
	connect    string
	natsURL    string
	redisAddr  string
	prefix     string
	statusAddr string
	configPath string
	codec      string
	logLevel   string
	version    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("tagbusd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&f.role, "role", "r", "standalone", "node role: standalone, host or client")
	fs.StringVar(&f.peerID, "peer-id", "", "peer id (random if empty)")
	fs.StringVar(&f.authority, "authority", "", "authoritative peer id for nats/redis (defaults to self on a host)")
	fs.StringVarP(&f.listen, "listen", "l", "", "host: serve the websocket hub on this address")
	fs.StringVar(&f.path, "path", "/tagbus", "host: websocket hub path")
	fs.StringVar(&f.connect, "connect", "", "client: websocket url of the hub")
	fs.StringVar(&f.natsURL, "nats", "", "use NATS at this url")
	fs.StringVar(&f.redisAddr, "redis", "", "use Redis pub/sub at this address")
	fs.StringVar(&f.prefix, "prefix", pubsub.DefaultPrefix, "subject prefix for nats/redis")
	fs.StringVar(&f.statusAddr, "status", "", "serve the monitor endpoints on this address")
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file (environment is used otherwise)")
	fs.StringVar(&f.codec, "codec", "json", "frame codec: json, msgpack or proto")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVarP(&f.version, "version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func loadConfig(path string) (tagbus.Config, error) {
	if path != "" {
		return tagbus.LoadConfigFile(path)
	}
	return tagbus.LoadConfigFromEnv(tagbus.DefaultEnvPrefix)
}

// node bundles the transport side of a running process
type node struct {
	transport transport.Transport
	mux       *http.ServeMux
	start     func(ctx context.Context) error
	stop      func(ctx context.Context)
	serving   bool
}

func buildNode(f *flags, role tagbus.Role, logger *slog.Logger) (*node, error) {
	c, err := codec.ByName(f.codec)
	if err != nil {
		return nil, err
	}
	peer := transport.PeerID(f.peerID)
	if peer == "" {
		peer = transport.NewPeerID()
	}

	selected := 0
	for _, s := range []string{f.listen, f.connect, f.natsURL, f.redisAddr} {
		if s != "" {
			selected++
		}
	}
	if selected > 1 {
		return nil, errors.New("choose one of --listen, --connect, --nats, --redis")
	}

	authority := transport.PeerID(f.authority)
	if authority == "" && role != tagbus.RoleClient {
		authority = peer
	}
	psOpts := []pubsub.Option{
		pubsub.WithPeerID(peer),
		pubsub.WithAuthority(authority),
		pubsub.WithPrefix(f.prefix),
		pubsub.WithCodec(c),
		pubsub.WithLogger(logger.With("component", "transport>pubsub")),
	}

	switch {
	case f.listen != "":
		if role != tagbus.RoleHost {
			return nil, errors.New("--listen requires --role host")
		}
		hub := ws.NewHub(ws.WithPeerID(peer), ws.WithCodec(c), ws.WithLogger(logger.With("component", "transport>ws")))
		mux := http.NewServeMux()
		mux.Handle(f.path, hub)
		srv := &http.Server{Addr: f.listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		return &node{
			transport: hub,
			mux:       mux,
			serving:   true,
			start: func(ctx context.Context) error {
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("hub server failed", "error", err)
					}
				}()
				logger.Info("hub listening", "addr", f.listen, "path", f.path)
				return nil
			},
			stop: func(ctx context.Context) { _ = srv.Shutdown(ctx) },
		}, nil

	case f.connect != "":
		if role != tagbus.RoleClient {
			return nil, errors.New("--connect requires --role client")
		}
		client := ws.NewClient(f.connect, ws.WithPeerID(peer), ws.WithCodec(c), ws.WithLogger(logger.With("component", "transport>ws")))
		return &node{
			transport: client,
			serving:   true,
			start:     client.Connect,
			stop:      func(context.Context) {},
		}, nil

	case f.natsURL != "":
		conn, err := natsgo.Connect(f.natsURL, natsgo.Name("tagbusd-"+string(peer)))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		tr, err := nats.New(conn, psOpts...)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &node{
			transport: tr,
			serving:   true,
			start:     tr.Start,
			stop:      func(context.Context) { conn.Close() },
		}, nil

	case f.redisAddr != "":
		client := goredis.NewClient(&goredis.Options{Addr: f.redisAddr})
		tr, err := redis.New(client, []redis.BrokerOption{redis.WithLogger(logger.With("component", "transport>redis"))}, psOpts...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &node{
			transport: tr,
			serving:   true,
			start:     tr.Start,
			stop:      func(context.Context) { _ = client.Close() },
		}, nil
	}

	return &node{
		start: func(context.Context) error { return nil },
		stop:  func(context.Context) {},
	}, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if f.version {
		fmt.Fprintf(stdout, "tagbusd %s\n", version)
		return 0
	}

	logger, err := newLogger(f.logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	role, err := tagbus.ParseRole(f.role)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	n, err := buildNode(f, role, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	opts := []tagbus.Option{
		tagbus.WithConfig(cfg),
		tagbus.WithLogger(logger),
		tagbus.WithRoleProvider(tagbus.StaticRole(role)),
	}
	if f.peerID != "" {
		opts = append(opts, tagbus.WithPeerID(transport.PeerID(f.peerID)))
	}
	if n.transport != nil {
		opts = append(opts, tagbus.WithTransport(n.transport))
	}

	bus, err := tagbus.New("tagbusd", opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(sctx)
		n.stop(sctx)
	}
	defer shutdown()

	if n.mux != nil {
		n.mux.Handle("/v1/", monitor.New(bus, logger))
	}
	if f.statusAddr != "" {
		srv := &http.Server{Addr: f.statusAddr, Handler: monitor.New(bus, logger), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer srv.Close()
		n.serving = true
	}

	p := &printer{w: stdout}
	if _, err := bus.Subscribe(ctx, tagbus.NewListener(p.print), tagbus.AnyScope()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := n.start(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: failed to start transport: %v\n", err)
		return 1
	}
	logger.Info("node running", "role", role, "bus", bus.ID())

	if err := publishLines(ctx, bus, stdin, logger); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// A networked node keeps serving after stdin closes.
	if n.serving {
		<-ctx.Done()
	}
	return 0
}

func publishLines(ctx context.Context, bus *tagbus.Bus, r io.Reader, logger *slog.Logger) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			env, ok := parseLine(line)
			if !ok {
				continue
			}
			if err := bus.Publish(ctx, env); err != nil {
				logger.Warn("publish failed", "tag", env.Tag(), "error", err)
			}
		}
	}
}

// parseLine turns "[@]tag k=v ..." into an envelope. Blank lines and
// comments starting with # are skipped.
func parseLine(line string) (tagbus.Envelope, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return tagbus.Envelope{}, false
	}

	scope := tagbus.ScopeGlobal
	tag := fields[0]
	if strings.HasPrefix(tag, "@") {
		scope = tagbus.ScopeLocal
		tag = tag[1:]
	}
	if tag == "" {
		return tagbus.Envelope{}, false
	}

	env := tagbus.NewEnvelope(tagbus.Tag(tag), scope)
	for _, kv := range fields[1:] {
		k, v, _ := strings.Cut(kv, "=")
		env = env.WithParameter(k, v)
	}
	return env, true
}

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) print(ctx context.Context, env tagbus.Envelope, isGlobal bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", env.Scope(), env.Tag())
	for _, param := range env.Params() {
		fmt.Fprintf(&b, " %s=%s", param.Key, param.Value)
	}
	if o := env.Origin(); o != "" {
		fmt.Fprintf(&b, " (from %s)", o)
	}

	p.mu.Lock()
	fmt.Fprintln(p.w, b.String())
	p.mu.Unlock()
}

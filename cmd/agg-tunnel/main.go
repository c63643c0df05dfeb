// Command agg-tunnel forwards TCP ports over an aggregated session.
// The client listens on local ports and carries each connection as a
// multiplexed stream; the server dials the target registered for the
// stream's port selector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"

	"agglink/internal/config"
	"agglink/internal/dump"
	"agglink/internal/metrics"
	"agglink/internal/monitor"
	"agglink/internal/session"
	"agglink/internal/tunnel"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: agg-tunnel [flags] client|server|show-cfg

Modes:
  client    aggregate links to the server and expose forwarded ports locally
  server    accept sessions and forward streams to their targets
  show-cfg  print the effective configuration and exit

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (optional)")
		targets    = flag.String("targets", "", "client: comma-separated dial targets, e.g. tcp://host:5800")
		listen     = flag.String("listen", ":5800", "server listen address (tcp)")
		ports      = flag.String("ports", "", "client: comma-separated local ports to expose")
		forwards   = flag.String("forward", "", "server: port=target pairs, e.g. 8022=127.0.0.1:22,8080=web:80")
		once       = flag.Bool("once", false, "client: exit when the session ends instead of reconnecting")
		dumpPath   = flag.String("dump", "", "write JSON-line diagnostic events to this file")
	)
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	mode := flag.Arg(0)
	if mode == "" {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if *configPath != "" {
		runReloadable(ctx, *configPath, mode, *once)
		return
	}

	cfg, err := flagConfig(mode, *targets, *listen, *ports, *forwards)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dumpPath != "" {
		cfg.Dump.Path = *dumpPath
	}
	if mode == "show-cfg" {
		showConfig(cfg)
		return
	}
	if err := run(ctx, cfg, *once); err != nil && ctx.Err() == nil {
		log.Fatalf("%v", err)
	}
}

// runReloadable drives the run loop from a watched config file,
// restarting on change the way a daemon under a supervisor would.
func runReloadable(ctx context.Context, path, mode string, once bool) {
	reloader, err := config.NewReloadable(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	defer reloader.Close()

	if mode == "show-cfg" {
		showConfig(reloader.Get())
		return
	}

	restartCh := make(chan struct{}, 1)
	reloader.OnChange(func(_, _ *config.Config) {
		select {
		case restartCh <- struct{}{}:
		default:
		}
	})

	for {
		runCtx, runCancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- run(runCtx, reloader.Get(), once) }()

		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return
		case <-restartCh:
			log.Printf("config reloaded, restarting")
			runCancel()
			<-errCh
		case err := <-errCh:
			runCancel()
			if ctx.Err() != nil || once {
				if err != nil && ctx.Err() == nil {
					log.Fatalf("%v", err)
				}
				return
			}
			if err != nil {
				log.Printf("tunnel failed: %v, retrying in 3s", err)
			}
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	if cfg.Metrics.Addr != "" {
		metrics.Start(cfg.Metrics.Addr, cfg.Metrics.AuthToken)
	}
	opts := cfg.SessionOptions()
	if cfg.Dump.Path != "" {
		feed := dump.NewFeed(cfg.Dump.Buffer)
		go dump.WriteJSONLines(cfg.Dump.Path, feed)
		defer feed.Close()
		opts.Events = feed
	}

	switch cfg.Role {
	case "client":
		return runClient(ctx, cfg, opts, once)
	case "server":
		return runServer(ctx, cfg, opts)
	default:
		return fmt.Errorf("bad role %q", cfg.Role)
	}
}

func runClient(ctx context.Context, cfg *config.Config, opts session.Options, once bool) error {
	dialers, err := cfg.BuildDialers()
	if err != nil {
		return err
	}
	for {
		sess, err := session.Connect(ctx, dialers, opts)
		if err != nil {
			return err
		}
		log.Printf("session %s established over %d link(s)", sess.LocalAddr(), sess.Registry().Len())

		err = serveClientSession(ctx, cfg, sess)
		if ctx.Err() != nil {
			return nil
		}
		if once {
			return err
		}
		log.Printf("session ended: %v, reconnecting", err)
	}
}

func serveClientSession(ctx context.Context, cfg *config.Config, sess *session.Session) error {
	defer sess.Close()

	client, err := tunnel.NewClient(sess)
	if err != nil {
		return err
	}
	defer client.Close()

	host := cfg.Tunnel.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	for _, port := range cfg.Tunnel.Ports {
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		log.Printf("forwarding %s", addr)
		go func(p uint16) {
			if err := client.ListenPort(ln, p); err != nil {
				log.Printf("port %d: %v", p, err)
			}
		}(port)
	}

	if cfg.MonitorInterval > 0 {
		monCtx, monCancel := context.WithCancel(ctx)
		defer monCancel()
		go monitor.Run(monCtx, os.Stderr, cfg.MonitorInterval, sess.Stats)
	}

	select {
	case <-sess.Done():
		return sess.Err()
	case <-ctx.Done():
		return nil
	}
}

func runServer(ctx context.Context, cfg *config.Config, opts session.Options) error {
	listeners, err := cfg.BuildListeners()
	if err != nil {
		return err
	}
	acceptor := session.NewAcceptor(opts)
	defer acceptor.Close()
	for _, ln := range listeners {
		log.Printf("listening on %s (%s)", ln.Addr(), ln.Kind())
		go acceptor.Serve(ln)
	}
	go func() {
		<-ctx.Done()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		acceptor.Close()
	}()

	for {
		sess, err := acceptor.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Printf("session %s accepted", sess.LocalAddr())
		go func(s *session.Session) {
			defer s.Close()
			srv, err := tunnel.NewServer(s, cfg.Tunnel.Targets)
			if err != nil {
				log.Printf("session %s: %v", s.LocalAddr(), err)
				return
			}
			defer srv.Close()
			if err := srv.Serve(); err != nil && ctx.Err() == nil {
				log.Printf("session %s: %v", s.LocalAddr(), err)
			}
		}(sess)
	}
}

// flagConfig synthesizes a config from command line flags.
func flagConfig(mode, targets, listen, ports, forwards string) (*config.Config, error) {
	cfg := config.Default()
	switch mode {
	case "server":
		cfg.Role = "server"
		cfg.Listeners = []config.ListenerConfig{{Transport: "tcp", Addr: listen}}
		cfg.Tunnel.Targets = map[uint16]string{}
		for _, pair := range splitList(forwards) {
			port, target, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("bad forward %q, want port=target", pair)
			}
			p, err := strconv.ParseUint(port, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad forward port %q: %w", port, err)
			}
			cfg.Tunnel.Targets[uint16(p)] = target
		}
		if len(cfg.Tunnel.Targets) == 0 {
			return nil, fmt.Errorf("no forwards: use -forward or -config")
		}
	default:
		cfg.Role = "client"
		for _, t := range splitList(targets) {
			lc, err := parseTarget(t)
			if err != nil {
				return nil, err
			}
			cfg.Links = append(cfg.Links, lc)
		}
		for _, p := range splitList(ports) {
			v, err := strconv.ParseUint(p, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad port %q: %w", p, err)
			}
			cfg.Tunnel.Ports = append(cfg.Tunnel.Ports, uint16(v))
		}
		if mode == "client" {
			if len(cfg.Links) == 0 {
				return nil, fmt.Errorf("no targets: use -targets or -config")
			}
			if len(cfg.Tunnel.Ports) == 0 {
				return nil, fmt.Errorf("no ports: use -ports or -config")
			}
		}
	}
	if mode == "show-cfg" {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

func parseTarget(t string) (config.LinkConfig, error) {
	scheme, addr := "tcp", t
	if i := strings.Index(t, "://"); i >= 0 {
		scheme, addr = t[:i], t[i+3:]
	}
	switch scheme {
	case "tcp", "tls", "kcp", "quic":
		return config.LinkConfig{Transport: scheme, Addr: addr}, nil
	case "ws", "wss":
		return config.LinkConfig{Transport: "ws", Addr: t}, nil
	default:
		return config.LinkConfig{}, fmt.Errorf("unknown target scheme %q", scheme)
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func showConfig(cfg *config.Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatalf("marshal config: %v", err)
	}
	os.Stdout.Write(out)
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

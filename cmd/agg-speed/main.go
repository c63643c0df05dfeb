// Command agg-speed measures the throughput of an aggregated session.
// The client dials one link per target, runs a verified speed test over
// the combined connection and reports the result; the server accepts
// sessions and mirrors the test.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"

	"agglink/internal/config"
	"agglink/internal/dump"
	"agglink/internal/metrics"
	"agglink/internal/monitor"
	"agglink/internal/session"
	"agglink/internal/speedtest"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: agg-speed [flags] client|server|show-cfg

Modes:
  client    dial the targets, aggregate them and run the test
  server    accept sessions and answer tests
  show-cfg  print the effective configuration and exit

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (optional)")
		targets    = flag.String("targets", "", "comma-separated dial targets, e.g. tcp://host:5700,ws://host:8080/agglink")
		listen     = flag.String("listen", ":5700", "server listen address (tcp)")
		limitMB    = flag.Int64("limit", 0, "stop after this many MiB per direction")
		testTime   = flag.Duration("time", 10*time.Second, "test duration (0 = until limit)")
		sendOnly   = flag.Bool("send-only", false, "only transmit")
		recvOnly   = flag.Bool("recv-only", false, "only receive")
		jsonOut    = flag.Bool("json", false, "print the report as JSON")
		dumpPath   = flag.String("dump", "", "write JSON-line diagnostic events to this file")
		oneshot    = flag.Bool("oneshot", false, "server: exit after the first session")
		noMonitor  = flag.Bool("no-monitor", false, "suppress the link status table")
	)
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	mode := flag.Arg(0)
	if mode == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := buildConfig(*configPath, mode, *targets, *listen)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dumpPath != "" {
		cfg.Dump.Path = *dumpPath
	}

	if mode == "show-cfg" {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("marshal config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

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

	params := speedtest.Params{
		Send:  !*recvOnly,
		Recv:  !*sendOnly,
		Limit: *limitMB << 20,
	}
	if *testTime > 0 {
		params.Duration = *testTime
	}

	switch mode {
	case "client":
		runClient(ctx, cfg, opts, params, *jsonOut, *noMonitor)
	case "server":
		runServer(ctx, cfg, opts, *oneshot, *noMonitor)
	default:
		usage()
		os.Exit(2)
	}
}

// buildConfig loads the config file or synthesizes one from flags.
func buildConfig(path, mode, targets, listen string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	switch mode {
	case "server":
		cfg.Role = "server"
		cfg.Listeners = []config.ListenerConfig{{Transport: "tcp", Addr: listen}}
	default:
		cfg.Role = "client"
		for _, t := range strings.Split(targets, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			lc, err := parseTarget(t)
			if err != nil {
				return nil, err
			}
			cfg.Links = append(cfg.Links, lc)
		}
		if mode == "client" && len(cfg.Links) == 0 {
			return nil, fmt.Errorf("no targets: use -targets or -config")
		}
	}
	if mode == "show-cfg" {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// parseTarget turns scheme://address into a link entry. A bare
// host:port means plain TCP.
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

func runClient(ctx context.Context, cfg *config.Config, opts session.Options, params speedtest.Params, jsonOut, noMonitor bool) {
	dialers, err := cfg.BuildDialers()
	if err != nil {
		log.Fatalf("build dialers: %v", err)
	}
	sess, err := session.Connect(ctx, dialers, opts)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	log.Printf("session %s established over %d link(s)", sess.LocalAddr(), sess.Registry().Len())

	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()
	if !noMonitor && !jsonOut && cfg.MonitorInterval > 0 {
		go monitor.Run(monCtx, os.Stderr, cfg.MonitorInterval, sess.Stats)
	}

	var progress func(speedtest.Progress)
	if !jsonOut {
		progress = func(p speedtest.Progress) {
			secs := p.Elapsed.Seconds()
			if secs <= 0 {
				return
			}
			log.Printf("tx %.1f Mbit/s  rx %.1f Mbit/s",
				float64(p.Sent)*8/secs/1e6, float64(p.Recv)*8/secs/1e6)
		}
	}

	rep, err := speedtest.Run(sess, params, progress)
	monCancel()
	if err != nil {
		log.Printf("speed test: %v", err)
	}
	report(rep, jsonOut)
	if err != nil {
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, opts session.Options, oneshot, noMonitor bool) {
	listeners, err := cfg.BuildListeners()
	if err != nil {
		log.Fatalf("build listeners: %v", err)
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

	done := make(chan struct{}, 16)
	for {
		sess, err := acceptor.Accept()
		if err != nil {
			return
		}
		log.Printf("session %s accepted", sess.LocalAddr())
		if !noMonitor && cfg.MonitorInterval > 0 {
			monCtx, monCancel := context.WithCancel(ctx)
			go func() {
				<-sess.Done()
				monCancel()
			}()
			go monitor.Run(monCtx, os.Stderr, cfg.MonitorInterval, sess.Stats)
		}
		go func(s *session.Session) {
			rep, err := speedtest.Serve(s)
			if err != nil {
				log.Printf("session %s: %v", s.LocalAddr(), err)
			}
			if rep != nil {
				log.Printf("session %s: tx %.1f Mbit/s rx %.1f Mbit/s (%s, %d mismatches)",
					s.LocalAddr(), rep.SendMbps, rep.RecvMbps,
					rep.Elapsed.Round(time.Millisecond), rep.Mismatches)
			}
			_ = s.Close()
			done <- struct{}{}
		}(sess)
		if oneshot {
			<-done
			return
		}
	}
}

func report(rep *speedtest.Report, jsonOut bool) {
	if rep == nil {
		return
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return
	}
	fmt.Printf("sent      %d bytes\n", rep.SentBytes)
	fmt.Printf("received  %d bytes\n", rep.RecvBytes)
	fmt.Printf("elapsed   %s\n", rep.Elapsed.Round(time.Millisecond))
	fmt.Printf("tx        %.1f Mbit/s\n", rep.SendMbps)
	fmt.Printf("rx        %.1f Mbit/s\n", rep.RecvMbps)
	if rep.Mismatches > 0 {
		fmt.Printf("MISMATCHED BYTES: %d\n", rep.Mismatches)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

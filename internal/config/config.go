// Package config loads and validates the YAML configuration shared by
// the agg-speed and agg-tunnel commands.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"agglink/internal/session"
	"agglink/internal/transport"
)

// Config is the root document.
type Config struct {
	// Role selects client (dials links) or server (listens for them).
	Role string `yaml:"role"`

	Session SessionConfig `yaml:"session"`

	// Links are the client's dial targets, one aggregated link each.
	Links []LinkConfig `yaml:"links"`

	// Listeners are the server's accepting transports.
	Listeners []ListenerConfig `yaml:"listeners"`

	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Metrics MetricsConfig `yaml:"metrics"`
	Dump    DumpConfig    `yaml:"dump"`

	// MonitorInterval controls the status table refresh; zero
	// disables the monitor.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// SessionConfig exposes the aggregation tunables.
type SessionConfig struct {
	MaxLinks         int           `yaml:"max_links"`
	SegmentSize      int           `yaml:"segment_size"`
	WindowSegments   int           `yaml:"window_segments"`
	SendBuffer       int           `yaml:"send_buffer"`
	AckThreshold     int           `yaml:"ack_threshold"`
	Keepalive        time.Duration `yaml:"keepalive"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	EWMAAlpha        float64       `yaml:"ewma_alpha"`
	MinWeight        float64       `yaml:"min_weight"`
}

// TLSConfig points at PEM material on disk.
type TLSConfig struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	CA         string `yaml:"ca"`
	ServerName string `yaml:"server_name"`
	Insecure   bool   `yaml:"insecure"` // skip verification, test setups only
}

// LinkConfig describes one dial target.
type LinkConfig struct {
	// Transport is tcp, tls, ws, kcp or quic.
	Transport string `yaml:"transport"`
	// Addr is host:port; for ws it is the full URL instead.
	Addr     string              `yaml:"addr"`
	Compress bool                `yaml:"compress"`
	TLS      TLSConfig           `yaml:"tls"`
	KCP      transport.KCPConfig `yaml:"kcp"`
}

// ListenerConfig describes one accepting transport.
type ListenerConfig struct {
	Transport string              `yaml:"transport"`
	Addr      string              `yaml:"addr"`
	Path      string              `yaml:"path"` // ws only
	Compress  bool                `yaml:"compress"`
	TLS       TLSConfig           `yaml:"tls"`
	KCP       transport.KCPConfig `yaml:"kcp"`
}

// TunnelConfig wires forwarded ports. Ports is the client side; Targets
// is the server's selector table.
type TunnelConfig struct {
	ListenHost string            `yaml:"listen_host"`
	Ports      []uint16          `yaml:"ports"`
	Targets    map[uint16]string `yaml:"targets"`
}

// MetricsConfig enables the HTTP metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// DumpConfig enables the JSON-lines event dump when Path is set.
type DumpConfig struct {
	Path   string `yaml:"path"`
	Buffer int    `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Role: "client",
		Tunnel: TunnelConfig{
			ListenHost: "127.0.0.1",
		},
		MonitorInterval: time.Second,
	}
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Role {
	case "client":
		if len(c.Links) == 0 {
			return fmt.Errorf("client role needs at least one link")
		}
	case "server":
		if len(c.Listeners) == 0 {
			return fmt.Errorf("server role needs at least one listener")
		}
	default:
		return fmt.Errorf("role must be client or server, got %q", c.Role)
	}

	for i, l := range c.Links {
		if err := validKind(l.Transport); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
		if l.Addr == "" {
			return fmt.Errorf("links[%d]: addr required", i)
		}
	}
	for i, l := range c.Listeners {
		if err := validKind(l.Transport); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
		if l.Addr == "" {
			return fmt.Errorf("listeners[%d]: addr required", i)
		}
		switch l.Transport {
		case transport.KindTLS, transport.KindQUIC:
			if l.TLS.Cert == "" || l.TLS.Key == "" {
				return fmt.Errorf("listeners[%d]: %s requires tls cert and key", i, l.Transport)
			}
		}
	}
	for port, target := range c.Tunnel.Targets {
		if target == "" {
			return fmt.Errorf("tunnel target for port %d is empty", port)
		}
	}
	if c.Session.EWMAAlpha < 0 || c.Session.EWMAAlpha > 1 {
		return fmt.Errorf("session.ewma_alpha must be in (0,1]")
	}
	return nil
}

func validKind(kind string) error {
	switch kind {
	case transport.KindTCP, transport.KindTLS, transport.KindWS,
		transport.KindKCP, transport.KindQUIC:
		return nil
	default:
		return fmt.Errorf("unknown transport %q", kind)
	}
}

// SessionOptions maps the tunables onto session options, leaving zero
// values to the session defaults.
func (c *Config) SessionOptions() session.Options {
	s := c.Session
	return session.Options{
		MaxLinks:          s.MaxLinks,
		SegmentSize:       s.SegmentSize,
		WindowSegments:    s.WindowSegments,
		SendBufferBytes:   s.SendBuffer,
		AckThresholdBytes: s.AckThreshold,
		KeepaliveInterval: s.Keepalive,
		HandshakeTimeout:  s.HandshakeTimeout,
		GracePeriod:       s.GracePeriod,
		EWMAAlpha:         s.EWMAAlpha,
		MinWeight:         s.MinWeight,
	}
}

// BuildDialers constructs the client's transport dialers.
func (c *Config) BuildDialers() ([]transport.Dialer, error) {
	dialers := make([]transport.Dialer, 0, len(c.Links))
	for i, l := range c.Links {
		var (
			d   transport.Dialer
			err error
		)
		switch l.Transport {
		case transport.KindTCP:
			d = &transport.TCPDialer{Target: l.Addr}
		case transport.KindTLS:
			var tc *tls.Config
			tc, err = clientTLS(l.TLS)
			if err == nil {
				d = &transport.TLSDialer{Target: l.Addr, Config: tc}
			}
		case transport.KindWS:
			var tc *tls.Config
			tc, err = clientTLS(l.TLS)
			if err == nil {
				d = &transport.WSDialer{URL: l.Addr, TLSConfig: tc}
			}
		case transport.KindKCP:
			d = &transport.KCPDialer{Target: l.Addr, Config: l.KCP}
		case transport.KindQUIC:
			var tc *tls.Config
			tc, err = clientTLS(l.TLS)
			if err == nil {
				d = &transport.QUICDialer{Target: l.Addr, TLSConfig: tc}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("links[%d]: %w", i, err)
		}
		if l.Compress {
			d = &transport.CompressDialer{Dialer: d}
		}
		dialers = append(dialers, d)
	}
	return dialers, nil
}

// BuildListeners constructs the server's accepting transports.
func (c *Config) BuildListeners() ([]transport.Listener, error) {
	listeners := make([]transport.Listener, 0, len(c.Listeners))
	for i, lc := range c.Listeners {
		var (
			ln  transport.Listener
			err error
		)
		switch lc.Transport {
		case transport.KindTCP:
			ln, err = transport.ListenTCP(lc.Addr)
		case transport.KindTLS:
			var tc *tls.Config
			tc, err = serverTLS(lc.TLS)
			if err == nil {
				ln, err = transport.ListenTLS(lc.Addr, tc)
			}
		case transport.KindWS:
			var tc *tls.Config
			if lc.TLS.Cert != "" {
				tc, err = serverTLS(lc.TLS)
			}
			if err == nil {
				ln, err = transport.ListenWS(lc.Addr, lc.Path, tc)
			}
		case transport.KindKCP:
			ln, err = transport.ListenKCP(lc.Addr, lc.KCP)
		case transport.KindQUIC:
			var tc *tls.Config
			tc, err = serverTLS(lc.TLS)
			if err == nil {
				ln, err = transport.ListenQUIC(lc.Addr, tc)
			}
		}
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return nil, fmt.Errorf("listeners[%d]: %w", i, err)
		}
		if lc.Compress {
			ln = &transport.CompressListener{Listener: ln}
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func clientTLS(c TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.Insecure,
	}
	if c.CA != "" {
		pem, err := os.ReadFile(c.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CA)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func serverTLS(c TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

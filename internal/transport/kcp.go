package transport

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

// KCPConfig tunes the reliable-UDP transport. The zero value selects
// the "fast" preset with no encryption or FEC.
type KCPConfig struct {
	// Mode selects a latency/throughput preset: normal, fast,
	// fast2 or fast3.
	Mode string `yaml:"mode"`
	// Key enables AES encryption of the UDP payload when non-empty.
	Key string `yaml:"key"`
	// DataShards and ParityShards enable forward error correction
	// when both are positive.
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
	// SndWnd and RcvWnd override the KCP window sizes in packets.
	SndWnd int `yaml:"snd_wnd"`
	RcvWnd int `yaml:"rcv_wnd"`
}

type kcpPreset struct {
	noDelay, interval, resend, nc int
}

var kcpPresets = map[string]kcpPreset{
	"normal": {0, 40, 2, 1},
	"fast":   {0, 30, 2, 1},
	"fast2":  {1, 20, 2, 1},
	"fast3":  {1, 10, 2, 1},
}

func (c KCPConfig) block() (kcp.BlockCrypt, error) {
	if c.Key == "" {
		return nil, nil
	}
	pass := pbkdf2.Key([]byte(c.Key), []byte("agglink-kcp"), 4096, 32, sha256.New)
	return kcp.NewAESBlockCrypt(pass)
}

func (c KCPConfig) apply(conn *kcp.UDPSession) {
	p, ok := kcpPresets[c.Mode]
	if !ok {
		p = kcpPresets["fast"]
	}
	conn.SetNoDelay(p.noDelay, p.interval, p.resend, p.nc)
	conn.SetStreamMode(true)
	snd, rcv := c.SndWnd, c.RcvWnd
	if snd <= 0 {
		snd = 512
	}
	if rcv <= 0 {
		rcv = 512
	}
	conn.SetWindowSize(snd, rcv)
}

// KCPDialer dials reliable-UDP links.
type KCPDialer struct {
	Target string
	Config KCPConfig
}

func (d *KCPDialer) Kind() string { return KindKCP }
func (d *KCPDialer) Addr() string { return d.Target }

func (d *KCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	block, err := d.Config.block()
	if err != nil {
		return nil, fmt.Errorf("kcp cipher: %w", err)
	}
	conn, err := kcp.DialWithOptions(d.Target, block, d.Config.DataShards, d.Config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("kcp dial %s: %w", d.Target, err)
	}
	d.Config.apply(conn)
	// The listener only surfaces a session once a packet arrives; poke
	// the peer so its Accept returns.
	if _, err := conn.Write([]byte{0}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("kcp dial %s: %w", d.Target, err)
	}
	return conn, nil
}

// KCPListener accepts reliable-UDP links.
type KCPListener struct {
	ln  *kcp.Listener
	cfg KCPConfig
}

// ListenKCP binds a KCP listener.
func ListenKCP(addr string, cfg KCPConfig) (*KCPListener, error) {
	block, err := cfg.block()
	if err != nil {
		return nil, fmt.Errorf("kcp cipher: %w", err)
	}
	ln, err := kcp.ListenWithOptions(addr, block, cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("kcp listen %s: %w", addr, err)
	}
	return &KCPListener{ln: ln, cfg: cfg}, nil
}

func (l *KCPListener) Kind() string   { return KindKCP }
func (l *KCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *KCPListener) Close() error   { return l.ln.Close() }

func (l *KCPListener) Accept() (net.Conn, error) {
	conn, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	l.cfg.apply(conn)
	var poke [1]byte
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(conn, poke[:]); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

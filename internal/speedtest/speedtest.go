// Package speedtest measures aggregated session throughput with a
// deterministic payload generator, so the receiving side can verify
// every byte without shipping the data twice.
package speedtest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultChunk is the payload size of one length-prefixed chunk.
const DefaultChunk = 64 * 1024

// Params defines one test run. The dialing side chooses them and the
// serving side complies.
type Params struct {
	Send      bool          `json:"send"`     // dialer transmits
	Recv      bool          `json:"recv"`     // dialer receives
	Limit     int64         `json:"limit"`    // bytes per direction, 0 = unlimited
	Duration  time.Duration `json:"duration"` // wall clock cap, 0 = unlimited
	Seed      uint64        `json:"seed"`     // generator seed
	ChunkSize int           `json:"chunk"`    // payload bytes per chunk
}

func (p Params) withDefaults() Params {
	if !p.Send && !p.Recv {
		p.Send, p.Recv = true, true
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultChunk
	}
	if p.Seed == 0 {
		p.Seed = uint64(time.Now().UnixNano())
	}
	return p
}

// Report is the outcome of one direction pair.
type Report struct {
	DataLimit  int64         `json:"data_limit,omitempty"` // bytes per direction
	TimeLimit  time.Duration `json:"time_limit,omitempty"`
	SentBytes  int64         `json:"sent_bytes"`
	RecvBytes  int64         `json:"recv_bytes"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	SendMbps   float64       `json:"send_speed"` // Mbit/s
	RecvMbps   float64       `json:"recv_speed"` // Mbit/s
	Mismatches int64         `json:"mismatches"`
}

func (r *Report) finish(start time.Time) {
	r.Elapsed = time.Since(start)
	secs := r.Elapsed.Seconds()
	if secs > 0 {
		r.SendMbps = float64(r.SentBytes) * 8 / secs / 1e6
		r.RecvMbps = float64(r.RecvBytes) * 8 / secs / 1e6
	}
}

// Progress is handed to the progress callback roughly once a second.
type Progress struct {
	Sent    int64
	Recv    int64
	Elapsed time.Duration
}

// Run drives the dialing side of a test over conn.
func Run(conn net.Conn, p Params, progress func(Progress)) (*Report, error) {
	p = p.withDefaults()
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	hdr := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)))
	copy(hdr[4:], body)
	if _, err := conn.Write(hdr); err != nil {
		return nil, fmt.Errorf("send params: %w", err)
	}
	return exchange(conn, p, p.Send, p.Recv, p.Seed, p.Seed+1, progress)
}

// Serve runs the accepting side: it reads the dialer's params and
// mirrors the directions.
func Serve(conn net.Conn) (*Report, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 4096 {
		return nil, fmt.Errorf("read params: bad header length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	var p Params
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	p = p.withDefaults()
	// The dialer's send direction is our receive direction, and the
	// seeds swap with them.
	return exchange(conn, p, p.Recv, p.Send, p.Seed+1, p.Seed, nil)
}

// exchange runs the agreed directions concurrently. sendSeed feeds our
// transmit generator; recvSeed verifies the peer's stream.
func exchange(conn net.Conn, p Params, send, recv bool, sendSeed, recvSeed uint64, progress func(Progress)) (*Report, error) {
	start := time.Now()
	rep := &Report{DataLimit: p.Limit, TimeLimit: p.Duration}
	var mu sync.Mutex

	var deadline time.Time
	if p.Duration > 0 {
		deadline = start.Add(p.Duration)
	}

	stop := make(chan struct{})
	if progress != nil {
		go func() {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					mu.Lock()
					pr := Progress{Sent: rep.SentBytes, Recv: rep.RecvBytes, Elapsed: time.Since(start)}
					mu.Unlock()
					progress(pr)
				case <-stop:
					return
				}
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() {
		if !send {
			errCh <- nil
			return
		}
		n, err := transmit(conn, sendSeed, p.ChunkSize, p.Limit, deadline, func(n int64) {
			mu.Lock()
			rep.SentBytes = n
			mu.Unlock()
		})
		mu.Lock()
		rep.SentBytes = n
		mu.Unlock()
		errCh <- err
	}()
	go func() {
		if !recv {
			errCh <- nil
			return
		}
		n, bad, err := receive(conn, recvSeed, p.ChunkSize)
		mu.Lock()
		rep.RecvBytes = n
		rep.Mismatches = bad
		mu.Unlock()
		errCh <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(stop)
	rep.finish(start)
	return rep, firstErr
}

// transmit sends length-prefixed generated chunks until the byte limit
// or deadline, then a zero-length end marker.
func transmit(w io.Writer, seed uint64, chunk int, limit int64, deadline time.Time, onBytes func(int64)) (int64, error) {
	gen := newGenerator(seed)
	buf := make([]byte, 4+chunk)
	var total int64
	lastReport := time.Now()

	for {
		if limit > 0 && total >= limit {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		n := chunk
		if limit > 0 && limit-total < int64(n) {
			n = int(limit - total)
		}
		binary.BigEndian.PutUint32(buf[:4], uint32(n))
		gen.fill(buf[4 : 4+n])
		if _, err := w.Write(buf[:4+n]); err != nil {
			return total, fmt.Errorf("send chunk: %w", err)
		}
		total += int64(n)
		if onBytes != nil && time.Since(lastReport) >= 100*time.Millisecond {
			onBytes(total)
			lastReport = time.Now()
		}
	}

	binary.BigEndian.PutUint32(buf[:4], 0)
	if _, err := w.Write(buf[:4]); err != nil {
		return total, fmt.Errorf("send end marker: %w", err)
	}
	return total, nil
}

// receive reads chunks until the end marker, verifying each byte
// against the expected generator output.
func receive(r io.Reader, seed uint64, chunk int) (int64, int64, error) {
	gen := newGenerator(seed)
	var hdr [4]byte
	buf := make([]byte, chunk)
	want := make([]byte, chunk)
	var total, bad int64

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return total, bad, fmt.Errorf("read chunk header: %w", err)
		}
		n := int(binary.BigEndian.Uint32(hdr[:]))
		if n == 0 {
			return total, bad, nil
		}
		if n > len(buf) {
			buf = make([]byte, n)
			want = make([]byte, n)
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return total, bad, fmt.Errorf("read chunk: %w", err)
		}
		gen.fill(want[:n])
		for i := 0; i < n; i++ {
			if buf[i] != want[i] {
				bad++
			}
		}
		total += int64(n)
	}
}

// generator is a xorshift64* stream, cheap and fully reproducible from
// its seed.
type generator struct {
	state uint64
}

func newGenerator(seed uint64) *generator {
	if seed == 0 {
		seed = 1
	}
	return &generator{state: seed}
}

func (g *generator) next() uint64 {
	x := g.state
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	g.state = x
	return x * 0x2545F4914F6CDD1D
}

func (g *generator) fill(b []byte) {
	i := 0
	for ; i+8 <= len(b); i += 8 {
		binary.LittleEndian.PutUint64(b[i:], g.next())
	}
	if i < len(b) {
		var tail [8]byte
		binary.LittleEndian.PutUint64(tail[:], g.next())
		copy(b[i:], tail[:len(b)-i])
	}
}

package monitor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agglink/internal/link"
)

func TestRenderEmpty(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, nil)
	assert.Equal(t, "no links\n", buf.String())
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, []link.Stats{
		{
			ID:            1,
			Kind:          "tcp",
			Remote:        "10.0.0.1:5000",
			State:         "active",
			RTT:           3 * time.Millisecond,
			Throughput:    2 * 1024 * 1024,
			SentBytes:     5 * 1024 * 1024,
			RecvBytes:     512,
			InflightBytes: 16 * 1024,
		},
	})
	out := buf.String()
	assert.Contains(t, out, "LINK")
	assert.Contains(t, out, "tcp")
	assert.Contains(t, out, "10.0.0.1:5000")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "2.0 MiB/s")
	assert.Contains(t, out, "5.0 MiB")
	assert.Contains(t, out, "512 B")
	assert.Contains(t, out, "16.0 KiB")
}

func TestRunStopsOnContext(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, &buf, 5*time.Millisecond, func() []link.Stats { return nil })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Contains(t, buf.String(), "no links")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", formatBytes(0))
	assert.Equal(t, "1023 B", formatBytes(1023))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3*1024*1024/2))
	assert.Equal(t, "2.0 GiB", formatBytes(2*1024*1024*1024))
}

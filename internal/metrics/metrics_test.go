package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersFlow(t *testing.T) {
	before := SnapshotData()

	IncSessions()
	IncLinks()
	IncStreams()
	AddSegmentsSent(10)
	AddSegmentsReceived(8)
	AddRetransmits(2)
	AddDuplicates(1)
	AddTrafficInbound(4096)
	AddTrafficOutbound(1024)
	SetLinkRTT(12 * time.Millisecond)
	SetReassemblyDepth(3)

	after := SnapshotData()
	assert.Equal(t, before.SessionsTotal+1, after.SessionsTotal)
	assert.Equal(t, before.SessionsActive+1, after.SessionsActive)
	assert.Equal(t, before.LinksActive+1, after.LinksActive)
	assert.Equal(t, before.StreamsActive+1, after.StreamsActive)
	assert.Equal(t, before.SegmentsSent+10, after.SegmentsSent)
	assert.Equal(t, before.SegmentsReceived+8, after.SegmentsReceived)
	assert.Equal(t, before.SegmentsRetransmit+2, after.SegmentsRetransmit)
	assert.Equal(t, before.DuplicatesDropped+1, after.DuplicatesDropped)
	assert.Equal(t, before.TrafficBytesInbound+4096, after.TrafficBytesInbound)
	assert.Equal(t, before.TrafficBytesOutbound+1024, after.TrafficBytesOutbound)
	assert.Equal(t, before.TrafficBytesTotal+5120, after.TrafficBytesTotal)
	assert.Equal(t, int64(12), after.LastLinkRTTMs)
	assert.Equal(t, int64(3), after.ReassemblyDepth)

	DecSessions()
	DecLinks()
	DecStreams()
	assert.Equal(t, before.SessionsActive, SnapshotData().SessionsActive)
}

func TestNegativeDeltasIgnored(t *testing.T) {
	before := SnapshotData()
	AddSegmentsSent(-5)
	AddTrafficInbound(-1)
	AddDuplicates(0)
	after := SnapshotData()
	assert.Equal(t, before.SegmentsSent, after.SegmentsSent)
	assert.Equal(t, before.TrafficBytesInbound, after.TrafficBytesInbound)
	assert.Equal(t, before.DuplicatesDropped, after.DuplicatesDropped)
}

func TestPromHandlerExposition(t *testing.T) {
	AddSegmentsSent(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics/prom", nil)
	rec := httptest.NewRecorder()
	PromHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "agglink_segments_sent_total")
	assert.Contains(t, body, "agglink_sessions_active")
	assert.Contains(t, body, "go_goroutines")
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:9100"))
	assert.True(t, isLoopback("[::1]:9100"))
	assert.False(t, isLoopback("0.0.0.0:9100"))
	assert.False(t, isLoopback("example.com:9100"))
	assert.False(t, isLoopback("no-port"))
}

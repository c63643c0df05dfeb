package metrics

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	SessionsTotal        int64 `json:"sessions_total"`
	SessionsActive       int64 `json:"sessions_active"`
	LinksActive          int64 `json:"links_active"`
	StreamsTotal         int64 `json:"streams_total"`
	StreamsActive        int64 `json:"streams_active"`
	SegmentsSent         int64 `json:"segments_sent"`
	SegmentsReceived     int64 `json:"segments_received"`
	SegmentsRetransmit   int64 `json:"segments_retransmitted"`
	DuplicatesDropped    int64 `json:"duplicates_dropped"`
	ReassemblyDepth      int64 `json:"reassembly_depth"`
	TrafficBytesTotal    int64 `json:"traffic_bytes_total"`
	TrafficBytesInbound  int64 `json:"traffic_bytes_inbound"`
	TrafficBytesOutbound int64 `json:"traffic_bytes_outbound"`
	LastLinkRTTMs        int64 `json:"last_link_rtt_ms"`
	Errors               int64 `json:"errors"`
	UpdatedUnix          int64 `json:"updated_unix"`
}

var (
	sessionsTotal    atomic.Int64
	sessionsActive   atomic.Int64
	linksActive      atomic.Int64
	streamsTotal     atomic.Int64
	streamsActive    atomic.Int64
	segmentsSent     atomic.Int64
	segmentsReceived atomic.Int64
	segmentsRetrans  atomic.Int64
	duplicates       atomic.Int64
	reassemblyDepth  atomic.Int64
	trafficBytes     atomic.Int64
	trafficInBytes   atomic.Int64
	trafficOutBytes  atomic.Int64
	lastLinkRTTMs    atomic.Int64
	errorsTotal      atomic.Int64
)

func IncSessions()               { sessionsTotal.Add(1); sessionsActive.Add(1) }
func DecSessions()               { sessionsActive.Add(-1) }
func IncLinks()                  { linksActive.Add(1) }
func DecLinks()                  { linksActive.Add(-1) }
func IncStreams()                { streamsTotal.Add(1); streamsActive.Add(1) }
func DecStreams()                { streamsActive.Add(-1) }
func IncErrors()                 { errorsTotal.Add(1) }
func SetLinkRTT(d time.Duration) { lastLinkRTTMs.Store(d.Milliseconds()) }
func SetReassemblyDepth(n int64) { reassemblyDepth.Store(n) }
func AddSegmentsSent(n int64) {
	if n > 0 {
		segmentsSent.Add(n)
	}
}
func AddSegmentsReceived(n int64) {
	if n > 0 {
		segmentsReceived.Add(n)
	}
}
func AddRetransmits(n int64) {
	if n > 0 {
		segmentsRetrans.Add(n)
	}
}
func AddDuplicates(n int64) {
	if n > 0 {
		duplicates.Add(n)
	}
}
func AddTrafficInbound(n int64) {
	if n > 0 {
		trafficInBytes.Add(n)
		trafficBytes.Add(n)
	}
}
func AddTrafficOutbound(n int64) {
	if n > 0 {
		trafficOutBytes.Add(n)
		trafficBytes.Add(n)
	}
}

func SnapshotData() Snapshot {
	return Snapshot{
		SessionsTotal:        sessionsTotal.Load(),
		SessionsActive:       sessionsActive.Load(),
		LinksActive:          linksActive.Load(),
		StreamsTotal:         streamsTotal.Load(),
		StreamsActive:        streamsActive.Load(),
		SegmentsSent:         segmentsSent.Load(),
		SegmentsReceived:     segmentsReceived.Load(),
		SegmentsRetransmit:   segmentsRetrans.Load(),
		DuplicatesDropped:    duplicates.Load(),
		ReassemblyDepth:      reassemblyDepth.Load(),
		TrafficBytesTotal:    trafficBytes.Load(),
		TrafficBytesInbound:  trafficInBytes.Load(),
		TrafficBytesOutbound: trafficOutBytes.Load(),
		LastLinkRTTMs:        lastLinkRTTMs.Load(),
		Errors:               errorsTotal.Load(),
		UpdatedUnix:          time.Now().Unix(),
	}
}

// Start serves the JSON snapshot and Prometheus endpoints on addr. Off
// loopback an auth token is required.
func Start(addr, authToken string) {
	if addr == "" {
		return
	}
	if !isLoopback(addr) && authToken == "" {
		log.Printf("metrics not started: refusing to expose unauthenticated endpoint on %s", addr)
		return
	}
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if authToken != "" && r.Header.Get("Authorization") != "Bearer "+authToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/metrics", auth(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(SnapshotData())
	}))

	mux.HandleFunc("/metrics/prom", auth(PromHandler))

	mux.HandleFunc("/healthz", auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

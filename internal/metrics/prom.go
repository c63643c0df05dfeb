package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promOnce    sync.Once
	promHandler http.Handler
)

// PromHandler serves the Prometheus exposition of the snapshot counters plus
// the standard Go runtime collectors.
func PromHandler(w http.ResponseWriter, r *http.Request) {
	promOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(snapshotCollector{})
		promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})
	promHandler.ServeHTTP(w, r)
}

type snapshotCollector struct{}

var snapshotDescs = map[string]*prometheus.Desc{
	"sessions_total":         prometheus.NewDesc("agglink_sessions_total", "Sessions created", nil, nil),
	"sessions_active":        prometheus.NewDesc("agglink_sessions_active", "Sessions currently established", nil, nil),
	"links_active":           prometheus.NewDesc("agglink_links_active", "Member links across sessions", nil, nil),
	"streams_total":          prometheus.NewDesc("agglink_streams_total", "Tunnel streams opened", nil, nil),
	"streams_active":         prometheus.NewDesc("agglink_streams_active", "Tunnel streams currently open", nil, nil),
	"segments_sent":          prometheus.NewDesc("agglink_segments_sent_total", "Data segments transmitted", nil, nil),
	"segments_received":      prometheus.NewDesc("agglink_segments_received_total", "Data segments received", nil, nil),
	"segments_retransmitted": prometheus.NewDesc("agglink_segments_retransmitted_total", "Segments requeued after link death", nil, nil),
	"duplicates_dropped":     prometheus.NewDesc("agglink_duplicates_dropped_total", "Duplicate segments dropped by the reassembler", nil, nil),
	"reassembly_depth":       prometheus.NewDesc("agglink_reassembly_depth", "Out-of-order segments buffered", nil, nil),
	"traffic_in":             prometheus.NewDesc("agglink_traffic_bytes_inbound_total", "Bytes received on all links", nil, nil),
	"traffic_out":            prometheus.NewDesc("agglink_traffic_bytes_outbound_total", "Bytes sent on all links", nil, nil),
	"last_rtt_ms":            prometheus.NewDesc("agglink_last_link_rtt_ms", "Most recent keepalive RTT", nil, nil),
	"errors_total":           prometheus.NewDesc("agglink_errors_total", "Errors observed", nil, nil),
}

func (snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range snapshotDescs {
		ch <- d
	}
}

func (snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	st := SnapshotData()
	counter := func(name string, v int64) {
		ch <- prometheus.MustNewConstMetric(snapshotDescs[name], prometheus.CounterValue, float64(v))
	}
	gauge := func(name string, v int64) {
		ch <- prometheus.MustNewConstMetric(snapshotDescs[name], prometheus.GaugeValue, float64(v))
	}
	counter("sessions_total", st.SessionsTotal)
	gauge("sessions_active", st.SessionsActive)
	gauge("links_active", st.LinksActive)
	counter("streams_total", st.StreamsTotal)
	gauge("streams_active", st.StreamsActive)
	counter("segments_sent", st.SegmentsSent)
	counter("segments_received", st.SegmentsReceived)
	counter("segments_retransmitted", st.SegmentsRetransmit)
	counter("duplicates_dropped", st.DuplicatesDropped)
	gauge("reassembly_depth", st.ReassemblyDepth)
	counter("traffic_in", st.TrafficBytesInbound)
	counter("traffic_out", st.TrafficBytesOutbound)
	gauge("last_rtt_ms", st.LastLinkRTTMs)
	counter("errors_total", st.Errors)
}

// Package metrics – Prometheus counters for the alarm pipeline.
//
// # Overview
//
// Metrics tracks operational counters and gauges across the broker consumers,
// the websocket fan-out, and the event publisher. All fields are updated
// atomically so they can be read concurrently from an HTTP handler without
// holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics in
// the standard Prometheus text exposition format on every GET request. Wire it
// into your HTTP mux at /metrics:
//
//	m := metrics.New()
//	r.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	alarmd_meas_messages_total       – counter: measurement frames consumed from the broker
//	alarmd_meas_parse_errors_total   – counter: measurement frames discarded as non-numeric
//	alarmd_ack_messages_total        – counter: acknowledge frames consumed from the broker
//	alarmd_events_broadcast_total    – counter: alarm events offered to the websocket fan-out
//	alarmd_events_dropped_total      – counter: per-client deliveries dropped on a full buffer
//	alarmd_events_published_total    – counter: alarm events published to the outbound exchange
//	alarmd_publish_errors_total      – counter: outbound publish attempts that failed
//	alarmd_handshake_failures_total  – counter: websocket sessions rejected during version handshake
//	alarmd_clients_connected         – gauge:   websocket sessions currently open
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the server.
// The zero value is ready to use; all counters start at zero.
type Metrics struct {
	// Counters
	MeasMessages      atomic.Int64
	MeasParseErrors   atomic.Int64
	AckMessages       atomic.Int64
	EventsBroadcast   atomic.Int64
	EventsDropped     atomic.Int64
	EventsPublished   atomic.Int64
	PublishErrors     atomic.Int64
	HandshakeFailures atomic.Int64

	// Gauge
	ClientsConnected atomic.Int64
}

// New allocates a [Metrics] value with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of measurement frames consumed from the broker.",
			kind:  "counter",
			name:  "alarmd_meas_messages_total",
			value: m.MeasMessages.Load(),
		},
		{
			help:  "Total number of measurement frames discarded because the payload was not a decimal integer.",
			kind:  "counter",
			name:  "alarmd_meas_parse_errors_total",
			value: m.MeasParseErrors.Load(),
		},
		{
			help:  "Total number of acknowledge frames consumed from the broker.",
			kind:  "counter",
			name:  "alarmd_ack_messages_total",
			value: m.AckMessages.Load(),
		},
		{
			help:  "Total number of alarm events offered to the websocket fan-out.",
			kind:  "counter",
			name:  "alarmd_events_broadcast_total",
			value: m.EventsBroadcast.Load(),
		},
		{
			help:  "Total number of per-client event deliveries dropped because the client buffer was full.",
			kind:  "counter",
			name:  "alarmd_events_dropped_total",
			value: m.EventsDropped.Load(),
		},
		{
			help:  "Total number of alarm events published to the outbound exchange.",
			kind:  "counter",
			name:  "alarmd_events_published_total",
			value: m.EventsPublished.Load(),
		},
		{
			help:  "Total number of outbound publish attempts that returned an error.",
			kind:  "counter",
			name:  "alarmd_publish_errors_total",
			value: m.PublishErrors.Load(),
		},
		{
			help:  "Total number of websocket sessions rejected during the version handshake.",
			kind:  "counter",
			name:  "alarmd_handshake_failures_total",
			value: m.HandshakeFailures.Load(),
		},
		{
			help:  "Number of websocket sessions currently open.",
			kind:  "gauge",
			name:  "alarmd_clients_connected",
			value: m.ClientsConnected.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all metrics in the Prometheus
// text exposition format on every GET request.
//
// The content type is "text/plain; version=0.0.4" as required by the
// Prometheus specification so that a vanilla scraper parses the output.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}

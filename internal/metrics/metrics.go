// Package metrics exposes Prometheus instrumentation for streaming connections.
// Collectors are registered once on the default registry and shared by every
// connection in the process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bfxstream_frames_received_total",
		Help: "Total number of inbound frames by kind",
	}, []string{"kind"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bfxstream_errors_total",
		Help: "Total number of reported errors by type",
	}, []string{"error_type"})

	sequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bfxstream_sequence_gaps_total",
		Help: "Total number of sequence gaps by counter",
	}, []string{"counter"})

	checksumMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bfxstream_checksum_mismatches_total",
		Help: "Total number of order book checksum mismatches by symbol",
	}, []string{"symbol"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bfxstream_reconnects_total",
		Help: "Total number of reconnect attempts",
	})

	socketsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bfxstream_sockets_open",
		Help: "Number of currently open sockets",
	})

	pendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bfxstream_pending_order_ops",
		Help: "Number of order operations awaiting acknowledgement",
	})
)

// Frame kinds used as label values.
const (
	KindEvent     = "event"
	KindData      = "data"
	KindHeartbeat = "heartbeat"
	KindInvalid   = "invalid"
)

// RecordFrame increments the inbound frame counter.
func RecordFrame(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

// RecordError increments the error counter.
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}

// RecordSequenceGap increments the gap counter for the public or auth counter.
func RecordSequenceGap(authenticated bool) {
	counter := "public"
	if authenticated {
		counter = "auth"
	}
	sequenceGaps.WithLabelValues(counter).Inc()
}

// RecordChecksumMismatch increments the checksum mismatch counter.
func RecordChecksumMismatch(symbol string) {
	checksumMismatches.WithLabelValues(symbol).Inc()
}

// RecordReconnect increments the reconnect counter.
func RecordReconnect() {
	reconnects.Inc()
}

// SocketOpened increments the open socket gauge.
func SocketOpened() {
	socketsOpen.Inc()
}

// SocketClosed decrements the open socket gauge.
func SocketClosed() {
	socketsOpen.Dec()
}

// AddPendingOrders adjusts the pending order operation gauge by delta.
func AddPendingOrders(delta int) {
	pendingOrders.Add(float64(delta))
}

// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: packets, streams, RPCs.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RxPacketCount counts packets observed by each port's receive monitor.
	//
	// Provides metrics:
	//   drone_rx_packets_total
	RxPacketCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_rx_packets_total",
			Help: "Number of packets received on a port.",
		}, []string{"port"})

	// RxByteCount counts bytes observed by each port's receive monitor.
	RxByteCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_rx_bytes_total",
			Help: "Number of bytes received on a port.",
		}, []string{"port"})

	// TxPacketCount counts packets this process has transmitted on a port.
	TxPacketCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_tx_packets_total",
			Help: "Number of packets transmitted on a port.",
		}, []string{"port"})

	// TxByteCount counts bytes this process has transmitted on a port.
	TxByteCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_tx_bytes_total",
			Help: "Number of bytes transmitted on a port.",
		}, []string{"port"})

	// SynthesisTimeHistogram tracks the latency of synthesizing a single
	// packet from a stream descriptor.
	SynthesisTimeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "drone_synthesis_time_histogram",
			Help: "frame synthesis latency distribution (seconds)",
			Buckets: []float64{
				0.0000001, 0.0000002, 0.0000005,
				0.000001, 0.000002, 0.000005,
				0.00001, 0.00002, 0.00005,
				0.0001, 0.0002, 0.0005,
				0.001,
			},
		},
	)

	// SendQueueBytesHistogram tracks the size, in bytes, of a port's
	// rebuilt send queue each time the transmit engine rebuilds it.
	SendQueueBytesHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drone_send_queue_bytes_histogram",
			Help:    "transmit engine send-queue size distribution (bytes)",
			Buckets: prometheus.ExponentialBuckets(64, 2, 16),
		}, []string{"port"})

	// ErrorCount measures the number of errors encountered, labeled by the
	// operation in which they occurred.
	//
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("synthesize").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"op"})

	// StreamCount tracks the number of configured streams per port.
	StreamCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drone_stream_count",
			Help: "Number of streams currently configured on a port.",
		}, []string{"port"})

	// RPCCount counts service façade calls, labeled by method and outcome.
	RPCCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_rpc_total",
			Help: "Number of RPC calls served, by method and outcome.",
		}, []string{"method", "outcome"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in drone.metrics are registered.")
}

package metrics_test

import (
	"testing"

	"github.com/ostinato-go/drone/metrics"
)

// TestMetricsAreRegistered exercises every exported metric once to verify
// that label counts match what was declared and that none of them panic.
func TestMetricsAreRegistered(t *testing.T) {
	metrics.RxPacketCount.WithLabelValues("eth0").Inc()
	metrics.RxByteCount.WithLabelValues("eth0").Add(64)
	metrics.TxPacketCount.WithLabelValues("eth0").Inc()
	metrics.TxByteCount.WithLabelValues("eth0").Add(64)
	metrics.SynthesisTimeHistogram.Observe(0.00001)
	metrics.SendQueueBytesHistogram.WithLabelValues("eth0").Observe(1500)
	metrics.ErrorCount.WithLabelValues("synthesize").Inc()
	metrics.StreamCount.WithLabelValues("eth0").Set(3)
	metrics.RPCCount.WithLabelValues("AddStream", "ok").Inc()
}

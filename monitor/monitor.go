// Package monitor runs the two counter-updating workers assigned to each
// port: one tracking inbound traffic, one tracking outbound. Each worker
// is handed a narrow reference to the counters it is allowed to touch
// rather than a pointer back to the whole port — capture.Port is the
// arena, monitor only sees what it needs to update.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ostinato-go/drone/capture"
	"github.com/ostinato-go/drone/metrics"
)

// Counters is the narrow view of a port's counters a monitor worker is
// allowed to mutate.
type Counters struct {
	Pkts     *uint64
	Bytes    *uint64
	PktsNIC  *uint64
	BytesNIC *uint64
	PPS      *float64
	BPS      *float64
	LastTS   *time.Time

	// ShadowPkts/ShadowBytes are non-nil only for the tx worker and are
	// consulted only on the statistics-mode path: the transmit engine's
	// submit path feeds them, and the worker adds their growth since its
	// last callback in place of the driver's own count, because the driver
	// cannot attribute tx traffic on its own.
	ShadowPkts  *uint64
	ShadowBytes *uint64
}

// RunRx runs the receive-side monitor for port p until ctx is canceled or
// p.Rx is closed.
func RunRx(ctx context.Context, p *capture.Port) {
	c := Counters{
		Pkts: &p.RxPkts, Bytes: &p.RxBytes,
		PktsNIC: &p.RxPktsNIC, BytesNIC: &p.RxBytesNIC,
		PPS: &p.RxPPS, BPS: &p.RxBPS,
		LastTS: &p.LastRxTimestamp,
	}
	name := p.Config.Name
	nic := func() (uint64, error) {
		rxPkts, _, _, _, err := p.NICCounters()
		return rxPkts, err
	}
	if p.Rx.StatsMode() {
		p.Rx.Loop(ctx, func(pkts, bytes uint64, ts time.Time) {
			onStatsCallback(&c, name, pkts, bytes, ts, nic)
		}, nil)
		return
	}
	p.Rx.Loop(ctx, nil, func(n int, ts time.Time) {
		onPacketCallback(&c, name, n, true)
	})
}

// RunTx runs the transmit-side monitor for port p until ctx is canceled or
// p.Tx is closed.
func RunTx(ctx context.Context, p *capture.Port) {
	c := Counters{
		Pkts: &p.TxPkts, Bytes: &p.TxBytes,
		PktsNIC: &p.TxPktsNIC, BytesNIC: &p.TxBytesNIC,
		PPS: &p.TxPPS, BPS: &p.TxBPS,
		LastTS:      &p.LastTxTimestamp,
		ShadowPkts:  &p.ShadowTxPkts,
		ShadowBytes: &p.ShadowTxBytes,
	}
	name := p.Config.Name
	nic := func() (uint64, error) {
		_, _, txPkts, _, err := p.NICCounters()
		return txPkts, err
	}
	if p.Tx.StatsMode() {
		p.Tx.Loop(ctx, func(pkts, bytes uint64, ts time.Time) {
			onStatsCallback(&c, name, pkts, bytes, ts, nic)
		}, nil)
		return
	}
	p.Tx.Loop(ctx, nil, func(n int, ts time.Time) {
		onPacketCallback(&c, name, n, false)
	})
}

// frameHeaderSize is the per-packet overhead the statistics-mode driver
// over-reports in its byte counts.
const frameHeaderSize = 14

func onStatsCallback(c *Counters, portName string, pkts, bytes uint64, ts time.Time, nic func() (uint64, error)) {
	bytes -= pkts * frameHeaderSize

	last := *c.LastTS
	*c.LastTS = ts
	usec := float64(ts.Sub(last).Microseconds())

	if c.ShadowPkts != nil {
		// tx worker on a statistics-mode platform: the driver cannot tell
		// rx traffic from tx traffic, so ignore its packet count and use
		// the shadow counters the transmit engine maintains instead.
		shadowPkts := atomic.LoadUint64(c.ShadowPkts)
		shadowBytes := atomic.LoadUint64(c.ShadowBytes)
		reportedPkts := atomic.LoadUint64(c.Pkts)
		reportedBytes := atomic.LoadUint64(c.Bytes)
		deltaPkts := shadowPkts - reportedPkts
		deltaBytes := shadowBytes - reportedBytes
		atomic.AddUint64(c.Pkts, deltaPkts)
		atomic.AddUint64(c.Bytes, deltaBytes)
		if usec > 0 {
			*c.PPS = float64(deltaPkts) * 1e6 / usec
			*c.BPS = float64(deltaBytes) * 1e6 / usec
		}
		metrics.TxPacketCount.WithLabelValues(portName).Add(float64(deltaPkts))
		metrics.TxByteCount.WithLabelValues(portName).Add(float64(deltaBytes))
	} else {
		atomic.AddUint64(c.Pkts, pkts)
		atomic.AddUint64(c.Bytes, bytes)
		if usec > 0 {
			*c.PPS = float64(pkts) * 1e6 / usec
			*c.BPS = float64(bytes) * 1e6 / usec
		}
		metrics.RxPacketCount.WithLabelValues(portName).Add(float64(pkts))
		metrics.RxByteCount.WithLabelValues(portName).Add(float64(bytes))
	}

	if pktsNIC, err := nic(); err == nil {
		atomic.StoreUint64(c.PktsNIC, pktsNIC)
	}
}

func onPacketCallback(c *Counters, portName string, n int, isRx bool) {
	atomic.AddUint64(c.Pkts, 1)
	atomic.AddUint64(c.Bytes, uint64(n))
	if isRx {
		metrics.RxPacketCount.WithLabelValues(portName).Inc()
		metrics.RxByteCount.WithLabelValues(portName).Add(float64(n))
	} else {
		metrics.TxPacketCount.WithLabelValues(portName).Inc()
		metrics.TxByteCount.WithLabelValues(portName).Add(float64(n))
	}
	// Rate computation on the capture-mode platform: delta_pkts /
	// delta_seconds over the same last-timestamp bookkeeping the
	// statistics-mode path already keeps.
	now := time.Now()
	last := *c.LastTS
	*c.LastTS = now
	if !last.IsZero() {
		elapsed := now.Sub(last).Seconds()
		if elapsed > 0 {
			*c.PPS = 1 / elapsed
			*c.BPS = float64(n) * 8 / elapsed
		}
	}
}

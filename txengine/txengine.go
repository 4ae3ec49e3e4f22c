// Package txengine turns a port's ordered stream store into a materialized
// send queue and submits it, reconciling the bytes the kernel actually
// accepted against the per-packet cumulative-length index built while the
// queue was assembled.
package txengine

import (
	"context"
	"log"
	"sort"
	"sync/atomic"

	"github.com/ostinato-go/drone/capture"
	"github.com/ostinato-go/drone/frame"
	"github.com/ostinato-go/drone/metrics"
	"github.com/ostinato-go/drone/streamstore"
)

// Update rebuilds port.SendQueue from scratch out of every enabled stream in
// store, in ascending Ordinal order, expanding each stream's (bursts,
// packets-per-burst) control plan into individual synthesized frames. A
// synthesis or enqueue failure for one packet is logged and skipped; it does
// not abort the rest of the rebuild.
func Update(ctx context.Context, port *capture.Port, store *streamstore.Store, synth *frame.Synthesizer) error {
	q := capture.NewSendQueue()
	buf := make([]byte, 65536)

	for _, s := range store.Ordered() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.Enabled {
			continue
		}
		bursts, packets := s.Control.BurstsAndPackets()
		for j := uint32(0); j < bursts; j++ {
			for k := uint32(0); k < packets; k++ {
				n := int(j*packets + k)
				length := synth.Synthesize(s, n, buf)
				if length <= 0 {
					log.Printf("txengine: stream %d packet %d: synthesis failed, skipping", s.Id, n)
					continue
				}
				if !q.Append(buf[:length]) {
					log.Printf("txengine: stream %d packet %d: send queue full, skipping", s.Id, n)
					continue
				}
			}
		}
	}

	port.SendQueue = q
	store.ClearDirty()
	return nil
}

// StartTransmit submits port's whole send queue through the port's
// rx-direction handle. This is not a typo: the handle opened for
// inbound-only capture is the one that observes this process's own
// transmitted traffic looped back by the interface, while the
// outbound-only handle does not see its own sends reflected for counting
// — the same asymmetry holds for AF_PACKET sockets bound with
// PACKET_IGNORE_OUTGOING on the other handle.
func StartTransmit(port *capture.Port) error {
	q := port.SendQueue
	sent, err := port.Rx.Transmit(q)

	pktsSent, bytesSent := ReconcileSent(q, sent)

	if port.Tx.StatsMode() {
		atomic.AddUint64(&port.ShadowTxPkts, uint64(pktsSent))
		atomic.AddUint64(&port.ShadowTxBytes, uint64(bytesSent))
	}

	metrics.SendQueueBytesHistogram.WithLabelValues(port.Config.Name).Observe(float64(q.TotalBytes()))

	if err != nil {
		return err
	}
	return nil
}

// ReconcileSent computes, for a send queue q and the number of bytes the
// driver reported as actually transmitted (including per-packet descriptor
// overhead), the number of whole packets that were fully sent and the pure
// payload byte count they account for: the smallest index i such that
// CumulativeLengths[i] exceeds the bytes actually sent, with partial
// transmission tolerated rather than treated as an error.
func ReconcileSent(q *capture.SendQueue, sent int) (pktsSent, bytesSent int) {
	pktsSent = sort.Search(len(q.CumulativeLengths), func(i int) bool {
		return q.CumulativeLengths[i] > sent
	})
	for i := 0; i < pktsSent; i++ {
		bytesSent += len(q.Frames[i])
	}
	return pktsSent, bytesSent
}

// StopTransmit is the exposed hook for symmetry with StartTransmit.
// There is nothing to stop: StartTransmit already returns
// once its whole queue is submitted, so this is a deliberate no-op rather
// than an unimplemented one.
func StopTransmit(port *capture.Port) error {
	return nil
}

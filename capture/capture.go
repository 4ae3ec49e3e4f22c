// Package capture realizes four capture-driver capabilities — device
// enumeration, direction-restricted handles with optional statistics
// mode, a callback loop per handle, and a pre-queued send buffer with
// submit — against real Linux facilities instead of an assumed pcap
// binding: github.com/vishvananda/netlink for enumeration and NIC
// counters, and raw AF_PACKET sockets (golang.org/x/sys/unix) for the
// rx/tx handles themselves.
package capture

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/ostinato-go/drone/streamconfig"
	"github.com/ostinato-go/drone/streamstore"
)

// Direction restricts a Handle to one traffic direction.
type Direction int

// Directions.
const (
	DirIn Direction = iota
	DirOut
)

// statsPollInterval is how often a statistics-mode Handle polls the kernel
// for updated packet/byte counters.
const statsPollInterval = 200 * time.Millisecond

// MaxSendQueueBytes bounds a port's send buffer.
const MaxSendQueueBytes = 1 << 20

// descriptorSize is the per-packet bookkeeping overhead folded into
// cumulative-length accounting, mirroring a pcap_pkthdr (timeval + caplen
// + len) carried alongside each queued frame.
const descriptorSize = 16

// Handle is one direction-restricted capture endpoint: an AF_PACKET raw
// socket bound to a single interface.
type Handle struct {
	fd        int
	ifindex   int
	direction Direction
	statsMode bool
	closed    int32

	lastPkts  uint64
	lastBytes uint64
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// openHandle opens and binds an AF_PACKET socket to ifindex, restricted (on
// the inbound handle) to traffic this host did not originate, and probes
// for statistics-mode support (PACKET_STATISTICS).
func openHandle(ifindex int, direction Direction) (*Handle, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("capture: socket: %w", err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifindex,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: bind: %w", err)
	}
	if direction == DirIn {
		// Restrict this handle to traffic not locally generated, the Linux
		// analogue of pcap_setdirection(PCAP_D_IN).
		_ = unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_IGNORE_OUTGOING, 1)
	}
	h := &Handle{fd: fd, ifindex: ifindex, direction: direction}
	if _, _, err := h.pollStats(); err == nil {
		h.statsMode = true
	}
	return h, nil
}

// pollStats reads the kernel's cumulative {packets, drops} counters for
// this socket via getsockopt(PACKET_STATISTICS).
func (h *Handle) pollStats() (pkts, drops uint32, err error) {
	stats, err := unix.GetsockoptTpacketStats(h.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return 0, 0, err
	}
	return stats.Packets, stats.Drops, nil
}

// StatsMode reports whether this handle delivers batched statistics
// callbacks rather than per-packet callbacks.
func (h *Handle) StatsMode() bool { return h.statsMode }

// Close closes the underlying socket; it unblocks any in-flight Loop.
func (h *Handle) Close() error {
	atomic.StoreInt32(&h.closed, 1)
	return unix.Close(h.fd)
}

func (h *Handle) isClosed() bool {
	return atomic.LoadInt32(&h.closed) != 0
}

// Loop runs the capture callback until ctx is canceled or the handle is
// closed. In statistics mode it polls for {pkts, bytes} deltas on
// statsPollInterval and invokes onStats; in capture mode it blocks on
// Recvfrom and invokes onPacket once per received frame. Exactly one of
// onStats/onPacket is used, matching h.StatsMode().
func (h *Handle) Loop(ctx context.Context, onStats func(pkts, bytes uint64, ts time.Time), onPacket func(n int, ts time.Time)) {
	if h.statsMode {
		h.statsLoop(ctx, onStats)
		return
	}
	h.captureLoop(ctx, onPacket)
}

func (h *Handle) statsLoop(ctx context.Context, onStats func(pkts, bytes uint64, ts time.Time)) {
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.isClosed() {
				return
			}
			pkts, _, err := h.pollStats()
			if err != nil {
				if h.isClosed() {
					return
				}
				log.Println("capture: pollStats:", err)
				continue
			}
			// tpacket_stats does not carry a byte count; report
			// frameHeaderEstimate bytes per packet, which the monitor's
			// own header-size adjustment subtracts back out.
			deltaPkts := uint64(pkts) - h.lastPkts
			h.lastPkts = uint64(pkts)
			onStats(deltaPkts, deltaPkts*frameHeaderEstimate, time.Now())
		}
	}
}

// frameHeaderEstimate is used only to turn a packet-count delta into a
// byte-count delta when the kernel doesn't report bytes directly; the rx
// worker subtracts this same per-packet overhead back out immediately,
// so the estimate's only job is to round-trip through that subtraction
// cleanly.
const frameHeaderEstimate = 14

func (h *Handle) captureLoop(ctx context.Context, onPacket func(n int, ts time.Time)) {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := unix.Recvfrom(h.fd, buf, 0)
		if err != nil {
			if h.isClosed() {
				return
			}
			log.Println("capture: recvfrom:", err)
			continue
		}
		onPacket(n, time.Now())
	}
}

// Transmit sends every frame in q out this handle and returns the bytes
// accounted for by the frames the kernel accepted, counting descriptorSize
// per frame as CumulativeLengths does. It stops at the first failed send,
// so the count may cover only part of the queue.
func (h *Handle) Transmit(q *SendQueue) (int, error) {
	sll := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: h.ifindex}
	sent := 0
	for _, f := range q.Frames {
		if err := unix.Sendto(h.fd, f, 0, sll); err != nil {
			return sent, err
		}
		sent += len(f) + descriptorSize
	}
	return sent, nil
}

// SendQueue is a port's pre-materialized burst of frames, alongside a
// cumulative-length index: CumulativeLengths[i] is the total bytes,
// including per-packet descriptor overhead, occupied by the first i+1
// queued packets.
type SendQueue struct {
	Frames            [][]byte
	CumulativeLengths []int
	totalBytes        int
}

// NewSendQueue returns an empty queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{}
}

// Append adds frame to the queue if doing so would not exceed
// MaxSendQueueBytes, returning whether it was enqueued.
func (q *SendQueue) Append(frameBytes []byte) bool {
	next := q.totalBytes + len(frameBytes) + descriptorSize
	if next > MaxSendQueueBytes {
		return false
	}
	cp := make([]byte, len(frameBytes))
	copy(cp, frameBytes)
	q.Frames = append(q.Frames, cp)
	q.totalBytes = next
	q.CumulativeLengths = append(q.CumulativeLengths, next)
	return true
}

// TotalBytes returns the queue's total accounted size (frame bytes plus
// per-packet descriptor overhead).
func (q *SendQueue) TotalBytes() int { return q.totalBytes }

// Port owns one interface's pair of capture handles, its stream store, its
// materialized send queue, and its counters.
type Port struct {
	Id     streamconfig.PortId
	Config streamconfig.PortConfig

	Rx *Handle
	Tx *Handle

	Streams   *streamstore.Store
	SendQueue *SendQueue

	// Live and epoch counters. Only the owning monitor goroutine writes
	// Rx*/Tx* (see package monitor); the transmit engine writes only the
	// shadow counters.
	RxPkts, RxBytes, RxPktsNIC, RxBytesNIC uint64
	TxPkts, TxBytes, TxPktsNIC, TxBytesNIC uint64
	RxPPS, RxBPS, TxPPS, TxBPS             float64

	EpochRxPkts, EpochRxBytes uint64
	EpochTxPkts, EpochTxBytes uint64

	ShadowTxPkts  uint64
	ShadowTxBytes uint64

	LastRxTimestamp time.Time
	LastTxTimestamp time.Time

	cancel context.CancelFunc
}

// Enumerate lists local interfaces via netlink and opens an rx/tx handle
// pair for each. A handle-open failure does not remove the port from the
// inventory; it is recorded as down instead.
func Enumerate() ([]*Port, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("capture: LinkList: %w", err)
	}
	ports := make([]*Port, 0, len(links))
	for i, link := range links {
		ports = append(ports, open(streamconfig.PortId(i), link))
	}
	return ports, nil
}

func open(id streamconfig.PortId, link netlink.Link) *Port {
	attrs := link.Attrs()
	name := attrs.Name
	if name == "" {
		name = fmt.Sprintf("if%d", id)
	}
	name = fmt.Sprintf("%s:%s", name, link.Type())

	p := &Port{
		Id: id,
		Config: streamconfig.PortConfig{
			Id:      id,
			Name:    name,
			Enabled: true,
		},
		Streams:   streamstore.New(),
		SendQueue: NewSendQueue(),
	}

	rx, err := openHandle(attrs.Index, DirIn)
	if err != nil {
		log.Printf("capture: port %d (%s): open rx handle: %v", id, name, err)
		p.Config.Up = false
		return p
	}
	tx, err := openHandle(attrs.Index, DirOut)
	if err != nil {
		log.Printf("capture: port %d (%s): open tx handle: %v", id, name, err)
		rx.Close()
		p.Config.Up = false
		return p
	}
	p.Rx = rx
	p.Tx = tx
	p.Config.Up = attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
	return p
}

// Close releases both capture handles, which unblocks both monitor loops.
func (p *Port) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.Rx != nil {
		p.Rx.Close()
	}
	if p.Tx != nil {
		p.Tx.Close()
	}
}

// NICCounters retrieves the out-of-band NIC rx/tx counters via netlink,
// the out-of-band device-level packet/byte totals a driver reports
// independent of whatever this process has itself observed.
func (p *Port) NICCounters() (rxPkts, rxBytes, txPkts, txBytes uint64, err error) {
	if p.Rx == nil {
		return 0, 0, 0, 0, fmt.Errorf("capture: port %d is down", p.Id)
	}
	link, err := netlink.LinkByIndex(p.Rx.ifindex)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("capture: LinkByIndex: %w", err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, 0, 0, 0, nil
	}
	return uint64(stats.RxPackets), uint64(stats.RxBytes), uint64(stats.TxPackets), uint64(stats.TxBytes), nil
}

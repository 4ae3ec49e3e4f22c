// Package frame implements the deterministic compiler from a layered
// stream descriptor into a byte-exact Ethernet wire frame: MAC, optional
// VLAN tags, frame-type encapsulation, IPv4, and TCP/UDP, with correct
// checksums and payload patterns.
package frame

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/ostinato-go/drone/checksum"
	"github.com/ostinato-go/drone/metrics"
	"github.com/ostinato-go/drone/streamconfig"
)

// Synthesizer produces wire frames for a stream. It owns the pseudo-random
// source used by random length/address/payload modes; injecting it (rather
// than reaching for a package-global) keeps tests reproducible given a seed.
// A Synthesizer is not safe for concurrent use: its source is not locked.
type Synthesizer struct {
	rng *rand.Rand
}

// New returns a Synthesizer seeded from seed. Two Synthesizers built from
// the same seed produce identical sequences of "random" packets.
func New(seed int64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewSource(seed))}
}

// Synthesize writes the n-th packet of stream s into out and returns the
// number of bytes written (excluding the 4-byte FCS the NIC appends), or 0
// if the computed length is negative or would not fit in out.
func (sy *Synthesizer) Synthesize(s *streamconfig.StreamConfig, n int, out []byte) int {
	start := time.Now()
	defer func() { metrics.SynthesisTimeHistogram.Observe(time.Since(start).Seconds()) }()

	pktLen := sy.packetLength(s, n)
	pktLen -= 4 // FCS is appended by the NIC, never synthesized.
	if pktLen < 0 || pktLen > len(out) {
		return 0
	}

	var srcIP, dstIP uint32
	var tcpOfs, udpOfs int
	var cumCksum uint32

	w := writer{buf: out}

	w.putMAC(macValue(s.DstMAC, n))
	w.putMAC(macValue(s.SrcMAC, n))

	sy.emitFrameTypePreVLAN(&w, s, pktLen)
	sy.emitVLAN(&w, s)
	sy.emitFrameTypePostVLAN(&w, s)

	switch s.L3 {
	case streamconfig.L3IPv4:
		ipOfs := w.len
		w.putByte(s.IP.VerHdrLen)
		w.putByte(s.IP.TOS)
		if s.IP.TotalLenOverride != nil {
			w.putU16(*s.IP.TotalLenOverride)
		} else {
			w.putU16(uint16(pktLen - ipOfs))
		}
		w.putU16(s.IP.ID)
		w.putU16((uint16(s.IP.Flags&0x7) << 13) | (s.IP.FragOffset & 0x1FFF))
		w.putByte(s.IP.TTL)
		w.putByte(s.IP.Proto)
		cksumOfs := w.len
		w.putU16(0)

		srcIP = ipHostValue(s.IP.Src, n, sy.rng)
		w.putU32(srcIP)
		dstIP = ipHostValue(s.IP.Dst, n, sy.rng)
		w.putU32(dstIP)

		if s.IP.ChecksumOverride != nil {
			binary.BigEndian.PutUint16(out[cksumOfs:], *s.IP.ChecksumOverride)
		} else {
			c := checksum.Finalize(out[ipOfs:w.len], 0)
			binary.BigEndian.PutUint16(out[cksumOfs:], c)
		}
	case streamconfig.L3None, streamconfig.L3ARP:
		// ARP payload synthesis is a non-goal; nothing to emit here.
	}

	var src4, dst4 [4]byte
	binary.BigEndian.PutUint32(src4[:], srcIP)
	binary.BigEndian.PutUint32(dst4[:], dstIP)

	switch s.L4 {
	case streamconfig.L4TCP:
		tcpOfs = w.len
		cumCksum = checksum.PseudoHeaderPartial(src4, dst4, 6, uint16(pktLen-w.len))

		w.putU16(s.TCP.SrcPort)
		w.putU16(s.TCP.DstPort)
		w.putU32(s.TCP.Seq)
		w.putU32(s.TCP.Ack)
		if s.TCP.HdrLenOverride != nil {
			w.putByte(*s.TCP.HdrLenOverride)
		} else {
			w.putByte(0x50)
		}
		w.putByte(s.TCP.Flags)
		w.putU16(s.TCP.Window)
		w.putU16(0) // checksum placeholder
		w.putU16(s.TCP.UrgPtr)

		partial, _ := checksum.Partial(out[tcpOfs:w.len])
		cumCksum += partial
	case streamconfig.L4UDP:
		udpOfs = w.len
		cumCksum = checksum.PseudoHeaderPartial(src4, dst4, 17, uint16(pktLen-w.len))

		w.putU16(s.UDP.SrcPort)
		w.putU16(s.UDP.DstPort)
		if s.UDP.TotalLenOverride != nil {
			w.putU16(*s.UDP.TotalLenOverride)
		} else {
			w.putU16(uint16(pktLen - udpOfs))
		}
		w.putU16(0) // checksum placeholder

		partial, _ := checksum.Partial(out[udpOfs:w.len])
		cumCksum += partial
	}

	dataLen := pktLen - w.len
	payloadOfs := w.len
	sy.emitPayload(&w, s, dataLen)

	switch s.L4 {
	case streamconfig.L4TCP:
		if s.TCP.ChecksumOverride != nil {
			binary.BigEndian.PutUint16(out[tcpOfs+16:], *s.TCP.ChecksumOverride)
		} else {
			c := checksum.Finalize(out[payloadOfs:pktLen], cumCksum)
			binary.BigEndian.PutUint16(out[tcpOfs+16:], c)
		}
	case streamconfig.L4UDP:
		if s.UDP.ChecksumOverride != nil {
			binary.BigEndian.PutUint16(out[udpOfs+6:], *s.UDP.ChecksumOverride)
		} else {
			c := checksum.Finalize(out[payloadOfs:pktLen], cumCksum)
			binary.BigEndian.PutUint16(out[udpOfs+6:], c)
		}
	}

	return pktLen
}

func (sy *Synthesizer) packetLength(s *streamconfig.StreamConfig, n int) int {
	switch s.LengthMode {
	case streamconfig.LengthFixed:
		return int(s.FrameLen)
	case streamconfig.LengthInc:
		span := int(s.MaxLen-s.MinLen) + 1
		return int(s.MinLen) + n%span
	case streamconfig.LengthDec:
		span := int(s.MaxLen-s.MinLen) + 1
		return int(s.MaxLen) - n%span
	case streamconfig.LengthRandom:
		span := int(s.MaxLen-s.MinLen) + 1
		return int(s.MinLen) + sy.rng.Intn(span)
	}
	return 64
}

func (sy *Synthesizer) emitFrameTypePreVLAN(w *writer, s *streamconfig.StreamConfig, pktLen int) {
	switch s.FrameType {
	case streamconfig.Frame8023Raw:
		w.putU16(uint16(pktLen))
	case streamconfig.Frame8023LLC:
		w.putU16(uint16(pktLen))
		w.putByte(s.LLC.DSAP)
		w.putByte(s.LLC.SSAP)
		w.putByte(s.LLC.Ctl)
	case streamconfig.FrameSNAP:
		w.putU16(uint16(pktLen))
		w.putByte(s.LLC.DSAP)
		w.putByte(s.LLC.SSAP)
		w.putByte(s.LLC.Ctl)
		w.putOUI(s.SNAP.OUI)
	}
}

func (sy *Synthesizer) emitVLAN(w *writer, s *streamconfig.StreamConfig) {
	if s.VLAN.STag.Present {
		tpid := s.VLAN.STag.TPID
		if tpid == 0 {
			tpid = 0x88a8
		}
		w.putU16(tpid)
		w.putU16(s.VLAN.STag.Tag)
	}
	if s.VLAN.CTag.Present {
		tpid := s.VLAN.CTag.TPID
		if tpid == 0 {
			tpid = 0x8100
		}
		w.putU16(tpid)
		w.putU16(s.VLAN.CTag.Tag)
	}
}

func (sy *Synthesizer) emitFrameTypePostVLAN(w *writer, s *streamconfig.StreamConfig) {
	switch s.FrameType {
	case streamconfig.FrameEth2, streamconfig.FrameSNAP:
		w.putU16(s.Eth2.EtherType)
	}
}

func (sy *Synthesizer) emitPayload(w *writer, s *streamconfig.StreamConfig, dataLen int) {
	if dataLen <= 0 {
		return
	}
	buf := w.buf[w.len : w.len+dataLen]
	switch s.PayloadMode {
	case streamconfig.PatternFixedWord:
		var word [4]byte
		binary.BigEndian.PutUint32(word[:], s.PayloadPattern)
		for i := 0; i < dataLen; i++ {
			buf[i] = word[i%4]
		}
	case streamconfig.PatternIncByte:
		for i := 0; i < dataLen; i++ {
			buf[i] = byte(i % 256)
		}
	case streamconfig.PatternDecByte:
		for i := 0; i < dataLen; i++ {
			buf[i] = byte(255 - (i % 256))
		}
	case streamconfig.PatternRandom:
		for i := 0; i < dataLen; i++ {
			buf[i] = byte(sy.rng.Intn(256))
		}
	}
	w.len += dataLen
}

func macValue(f streamconfig.MACField, n int) streamconfig.MACAddress {
	switch f.Mode {
	case streamconfig.AddrInc:
		u := (uint64(n) % uint64(f.Count)) * f.Step
		return streamconfig.MACFromUint64(f.Base.Uint64() + u)
	case streamconfig.AddrDec:
		u := (uint64(n) % uint64(f.Count)) * f.Step
		return streamconfig.MACFromUint64(f.Base.Uint64() - u)
	default:
		return f.Base
	}
}

func ipHostValue(f streamconfig.IPField, n int, rng *rand.Rand) uint32 {
	base := uint32(f.Base)
	mask := uint32(f.Mask)
	subnet := base & mask
	switch f.Mode {
	case streamconfig.AddrInc:
		u := uint32(n) % f.Count
		host := ((base &^ mask) + u) &^ mask
		return subnet | host
	case streamconfig.AddrDec:
		u := uint32(n) % f.Count
		host := ((base &^ mask) - u) &^ mask
		return subnet | host
	case streamconfig.AddrRandom:
		host := rng.Uint32() &^ mask
		return subnet | host
	default:
		return base
	}
}

// writer is a small bump-allocator over a fixed buffer, tracking the
// current write offset.
type writer struct {
	buf []byte
	len int
}

func (w *writer) putByte(b byte) {
	w.buf[w.len] = b
	w.len++
}

func (w *writer) putU16(v uint16) {
	binary.BigEndian.PutUint16(w.buf[w.len:], v)
	w.len += 2
}

func (w *writer) putU32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.len:], v)
	w.len += 4
}

func (w *writer) putMAC(m streamconfig.MACAddress) {
	copy(w.buf[w.len:], m[:])
	w.len += 6
}

func (w *writer) putOUI(oui uint32) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], oui)
	copy(w.buf[w.len:], scratch[1:4])
	w.len += 3
}

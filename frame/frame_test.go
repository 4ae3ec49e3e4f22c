package frame_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/ostinato-go/drone/checksum"
	"github.com/ostinato-go/drone/frame"
	"github.com/ostinato-go/drone/streamconfig"
)

func mac(s string) streamconfig.MACAddress {
	hw, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	var m streamconfig.MACAddress
	copy(m[:], hw)
	return m
}

func ipv4(a, b, c, d byte) streamconfig.IPv4Address {
	return streamconfig.IPv4Address(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

func minimalUDPStream() *streamconfig.StreamConfig {
	return &streamconfig.StreamConfig{
		Enabled:    true,
		LengthMode: streamconfig.LengthFixed,
		FrameLen:   64,
		FrameType:  streamconfig.FrameEth2,
		L3:         streamconfig.L3IPv4,
		L4:         streamconfig.L4UDP,
		PayloadMode:    streamconfig.PatternFixedWord,
		PayloadPattern: 0xDEADBEEF,
		DstMAC: streamconfig.MACField{Base: mac("00:11:22:33:44:55")},
		SrcMAC: streamconfig.MACField{Base: mac("66:77:88:99:aa:bb")},
		Eth2:   streamconfig.Eth2Config{EtherType: 0x0800},
		IP: streamconfig.IPv4Config{
			VerHdrLen: 0x45,
			TTL:       64,
			Proto:     17,
			Src:       streamconfig.IPField{Base: ipv4(10, 0, 0, 1), Mask: ipv4(255, 255, 255, 255)},
			Dst:       streamconfig.IPField{Base: ipv4(10, 0, 0, 2), Mask: ipv4(255, 255, 255, 255)},
		},
		UDP: streamconfig.UDPConfig{SrcPort: 1000, DstPort: 2000},
	}
}

func TestSynthesizeMinimalEthernetIPv4UDP(t *testing.T) {
	sy := frame.New(1)
	out := make([]byte, 128)
	n := sy.Synthesize(minimalUDPStream(), 0, out)
	if n != 60 {
		t.Fatalf("frame length = %d, want 60", n)
	}
	ipHdr := out[14:34]
	if checksum.Finalize(ipHdr, 0) != 0 {
		t.Fatalf("IP header checksum does not fold to zero")
	}
	udpLen := binary.BigEndian.Uint16(out[34+4 : 34+6])
	if udpLen != 26 {
		t.Fatalf("UDP length = %d, want 26", udpLen)
	}

	// Recompute UDP checksum including pseudo-header; must fold to zero.
	var src, dst [4]byte
	copy(src[:], out[26:30])
	copy(dst[:], out[30:34])
	pseudo := checksum.PseudoHeaderPartial(src, dst, 17, udpLen)
	partial, err := checksum.Partial(out[34 : n])
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if checksum.Finalize(nil, pseudo+partial) != 0 {
		t.Fatalf("UDP checksum does not fold to zero")
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	sy := frame.New(1)
	s := minimalUDPStream()
	out1 := make([]byte, 128)
	out2 := make([]byte, 128)
	n1 := sy.Synthesize(s, 5, out1)
	n2 := sy.Synthesize(s, 5, out2)
	if n1 != n2 {
		t.Fatalf("lengths differ: %d vs %d", n1, n2)
	}
	for i := 0; i < n1; i++ {
		if out1[i] != out2[i] {
			t.Fatalf("byte %d differs: %x vs %x", i, out1[i], out2[i])
		}
	}
}

func TestSynthesizeVLANStacked(t *testing.T) {
	sy := frame.New(1)
	s := minimalUDPStream()
	s.VLAN.STag = streamconfig.VLANTag{Present: true, TPID: 0x88a8, Tag: 0x0064}
	s.VLAN.CTag = streamconfig.VLANTag{Present: true, TPID: 0x8100, Tag: 0x0032}
	out := make([]byte, 128)
	n := sy.Synthesize(s, 0, out)
	if n != 60 {
		t.Fatalf("frame length = %d, want 60 (payload shrinks to preserve total)", n)
	}
	// 8 bytes of VLAN tags now sit between src MAC and ethertype.
	if binary.BigEndian.Uint16(out[12:14]) != 0x88a8 {
		t.Fatalf("missing S-tag TPID")
	}
	if binary.BigEndian.Uint16(out[14:16]) != 0x0064 {
		t.Fatalf("missing S-tag value")
	}
	if binary.BigEndian.Uint16(out[16:18]) != 0x8100 {
		t.Fatalf("missing C-tag TPID")
	}
	if binary.BigEndian.Uint16(out[18:20]) != 0x0032 {
		t.Fatalf("missing C-tag value")
	}
	if binary.BigEndian.Uint16(out[20:22]) != 0x0800 {
		t.Fatalf("ethertype not found after VLAN tags")
	}
}

func TestSynthesizeIncrementSrcMAC(t *testing.T) {
	sy := frame.New(1)
	s := minimalUDPStream()
	s.SrcMAC = streamconfig.MACField{Base: mac("00:00:00:00:00:00"), Mode: streamconfig.AddrInc, Count: 4, Step: 1}
	out := make([]byte, 128)
	want := []byte{0, 1, 2, 3, 0}
	for n := 0; n <= 4; n++ {
		sy.Synthesize(s, n, out)
		if out[11] != want[n] {
			t.Fatalf("n=%d: src mac low byte = %d, want %d", n, out[11], want[n])
		}
	}
}

func TestSynthesizeRandomHostMask24(t *testing.T) {
	sy := frame.New(42)
	s := minimalUDPStream()
	s.IP.Src = streamconfig.IPField{Base: ipv4(10, 0, 0, 0), Mask: ipv4(255, 255, 255, 0), Mode: streamconfig.AddrRandom}
	out := make([]byte, 128)
	for n := 0; n < 1000; n++ {
		sy.Synthesize(s, n, out)
		if out[26] != 10 || out[27] != 0 || out[28] != 0 {
			t.Fatalf("n=%d: upper 24 bits of src IP not preserved: %v", n, out[26:30])
		}
	}
}

func TestSynthesizeLengthIncMode(t *testing.T) {
	sy := frame.New(1)
	s := minimalUDPStream()
	s.LengthMode = streamconfig.LengthInc
	s.MinLen = 64
	s.MaxLen = 70
	out := make([]byte, 128)
	for n := 0; n < 20; n++ {
		got := sy.Synthesize(s, n, out)
		want := int(s.MinLen) + n%(int(s.MaxLen-s.MinLen)+1) - 4
		if got != want {
			t.Fatalf("n=%d: length = %d, want %d", n, got, want)
		}
	}
}

func TestSynthesizeBufferOverflowReturnsZero(t *testing.T) {
	sy := frame.New(1)
	s := minimalUDPStream()
	s.FrameLen = 64
	out := make([]byte, 4) // far too small
	if got := sy.Synthesize(s, 0, out); got != 0 {
		t.Fatalf("expected 0 on overflow, got %d", got)
	}
}

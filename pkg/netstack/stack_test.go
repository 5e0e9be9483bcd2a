package netstack

import (
	"net"
	"testing"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func testGuestMAC() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
}

func newTestStack(t *testing.T) (*Stack, *control.Channel) {
	t.Helper()
	out := control.NewChannel(16)
	s := NewStack(Config{GuestMAC: testGuestMAC()}, out)
	return s, out
}

// decodedFrame parses one deframed Ethernet frame produced by the stack
// down to its layers, for assertions.
type decodedFrame struct {
	eth  layers.Ethernet
	arp  layers.ARP
	ip   layers.IPv4
	tcp  layers.TCP
	udp  layers.UDP
	icmp layers.ICMPv4
}

// nextGuestFrame drains one length-prefixed frame from the stack's outbound
// buffer (as the syscall shim would via read(4)) and decodes it.
func nextGuestFrame(t *testing.T, s *Stack) decodedFrame {
	t.Helper()
	buf := make([]byte, 65536)
	n := s.ReadGuestBytes(buf)
	if n < wire.FrameHeaderSize {
		t.Fatalf("expected at least a frame header, got %d bytes", n)
	}
	var d wire.Deframer
	d.Write(buf[:n])
	frame, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("failed to deframe outbound bytes: ok=%v err=%v", ok, err)
	}

	var out decodedFrame
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&out.eth, &out.arp, &out.ip, &out.tcp, &out.udp, &out.icmp)
	parser.IgnoreUnsupported = true
	decoded := []gopacket.LayerType{}
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		t.Fatalf("failed to decode synthesized frame: %v", err)
	}
	return out
}

// serializeLayers is a small helper so individual tests can build a guest
// Ethernet frame in one line.
func serializeLayers(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("failed to build test frame: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

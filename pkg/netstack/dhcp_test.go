package netstack

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func discoverOrRequest(t *testing.T, guestMAC net.HardwareAddr, xidVal uint32, msgType layers.DHCPMsgType) []byte {
	t.Helper()
	dhcp := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          xidVal,
		Flags:        0x8000, // broadcast
		ClientHWAddr: guestMAC,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
			layers.NewDHCPOption(layers.DHCPOptEnd, nil),
		},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := dhcp.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		t.Fatalf("failed to build DHCP request: %v", err)
	}
	body := append([]byte(nil), buf.Bytes()...)
	if len(body) < DHCPPacketSize {
		padded := make([]byte, DHCPPacketSize)
		copy(padded, body)
		body = padded
	}

	udp := &layers.UDP{SrcPort: dhcpClientPort, DstPort: dhcpServerPort}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4zero, DstIP: Broadcast.To4()}
	udp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: guestMAC, DstMAC: broadcastMAC, EthernetType: layers.EthernetTypeIPv4}

	return serializeLayers(t, eth, ip, udp, gopacket.Payload(body))
}

func TestHandleDHCP_DiscoverYieldsOffer(t *testing.T) {
	s, _ := newTestStack(t)
	guestMAC := testGuestMAC()

	frame := discoverOrRequest(t, guestMAC, 0x1234, layers.DHCPMsgTypeDiscover)
	s.handleGuestFrame(frame)

	if !s.HasOutboundFrames() {
		t.Fatalf("expected a DHCP OFFER to be queued")
	}
	out := nextGuestFrame(t, s)
	if out.udp.SrcPort != dhcpServerPort || out.udp.DstPort != dhcpClientPort {
		t.Fatalf("unexpected DHCP reply ports: src=%d dst=%d", out.udp.SrcPort, out.udp.DstPort)
	}
	if len(out.udp.Payload) != DHCPPacketSize {
		t.Fatalf("DHCP reply not padded to %d bytes, got %d", DHCPPacketSize, len(out.udp.Payload))
	}

	var reply layers.DHCPv4
	if err := reply.DecodeFromBytes(out.udp.Payload, gopacket.NilDecodeFeedback); err != nil {
		t.Fatalf("failed to decode DHCP reply: %v", err)
	}
	if reply.Xid != 0x1234 {
		t.Fatalf("xid not echoed: got %x", reply.Xid)
	}
	if !reply.YourClientIP.Equal(GuestIP) {
		t.Fatalf("offered IP = %v, want %v", reply.YourClientIP, GuestIP)
	}
	assertDHCPMessageType(t, reply.Options, layers.DHCPMsgTypeOffer)
}

func TestHandleDHCP_RequestYieldsAck(t *testing.T) {
	s, _ := newTestStack(t)
	guestMAC := testGuestMAC()

	frame := discoverOrRequest(t, guestMAC, 0x5678, layers.DHCPMsgTypeRequest)
	s.handleGuestFrame(frame)

	out := nextGuestFrame(t, s)
	var reply layers.DHCPv4
	if err := reply.DecodeFromBytes(out.udp.Payload, gopacket.NilDecodeFeedback); err != nil {
		t.Fatalf("failed to decode DHCP reply: %v", err)
	}
	assertDHCPMessageType(t, reply.Options, layers.DHCPMsgTypeAck)
	if !bytes.Equal(reply.ClientHWAddr, guestMAC) {
		t.Fatalf("client hw addr not echoed: got %v", reply.ClientHWAddr)
	}
}

func assertDHCPMessageType(t *testing.T, opts layers.DHCPOptions, want layers.DHCPMsgType) {
	t.Helper()
	got := dhcpMessageType(opts)
	if got != want {
		t.Fatalf("DHCP message type = %v, want %v", got, want)
	}
}

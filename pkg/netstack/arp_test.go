package netstack

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func TestHandleARPFrame_RepliesOnlyForGateway(t *testing.T) {
	s, _ := newTestStack(t)
	guestMAC := testGuestMAC()

	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   guestMAC,
		SourceProtAddress: GuestIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    GatewayIP.To4(),
	}
	eth := &layers.Ethernet{SrcMAC: guestMAC, DstMAC: broadcastMAC, EthernetType: layers.EthernetTypeARP}
	frame := serializeLayers(t, eth, req)

	s.handleGuestFrame(frame)
	if !s.HasOutboundFrames() {
		t.Fatalf("expected an ARP reply to be queued")
	}
	out := nextGuestFrame(t, s)
	if out.arp.Operation != layers.ARPReply {
		t.Fatalf("expected ARP reply, got operation %d", out.arp.Operation)
	}
	if !bytes.Equal(out.arp.SourceProtAddress, GatewayIP.To4()) {
		t.Fatalf("reply source protocol address = %v, want gateway IP", out.arp.SourceProtAddress)
	}
	if !bytes.Equal(out.arp.DstHwAddress, guestMAC) {
		t.Fatalf("reply destination hw address = %v, want guest MAC", out.arp.DstHwAddress)
	}
}

func TestHandleARPFrame_IgnoresRequestsForOtherTargets(t *testing.T) {
	s, _ := newTestStack(t)
	guestMAC := testGuestMAC()

	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   guestMAC,
		SourceProtAddress: GuestIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    DNSServer.To4(),
	}
	eth := &layers.Ethernet{SrcMAC: guestMAC, DstMAC: broadcastMAC, EthernetType: layers.EthernetTypeARP}
	frame := serializeLayers(t, eth, req)

	s.handleGuestFrame(frame)
	if s.HasOutboundFrames() {
		t.Fatalf("expected no reply for a non-gateway ARP request")
	}
}

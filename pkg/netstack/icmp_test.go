package netstack

import (
	"bytes"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestHandleICMP_EchoReplyPreservesIdSeqAndPayload(t *testing.T) {
	s, _ := newTestStack(t)
	guestMAC := testGuestMAC()

	payload := []byte("ping-payload")
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       0xBEEF,
		Seq:      7,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: GuestIP.To4(), DstIP: GatewayIP.To4()}
	eth := &layers.Ethernet{SrcMAC: guestMAC, DstMAC: s.gatewayMAC, EthernetType: layers.EthernetTypeIPv4}
	frame := serializeLayers(t, eth, ip, icmp, gopacket.Payload(payload))

	s.handleGuestFrame(frame)
	if !s.HasOutboundFrames() {
		t.Fatalf("expected an echo reply to be queued")
	}
	out := nextGuestFrame(t, s)
	if out.icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
		t.Fatalf("expected echo reply, got type %d", out.icmp.TypeCode.Type())
	}
	if out.icmp.Id != 0xBEEF || out.icmp.Seq != 7 {
		t.Fatalf("id/seq not preserved: got id=%x seq=%d", out.icmp.Id, out.icmp.Seq)
	}
	if !bytes.Equal(out.icmp.Payload, payload) {
		t.Fatalf("payload not preserved: got %q want %q", out.icmp.Payload, payload)
	}
	if !out.ip.SrcIP.Equal(GatewayIP) || !out.ip.DstIP.Equal(GuestIP) {
		t.Fatalf("unexpected reply addressing: src=%v dst=%v", out.ip.SrcIP, out.ip.DstIP)
	}
}

func TestHandleICMP_IgnoresNonEchoTypes(t *testing.T) {
	s, _ := newTestStack(t)
	guestMAC := testGuestMAC()

	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 0)}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: GuestIP.To4(), DstIP: GatewayIP.To4()}
	eth := &layers.Ethernet{SrcMAC: guestMAC, DstMAC: s.gatewayMAC, EthernetType: layers.EthernetTypeIPv4}
	frame := serializeLayers(t, eth, ip, icmp)

	s.handleGuestFrame(frame)
	if s.HasOutboundFrames() {
		t.Fatalf("expected no reply for a non-echo-request ICMP message")
	}
}

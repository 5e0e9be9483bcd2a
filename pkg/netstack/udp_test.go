package netstack

import (
	"bytes"
	"net"
	"testing"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestHandleUDP_ForwardsNonDHCPDatagram(t *testing.T) {
	s, out := newTestStack(t)
	guestMAC := testGuestMAC()
	remoteIP := net.IPv4(8, 8, 4, 4)

	payload := []byte("query")
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: GuestIP.To4(), DstIP: remoteIP.To4()}
	udp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: guestMAC, DstMAC: s.gatewayMAC, EthernetType: layers.EthernetTypeIPv4}
	frame := serializeLayers(t, eth, ip, udp, gopacket.Payload(payload))

	s.handleGuestFrame(frame)

	select {
	case m := <-out.Messages():
		if m.Kind != control.UDPSend || !bytes.Equal(m.Data, payload) {
			t.Fatalf("unexpected message: %+v", m)
		}
		wantKey := NewFlowKey(ProtoUDP, GuestIP, 40000, remoteIP, 53).String()
		if m.Key != wantKey {
			t.Fatalf("key = %q, want %q", m.Key, wantKey)
		}
	default:
		t.Fatalf("expected a udp-send message")
	}
}

func TestOnUDPRecv_SynthesizesReplyDatagram(t *testing.T) {
	s, _ := newTestStack(t)
	remoteIP := net.IPv4(8, 8, 4, 4)
	payload := []byte("answer")

	s.onUDPRecv(wire.UDPRecvPayload{
		SrcIP:   remoteIP.String(),
		SrcPort: 53,
		DstIP:   GuestIP.String(),
		DstPort: 40000,
		Data:    payload,
	})

	if !s.HasOutboundFrames() {
		t.Fatalf("expected a reply datagram to be queued")
	}
	out := nextGuestFrame(t, s)
	if out.udp.SrcPort != 53 || out.udp.DstPort != 40000 {
		t.Fatalf("unexpected ports: src=%d dst=%d", out.udp.SrcPort, out.udp.DstPort)
	}
	if !bytes.Equal(out.udp.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", out.udp.Payload, payload)
	}
	if !out.ip.SrcIP.Equal(remoteIP) || !out.ip.DstIP.Equal(GuestIP) {
		t.Fatalf("unexpected addressing: src=%v dst=%v", out.ip.SrcIP, out.ip.DstIP)
	}
}

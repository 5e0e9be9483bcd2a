package netstack

import (
	"net"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// handleUDPSegment forwards a guest UDP datagram to the host reactor as a
// udp-send control message, keyed by the 5-tuple (spec §4.3). The one
// exception is the DHCP client port pair, which the stack answers itself
// and never forwards (spec §4.3).
func (s *Stack) handleUDPSegment(ip *layers.IPv4) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable UDP datagram")
		return
	}
	if udp.DstPort == dhcpServerPort && udp.SrcPort == dhcpClientPort {
		s.handleDHCP(&udp)
		return
	}

	key := NewFlowKey(ProtoUDP, ip.SrcIP, uint16(udp.SrcPort), ip.DstIP, uint16(udp.DstPort))
	s.out.Send(control.Send(control.UDPSend, key.String(), udp.Payload))
}

// onUDPRecv synthesizes a UDP datagram bound for the guest from a UDP_RECV
// ring record (spec §6).
func (s *Stack) onUDPRecv(p wire.UDPRecvPayload) {
	remoteIP := net.ParseIP(p.SrcIP)
	guestIP := net.ParseIP(p.DstIP)
	if remoteIP == nil || guestIP == nil {
		log.Warn("malformed address in UDP_RECV record")
		return
	}

	udpL := &layers.UDP{SrcPort: layers.UDPPort(p.SrcPort), DstPort: layers.UDPPort(p.DstPort)}
	ip := newReplyIPv4Header(layers.IPProtocolUDP, remoteIP, guestIP)
	udpL.SetNetworkLayerForChecksum(ip)

	frame, err := s.serializeToGuest(ip, udpL, p.Data)
	if err != nil {
		log.WithError(err).Error("failed to serialize UDP datagram")
		return
	}

	key := NewFlowKey(ProtoUDP, guestIP, p.DstPort, remoteIP, p.SrcPort)
	s.emitFrame(key, frame)
}

package netstack

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// handleICMPPacket answers echo requests with an echo reply, preserving
// identifier, sequence and payload (spec §4.3, §8).
func (s *Stack) handleICMPPacket(ip *layers.IPv4) {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable ICMP packet")
		return
	}
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return
	}

	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	replyIP := newReplyIPv4Header(layers.IPProtocolICMPv4, ip.DstIP, ip.SrcIP)

	frame, err := s.serializeToGuest(replyIP, reply, icmp.Payload)
	if err != nil {
		log.WithError(err).Error("failed to serialize ICMP echo reply")
		return
	}
	s.emitFrame(FlowKey{}, frame)
}

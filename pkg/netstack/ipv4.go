package netstack

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// handleIPv4Frame parses an IPv4 packet from the guest and dispatches it by
// protocol number (spec §4.3). Only version 4 is accepted; anything else is
// a protocol-input error and is dropped silently (spec §7 class 1).
func (s *Stack) handleIPv4Frame(payload []byte) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable IPv4 packet")
		return
	}
	if ip.Version != 4 {
		return
	}
	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		s.handleICMPPacket(&ip)
	case layers.IPProtocolTCP:
		s.handleTCPSegment(&ip)
	case layers.IPProtocolUDP:
		s.handleUDPSegment(&ip)
	default:
		// unsupported protocol: dropped silently
	}
}

// newReplyIPv4Header builds the otherwise-zero IP header the sender side
// fills (spec §4.3): ttl=64, df=0, checksum computed on serialize.
func newReplyIPv4Header(proto layers.IPProtocol, srcIP, dstIP net.IP) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      DefaultTTL,
		Protocol: proto,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
}

// serializeToGuest builds a full Ethernet+IPv4(+transport+payload) frame
// addressed to the guest, with the gateway MAC as the (only) L2 next hop
// the guest ever sees, and returns the serialized bytes.
func (s *Stack) serializeToGuest(ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       s.gatewayMAC,
		DstMAC:       s.guestMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	serializable := []gopacket.SerializableLayer{eth, ip}
	if transport != nil {
		serializable = append(serializable, transport)
	}
	if len(payload) > 0 {
		serializable = append(serializable, gopacket.Payload(payload))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, serializable...); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

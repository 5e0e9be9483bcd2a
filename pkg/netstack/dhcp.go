package netstack

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// dhcpServer is the singleton authoritative DHCP server backing the single
// lease the guest can ever hold (spec §3: DHCP lease).
type dhcpServer struct {
	gatewayMAC net.HardwareAddr
}

func newDHCPServer(gatewayMAC net.HardwareAddr) *dhcpServer {
	return &dhcpServer{gatewayMAC: gatewayMAC}
}

// dhcpMagicCookie is the fixed BOOTP magic cookie at offset 236 (spec §4.3).
const dhcpMagicCookie = 0x63825363

func hasDHCPMagicCookie(payload []byte) bool {
	if len(payload) < 240 {
		return false
	}
	return binary.BigEndian.Uint32(payload[236:240]) == dhcpMagicCookie
}

func dhcpMessageType(opts layers.DHCPOptions) layers.DHCPMsgType {
	for _, o := range opts {
		if o.Type == layers.DHCPOptMessageType && len(o.Data) == 1 {
			return layers.DHCPMsgType(o.Data[0])
		}
	}
	return layers.DHCPMsgTypeUnspecified
}

func uint32BigEndian(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// buildReply constructs the OFFER/ACK for a DISCOVER/REQUEST, carrying the
// assigned IP, subnet mask, router/server identifier, DNS and lease time
// (spec §4.3, §6).
func (d *dhcpServer) buildReply(req *layers.DHCPv4, msgType layers.DHCPMsgType) *layers.DHCPv4 {
	opts := layers.DHCPOptions{
		layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
		layers.NewDHCPOption(layers.DHCPOptServerID, GatewayIP.To4()),
		layers.NewDHCPOption(layers.DHCPOptLeaseTime, uint32BigEndian(LeaseSeconds)),
		layers.NewDHCPOption(layers.DHCPOptSubnetMask, net.IP(SubnetMask).To4()),
		layers.NewDHCPOption(layers.DHCPOptRouter, GatewayIP.To4()),
		layers.NewDHCPOption(layers.DHCPOptDNS, DNSServer.To4()),
		layers.NewDHCPOption(layers.DHCPOptBroadcastAddr, Broadcast.To4()),
		layers.NewDHCPOption(layers.DHCPOptEnd, nil),
	}
	return &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		Flags:        req.Flags,
		YourClientIP: GuestIP.To4(),
		NextServerIP: net.IPv4zero,
		RelayAgentIP: net.IPv4zero,
		ClientHWAddr: req.ClientHWAddr,
		Options:      opts,
	}
}

func serializeDHCP(d *layers.DHCPv4) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := d.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// handleDHCP processes DHCP DISCOVER/REQUEST from the guest (UDP 68->67)
// and replies OFFER/ACK respectively (spec §4.3). Anything else (a
// non-DHCP option set, an unrecognized message type) is ignored.
func (s *Stack) handleDHCP(udp *layers.UDP) {
	var req layers.DHCPv4
	if err := req.DecodeFromBytes(udp.Payload, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable DHCP packet")
		return
	}
	if !hasDHCPMagicCookie(udp.Payload) {
		return
	}

	var replyType layers.DHCPMsgType
	switch dhcpMessageType(req.Options) {
	case layers.DHCPMsgTypeDiscover:
		replyType = layers.DHCPMsgTypeOffer
	case layers.DHCPMsgTypeRequest:
		replyType = layers.DHCPMsgTypeAck
	default:
		return
	}

	reply := s.dhcp.buildReply(&req, replyType)
	replyBytes, err := serializeDHCP(reply)
	if err != nil {
		log.WithError(err).Error("failed to serialize DHCP reply")
		return
	}
	if len(replyBytes) < DHCPPacketSize {
		padded := make([]byte, DHCPPacketSize)
		copy(padded, replyBytes)
		replyBytes = padded
	}

	dstMAC := req.ClientHWAddr
	if req.Flags&0x8000 != 0 {
		dstMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	replyUDP := &layers.UDP{SrcPort: dhcpServerPort, DstPort: dhcpClientPort}
	replyIP := newReplyIPv4Header(layers.IPProtocolUDP, GatewayIP, GuestIP)
	replyUDP.SetNetworkLayerForChecksum(replyIP)

	eth := &layers.Ethernet{SrcMAC: s.gatewayMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, replyIP, replyUDP, gopacket.Payload(replyBytes)); err != nil {
		log.WithError(err).Error("failed to serialize DHCP frame")
		return
	}
	frame := append([]byte(nil), buf.Bytes()...)
	s.emitFrame(FlowKey{}, frame)
}

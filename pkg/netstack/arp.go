package netstack

import (
	"bytes"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// handleARPFrame answers ARP requests for the gateway's protocol address
// only (spec §4.3): "Respond only to requests whose target protocol address
// equals the gateway IP."
func (s *Stack) handleARPFrame(payload []byte) {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable ARP packet")
		return
	}
	if arp.Operation != layers.ARPRequest {
		return
	}
	if !bytes.Equal(arp.DstProtAddress, GatewayIP.To4()) {
		return
	}

	reqMAC := net.HardwareAddr(arp.SourceHwAddress)
	reqIP := net.IP(arp.SourceProtAddress)

	replyARP := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   s.gatewayMAC,
		SourceProtAddress: GatewayIP.To4(),
		DstHwAddress:      reqMAC,
		DstProtAddress:    reqIP.To4(),
	}
	replyEth := layers.Ethernet{
		SrcMAC:       s.gatewayMAC,
		DstMAC:       reqMAC,
		EthernetType: layers.EthernetTypeARP,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &replyEth, &replyARP); err != nil {
		log.WithError(err).Error("failed to serialize ARP reply")
		return
	}
	frame := append([]byte(nil), buf.Bytes()...)
	s.emitFrame(FlowKey{}, frame)
}

package netstack

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Proto identifies the IPv4 protocol number of a flow.
type Proto uint8

const (
	ProtoICMP Proto = 1
	ProtoTCP  Proto = 6
	ProtoUDP  Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return fmt.Sprintf("proto%d", uint8(p))
	}
}

// FlowKey is the 5-tuple identifying a TCP or UDP flow from the guest's
// perspective (spec §3: "a fixed-size struct is equivalent and preferred").
// Its String form is also the wire encoding used in net-ring records
// (spec §6: "key_utf8"), so both sides of the transport can use the exact
// same bytes as a map key without re-parsing.
type FlowKey struct {
	Proto   Proto
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// NewFlowKey builds a key from net.IP values, truncating to IPv4 (spec:
// "No IPv6").
func NewFlowKey(proto Proto, srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) FlowKey {
	var k FlowKey
	k.Proto = proto
	copy(k.SrcIP[:], srcIP.To4())
	k.SrcPort = srcPort
	copy(k.DstIP[:], dstIP.To4())
	k.DstPort = dstPort
	return k
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%s|%d", k.Proto, net.IP(k.SrcIP[:]), k.SrcPort, net.IP(k.DstIP[:]), k.DstPort)
}

// SrcAddr / DstAddr convert the fixed-size fields back to net.IP.
func (k FlowKey) SrcAddr() net.IP { return net.IP(k.SrcIP[:]) }
func (k FlowKey) DstAddr() net.IP { return net.IP(k.DstIP[:]) }

// Reversed swaps source and destination, used when synthesizing a reply.
func (k FlowKey) Reversed() FlowKey {
	return FlowKey{Proto: k.Proto, SrcIP: k.DstIP, SrcPort: k.DstPort, DstIP: k.SrcIP, DstPort: k.SrcPort}
}

// ParseFlowKey parses the String() form back into a FlowKey; used on the
// reactor side, which only ever sees the key as wire bytes.
func ParseFlowKey(s string) (FlowKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 5 {
		return FlowKey{}, fmt.Errorf("netstack: malformed flow key %q", s)
	}
	var proto Proto
	switch parts[0] {
	case "tcp":
		proto = ProtoTCP
	case "udp":
		proto = ProtoUDP
	case "icmp":
		proto = ProtoICMP
	default:
		return FlowKey{}, fmt.Errorf("netstack: unknown proto in flow key %q", s)
	}
	srcIP := net.ParseIP(parts[1])
	srcPort, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil || srcIP == nil {
		return FlowKey{}, fmt.Errorf("netstack: malformed source in flow key %q", s)
	}
	dstIP := net.ParseIP(parts[3])
	dstPort, err := strconv.ParseUint(parts[4], 10, 16)
	if err != nil || dstIP == nil {
		return FlowKey{}, fmt.Errorf("netstack: malformed destination in flow key %q", s)
	}
	return NewFlowKey(proto, srcIP, uint16(srcPort), dstIP, uint16(dstPort)), nil
}

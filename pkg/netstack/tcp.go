package netstack

import (
	"math/rand"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP flow states. The stack plays the server side of the handshake with
// the guest but must wait for the host reactor to actually dial out before
// it can answer the guest's SYN (spec §4.3, §4.4): a flow spends time in
// stateConnecting with no guest-visible reply at all.
const (
	stateConnecting     = iota // SYN seen, tcp-connect sent to host, awaiting TCP_CONNECTED/TCP_ERROR
	stateEstablished           // SYN-ACK sent, data flows both ways
	stateFinWait               // guest sent FIN; tcp-close sent to host, awaiting the remote side
	stateClosedByRemote        // host delivered TCP_END; guest hasn't FIN'd yet
	stateClosed                // fully torn down, about to be removed from the flow table
)

// TCPFlow is the guest-visible half of one TCP connection: sequence number
// bookkeeping for the synthetic segments the stack sends the guest. The
// real socket and its state live on the host side as a TcpSession,
// correlated only by FlowKey (spec §9, "ownership by key").
type TCPFlow struct {
	key   FlowKey
	state int

	guestNext uint32 // next sequence number expected from the guest (our ack value)
	localNext uint32 // next sequence number this stack will use when sending
}

func newTCPFlow(key FlowKey, guestISN uint32) *TCPFlow {
	return &TCPFlow{
		key:       key,
		state:     stateConnecting,
		guestNext: guestISN + 1,
		localNext: rand.Uint32(),
	}
}

// handleTCPSegment parses an incoming TCP segment from the guest and
// dispatches it by flow state (spec §4.3).
func (s *Stack) handleTCPSegment(ip *layers.IPv4) {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable TCP segment")
		return
	}

	key := NewFlowKey(ProtoTCP, ip.SrcIP, uint16(tcp.SrcPort), ip.DstIP, uint16(tcp.DstPort))

	s.mu.Lock()
	flow, exists := s.flows[key]
	s.mu.Unlock()

	if !exists {
		if tcp.SYN && !tcp.ACK {
			s.beginTCPConnect(key, &tcp)
			return
		}
		// A non-SYN segment for an unknown flow (spec §7 class 2): answer
		// RST, no flow created.
		s.sendRSTForUnknownFlow(key, &tcp)
		return
	}
	s.continueTCPFlow(flow, &tcp)
}

// sendRSTForUnknownFlow answers a segment that doesn't belong to any known
// flow and isn't a bare SYN (spec §7 class 2). Follows RFC 793's reset
// generation rule: if the incoming segment is itself an ACK, the reset's
// sequence number is that ACK value; otherwise the reset is an ACK whose ack
// number covers the incoming segment's length (treating SYN/FIN as
// consuming one sequence number each).
func (s *Stack) sendRSTForUnknownFlow(key FlowKey, in *layers.TCP) {
	var tcp *layers.TCP
	if in.ACK {
		tcp = &layers.TCP{
			SrcPort: layers.TCPPort(key.DstPort),
			DstPort: layers.TCPPort(key.SrcPort),
			Seq:     in.Ack,
			RST:     true,
			Window:  AdvertisedWindow,
		}
	} else {
		segLen := uint32(len(in.Payload))
		if in.FIN {
			segLen++
		}
		tcp = &layers.TCP{
			SrcPort: layers.TCPPort(key.DstPort),
			DstPort: layers.TCPPort(key.SrcPort),
			Ack:     in.Seq + segLen,
			RST:     true,
			ACK:     true,
			Window:  AdvertisedWindow,
		}
	}
	ip := newReplyIPv4Header(layers.IPProtocolTCP, key.DstAddr(), key.SrcAddr())
	tcp.SetNetworkLayerForChecksum(ip)

	frame, err := s.serializeToGuest(ip, tcp, nil)
	if err != nil {
		log.WithError(err).Error("failed to serialize RST segment")
		return
	}
	s.emitFrame(key, frame)
}

// beginTCPConnect records the new flow in stateConnecting and asks the host
// reactor to dial the real destination; the guest gets no reply until the
// host resolves tcp-connect into TCP_CONNECTED or TCP_ERROR.
func (s *Stack) beginTCPConnect(key FlowKey, tcp *layers.TCP) {
	flow := newTCPFlow(key, tcp.Seq)
	s.mu.Lock()
	s.flows[key] = flow
	s.mu.Unlock()
	s.out.Send(control.Connect(key.String()))
}

func (s *Stack) continueTCPFlow(flow *TCPFlow, tcp *layers.TCP) {
	switch flow.state {
	case stateConnecting:
		// Stray retransmit of the original SYN, or data arriving before
		// the host has finished connecting: nothing to do yet.
		return
	case stateClosed:
		return
	}

	if len(tcp.Payload) > 0 {
		flow.guestNext += uint32(len(tcp.Payload))
		s.out.Send(control.Send(control.TCPSend, flow.key.String(), tcp.Payload))
		s.ackGuest(flow)
	}

	if tcp.FIN {
		flow.guestNext++
		s.ackGuest(flow)
		switch flow.state {
		case stateEstablished:
			flow.state = stateFinWait
			s.out.Send(control.Close(flow.key.String(), false))
		case stateClosedByRemote:
			s.removeFlow(flow.key)
			flow.state = stateClosed
		}
	}

	if tcp.RST {
		s.removeFlow(flow.key)
		flow.state = stateClosed
	}
}

// onTCPConnected completes the handshake: a SYN-ACK is synthesized for the
// guest using the local ISN picked when the flow was created (newTCPFlow).
func (s *Stack) onTCPConnected(keyStr string) {
	key, err := ParseFlowKey(keyStr)
	if err != nil {
		log.WithError(err).Warn("malformed key in TCP_CONNECTED")
		return
	}
	s.mu.Lock()
	flow, ok := s.flows[key]
	s.mu.Unlock()
	if !ok || flow.state != stateConnecting {
		return
	}
	flow.state = stateEstablished
	s.sendSegment(flow, tcpFlags{syn: true, ack: true}, nil)
	flow.localNext++
}

// onTCPData segments data arriving from the real destination into
// MSS-sized TCP segments addressed to the guest (spec §4.3).
func (s *Stack) onTCPData(keyStr string, data []byte) {
	key, err := ParseFlowKey(keyStr)
	if err != nil {
		log.WithError(err).Warn("malformed key in TCP_DATA")
		return
	}
	s.mu.Lock()
	flow, ok := s.flows[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	if len(data) == 0 {
		// Zero-byte TCP_DATA is legal and produces a pure-ACK segment
		// (spec §8).
		s.sendSegment(flow, tcpFlags{ack: true}, nil)
		s.maybePause(key)
		return
	}
	for len(data) > 0 {
		chunk := data
		if len(chunk) > MSS {
			chunk = chunk[:MSS]
		}
		data = data[len(chunk):]
		// PSH only on the last segment of this batch, ACK-only on the rest
		// (spec.md:177).
		s.sendSegment(flow, tcpFlags{ack: true, psh: len(data) == 0}, chunk)
		flow.localNext += uint32(len(chunk))
	}
	s.maybePause(key)
}

// onTCPEnd synthesizes the guest-visible FIN for a remote close. Ordering
// with onTCPData is guaranteed by the reactor (spec §4.4: data before
// TCP_END on the same flow), and within the stack both land through the
// same single-threaded HandleRingRecord dispatch.
func (s *Stack) onTCPEnd(keyStr string) {
	key, err := ParseFlowKey(keyStr)
	if err != nil {
		log.WithError(err).Warn("malformed key in TCP_END")
		return
	}
	s.mu.Lock()
	flow, ok := s.flows[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sendSegment(flow, tcpFlags{ack: true, fin: true}, nil)
	flow.localNext++
	if flow.state == stateFinWait {
		s.removeFlow(key)
		flow.state = stateClosed
		return
	}
	flow.state = stateClosedByRemote
}

// onTCPError answers a failed tcp-connect with a guest-visible RST instead
// of the SYN-ACK the guest is waiting for (spec §4.4, §7).
func (s *Stack) onTCPError(keyStr, _ string) {
	key, err := ParseFlowKey(keyStr)
	if err != nil {
		log.WithError(err).Warn("malformed key in TCP_ERROR")
		return
	}
	s.mu.Lock()
	flow, ok := s.flows[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sendSegment(flow, tcpFlags{ack: true, rst: true}, nil)
	s.removeFlow(key)
	flow.state = stateClosed
}

// onTCPClose tears the flow down without a further reply: the host has
// already told the guest everything it needs to know via TCP_END/TCP_ERROR,
// or the guest itself asked to abort.
func (s *Stack) onTCPClose(keyStr string) {
	key, err := ParseFlowKey(keyStr)
	if err != nil {
		log.WithError(err).Warn("malformed key in TCP_CLOSE")
		return
	}
	s.removeFlow(key)
}

func (s *Stack) removeFlow(key FlowKey) {
	s.mu.Lock()
	delete(s.flows, key)
	s.mu.Unlock()
}

func (s *Stack) ackGuest(flow *TCPFlow) {
	s.sendSegment(flow, tcpFlags{ack: true}, nil)
}

type tcpFlags struct {
	syn, ack, fin, rst, psh bool
}

// sendSegment builds and enqueues one TCP segment addressed to the guest,
// with the checksum computed over the IPv4 pseudo-header (spec §8:
// "Synthesized packets, when checksummed, must verify to zero").
func (s *Stack) sendSegment(flow *TCPFlow, flags tcpFlags, payload []byte) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(flow.key.DstPort),
		DstPort: layers.TCPPort(flow.key.SrcPort),
		Seq:     flow.localNext,
		Ack:     flow.guestNext,
		SYN:     flags.syn,
		ACK:     flags.ack,
		FIN:     flags.fin,
		RST:     flags.rst,
		PSH:     flags.psh,
		Window:  AdvertisedWindow,
	}
	ip := newReplyIPv4Header(layers.IPProtocolTCP, flow.key.DstAddr(), flow.key.SrcAddr())
	tcp.SetNetworkLayerForChecksum(ip)

	frame, err := s.serializeToGuest(ip, tcp, payload)
	if err != nil {
		log.WithError(err).Error("failed to serialize TCP segment")
		return
	}
	s.emitFrame(flow.key, frame)
}

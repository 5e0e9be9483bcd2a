package netstack

import (
	"net"
	"sync"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "netstack")

// PauseHighWater / PauseLowWater are the guest TX buffer thresholds that
// drive tcp-pause / tcp-resume signalling per flow (spec §4.4).
const (
	PauseHighWater = 256 * 1024
	PauseLowWater  = 64 * 1024
)

// Config configures a Stack instance.
type Config struct {
	// GuestMAC is the pre-configured virtual NIC address of the guest. The
	// spec's "sometimes learned from the first frame" behavior is not
	// implemented: the pre-configured MAC always wins (spec §9 Open
	// Questions).
	GuestMAC net.HardwareAddr
	// GatewayMAC is the synthetic MAC used for the virtual gateway/DHCP
	// server. If nil, a fixed default is used.
	GatewayMAC net.HardwareAddr
}

// Stack terminates the guest's virtual NIC: it demultiplexes Ethernet/IPv4
// frames arriving from the guest, implements ARP/ICMP/DHCP locally, and
// drives per-flow TCP/UDP state, emitting control.Message events for
// anything that needs a real OS socket (spec §4.3).
type Stack struct {
	guestMAC   net.HardwareAddr
	gatewayMAC net.HardwareAddr

	deframer wire.Deframer
	tx       *txBuffer

	mu    sync.Mutex
	flows map[FlowKey]*TCPFlow

	dhcp *dhcpServer
	out  *control.Channel
}

// NewStack constructs a Stack. out is the control channel used to emit
// tcp-connect/tcp-send/tcp-close/tcp-pause/tcp-resume/udp-send events.
func NewStack(cfg Config, out *control.Channel) *Stack {
	gw := cfg.GatewayMAC
	if gw == nil {
		gw = defaultGatewayMAC()
	}
	return &Stack{
		guestMAC:   cfg.GuestMAC,
		gatewayMAC: gw,
		tx:         newTXBuffer(),
		flows:      make(map[FlowKey]*TCPFlow),
		dhcp:       newDHCPServer(gw),
		out:        out,
	}
}

// WriteGuestBytes is called by the syscall shim for every write(4): bytes
// the guest appended to its virtual NIC's outbound side. It feeds the
// QEMU-style deframer and processes every complete frame that results.
func (s *Stack) WriteGuestBytes(p []byte) {
	s.deframer.Write(p)
	for {
		frame, ok, err := s.deframer.Next()
		if err != nil {
			log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		if !ok {
			return
		}
		s.handleGuestFrame(frame)
	}
}

// ReadGuestBytes is called by the syscall shim for read(4)/recv(4): it
// drains queued outbound frames into p and returns how many bytes were
// copied, re-evaluating per-flow pause/resume thresholds as data drains.
func (s *Stack) ReadGuestBytes(p []byte) int {
	n, drained := s.tx.Read(p)
	for key := range drained {
		s.maybeResume(key)
	}
	return n
}

// HasOutboundFrames reports whether fd 4 is readable because the stack has
// queued frames for the guest (spec §4.2 poll contract, condition (b)).
func (s *Stack) HasOutboundFrames() bool {
	return s.tx.HasFrames()
}

// HasObservedFIN reports whether any live flow is half-closed: either the
// guest has sent FIN and the remote side has not ended yet, or the remote
// side has ended and the guest has not sent FIN yet (spec §4.2 poll
// contract, condition (c)).
func (s *Stack) HasObservedFIN() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flows {
		if f.state == stateFinWait || f.state == stateClosedByRemote {
			return true
		}
	}
	return false
}

func (s *Stack) handleGuestFrame(frame []byte) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		log.WithError(err).Debug("dropping unparseable ethernet frame")
		return
	}
	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		s.handleARPFrame(eth.Payload)
	case layers.EthernetTypeIPv4:
		s.handleIPv4Frame(eth.Payload)
	default:
		// Protocol-input error: unsupported ethertype, dropped silently
		// (spec §7 class 1).
	}
}

// HandleRingRecord interprets a record the shim read out of the shared
// memory ring (originating from the host reactor) and synthesizes the
// corresponding guest-bound frame(s).
func (s *Stack) HandleRingRecord(typ wire.RecordType, payload []byte) {
	switch typ {
	case wire.TCPConnected:
		key, err := wire.DecodeKeyOnly(payload)
		if err != nil {
			log.WithError(err).Warn("malformed TCP_CONNECTED record")
			return
		}
		s.onTCPConnected(key)
	case wire.TCPData:
		key, data, err := wire.DecodeTCPData(payload)
		if err != nil {
			log.WithError(err).Warn("malformed TCP_DATA record")
			return
		}
		s.onTCPData(key, data)
	case wire.TCPEnd:
		key, err := wire.DecodeKeyOnly(payload)
		if err != nil {
			log.WithError(err).Warn("malformed TCP_END record")
			return
		}
		s.onTCPEnd(key)
	case wire.TCPError:
		key, msg, err := wire.DecodeTCPError(payload)
		if err != nil {
			log.WithError(err).Warn("malformed TCP_ERROR record")
			return
		}
		s.onTCPError(key, msg)
	case wire.TCPClose:
		key, err := wire.DecodeKeyOnly(payload)
		if err != nil {
			log.WithError(err).Warn("malformed TCP_CLOSE record")
			return
		}
		s.onTCPClose(key)
	case wire.UDPRecv:
		p, err := wire.DecodeUDPRecv(payload)
		if err != nil {
			log.WithError(err).Warn("malformed UDP_RECV record")
			return
		}
		s.onUDPRecv(p)
	default:
		log.Warnf("unknown ring record type %d", uint8(typ))
	}
}

func (s *Stack) emitFrame(key FlowKey, frame []byte) {
	s.tx.Enqueue(key, wire.EncodeFrame(frame))
}

func (s *Stack) maybePause(key FlowKey) {
	if s.tx.FlowBacklog(key) > PauseHighWater {
		s.out.Send(control.Pause(key.String()))
	}
}

func (s *Stack) maybeResume(key FlowKey) {
	if s.tx.FlowBacklog(key) < PauseLowWater {
		s.out.Send(control.Resume(key.String()))
	}
}

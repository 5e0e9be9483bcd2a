package reactor

import (
	"net"
	"strconv"
	"time"

	"github.com/edgevm/vmnet/pkg/netstack"
	"github.com/edgevm/vmnet/pkg/wire"
)

// UdpSession is the host-side half of one UDP 5-tuple: a connected UDP
// socket plus an idle timestamp, since UDP has no close handshake to key
// session teardown off (spec §4.4).
type UdpSession struct {
	key        string
	conn       *net.UDPConn
	remoteIP   string
	remotePort uint16
	lastActive time.Time
}

// handleUDPSend finds or creates the UdpSession for key and forwards a
// datagram. A new session dials immediately and starts a reader goroutine;
// the dial happens synchronously on the reactor goroutine since UDP
// "connect" never blocks on the network.
func (r *Reactor) handleUDPSend(key string, data []byte) {
	s, ok := r.udp[key]
	if !ok {
		fk, err := netstack.ParseFlowKey(key)
		if err != nil {
			log.WithError(err).Warn("malformed key in udp-send")
			return
		}
		dialAddr := net.JoinHostPort(translateDestination(fk.DstAddr().String()), strconv.Itoa(int(fk.DstPort)))
		conn, err := net.Dial("udp", dialAddr)
		if err != nil {
			log.WithError(err).Debug("udp dial failed")
			return
		}
		udpConn, ok := conn.(*net.UDPConn)
		if !ok {
			conn.Close()
			return
		}
		s = &UdpSession{key: key, conn: udpConn, remoteIP: fk.DstAddr().String(), remotePort: fk.DstPort, lastActive: time.Now()}
		r.udp[key] = s
		if r.metrics != nil {
			r.metrics.SessionOpened("udp", key)
		}
		go s.readLoop(r)
	}
	s.lastActive = time.Now()
	if _, err := s.conn.Write(data); err != nil {
		log.WithError(err).Debug("udp write failed")
		return
	}
	if r.metrics != nil {
		r.metrics.BytesSent("udp", key, len(data))
	}
}

// readLoop reads datagrams back from the real socket and hands them to the
// reactor's single dispatch loop as UDP_RECV events.
func (s *UdpSession) readLoop(r *Reactor) {
	buf := make([]byte, 65536)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		payload, encErr := wire.EncodeUDPRecv(wire.UDPRecvPayload{
			SrcIP:   s.remoteIP,
			SrcPort: s.remotePort,
			DstIP:   netstack.GuestIP.String(),
			DstPort: localPortOf(s.key),
			Data:    append([]byte(nil), buf[:n]...),
		})
		if encErr != nil {
			log.WithError(encErr).Error("failed to encode UDP_RECV")
			continue
		}
		r.events <- sessionEvent{key: s.key, kind: wire.UDPRecv, payload: payload}
	}
}

// reapIdleUDP closes and forgets UdpSessions that have carried no traffic
// for the configured idle timeout (spec §4.4).
func (r *Reactor) reapIdleUDP() {
	cutoff := time.Now().Add(-r.cfg.UDPIdleTimeout)
	for key, s := range r.udp {
		if s.lastActive.Before(cutoff) {
			s.conn.Close()
			delete(r.udp, key)
			if r.metrics != nil {
				r.metrics.SessionClosed("udp", key)
			}
		}
	}
}

func localPortOf(key string) uint16 {
	fk, err := netstack.ParseFlowKey(key)
	if err != nil {
		return 0
	}
	return fk.SrcPort
}

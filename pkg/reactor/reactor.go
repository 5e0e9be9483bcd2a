// Package reactor is the host side of the NAT: it consumes control.Message
// events produced by the guest's virtual network stack, drives real OS
// sockets on the guest's behalf, and writes the results back onto the
// shared-memory ring as TCP_*/UDP_RECV records (spec §4.4).
package reactor

import (
	"net"
	"time"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/netstack"
	"github.com/edgevm/vmnet/pkg/sharedmem"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("component", "reactor")

// Config configures a Reactor. Zero values are replaced by sane defaults in
// withDefaults.
type Config struct {
	// RateLimit / RateBurst cap per-flow delivery throughput from the real
	// socket to the guest (spec §4.4).
	RateLimit rate.Limit
	RateBurst int
	// DialTimeout bounds a tcp-connect attempt.
	DialTimeout time.Duration
	// UDPIdleTimeout reaps a UdpSession that has carried no traffic for
	// this long.
	UDPIdleTimeout time.Duration
	// RetryInterval is how often a ring write that failed for lack of
	// space is retried (spec §4.4, "ring pressure").
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit == 0 {
		c.RateLimit = 8 << 20 // 8 MiB/s per flow
	}
	if c.RateBurst == 0 {
		c.RateBurst = 1 << 20
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.UDPIdleTimeout == 0 {
		c.UDPIdleTimeout = 60 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Millisecond
	}
	return c
}

// MetricsSink receives reactor session-lifecycle events for external
// observability (spec §7). A nil sink is valid; Reactor checks before every
// call, so metrics collection is opt-in.
type MetricsSink interface {
	SessionOpened(proto, key string)
	SessionClosed(proto, key string)
	BytesSent(proto, key string, n int)
	BytesReceived(proto, key string, n int)
	Paused(proto, key, cause string)
	Resumed(proto, key, cause string)
	ConnectFailed(proto, key string)
}

// TCPInfoSink is an optional extension of MetricsSink: a sink that also
// implements it is offered the live socket for deep TCP_INFO sampling
// (spec §7), registered/deregistered alongside the session's own lifecycle.
// A MetricsSink that doesn't implement it simply forgoes per-connection
// sampling (e.g. on platforms without TCP_INFO).
type TCPInfoSink interface {
	Add(key string, conn net.Conn, labels []string)
	Remove(key string)
}

// sessionEvent is how per-session reader goroutines hand data back to the
// single-threaded dispatch loop in Run, which is the only goroutine allowed
// to touch the shared-memory ring (spec §5).
type sessionEvent struct {
	key     string
	kind    wire.RecordType
	payload []byte
	errMsg  string
	session *TcpSession // set only on a TCPConnected event, registered by dispatchSessionEvent
}

type pendingWrite struct {
	typ     wire.RecordType
	payload []byte
	session *TcpSession
}

// Reactor is the host-side socket multiplexer.
type Reactor struct {
	cfg     Config
	in      *control.Channel
	ring    *sharedmem.Region
	metrics MetricsSink

	tcp map[string]*TcpSession
	udp map[string]*UdpSession

	events  chan sessionEvent
	pending []pendingWrite
}

// NewReactor builds a Reactor. in is the channel the guest's network stack
// sends control.Message events on; ring is where TCP_*/UDP_RECV records are
// written for the guest to read back via fd 4.
func NewReactor(cfg Config, in *control.Channel, ring *sharedmem.Region, metrics MetricsSink) *Reactor {
	return &Reactor{
		cfg:     cfg.withDefaults(),
		in:      in,
		ring:    ring,
		metrics: metrics,
		tcp:     make(map[string]*TcpSession),
		udp:     make(map[string]*UdpSession),
		events:  make(chan sessionEvent, 256),
	}
}

// Run drives the dispatch loop until the control channel is closed. It is
// the only goroutine that ever calls ring.WriteMessage or mutates session
// maps; per-session reader goroutines only ever send on r.events.
func (r *Reactor) Run() {
	retry := time.NewTicker(r.cfg.RetryInterval)
	defer retry.Stop()
	idleCheck := time.NewTicker(r.cfg.UDPIdleTimeout / 4)
	defer idleCheck.Stop()

	for {
		select {
		case m, ok := <-r.in.Messages():
			if !ok {
				r.closeAll()
				return
			}
			r.dispatchControl(m)
		case ev := <-r.events:
			r.dispatchSessionEvent(ev)
		case <-retry.C:
			r.drainPending()
		case <-idleCheck.C:
			r.reapIdleUDP()
		}
	}
}

func (r *Reactor) dispatchControl(m control.Message) {
	switch m.Kind {
	case control.TCPConnect:
		r.handleTCPConnect(m.Key)
	case control.TCPSend:
		r.handleTCPSend(m.Key, m.Data)
	case control.TCPClose:
		r.handleTCPClose(m.Key, m.Destroy)
	case control.TCPPause:
		r.handleTCPPause(m.Key)
	case control.TCPResume:
		r.handleTCPResume(m.Key)
	case control.UDPSend:
		r.handleUDPSend(m.Key, m.Data)
	default:
		log.Warnf("unknown control message kind %v", m.Kind)
	}
}

func (r *Reactor) dispatchSessionEvent(ev sessionEvent) {
	switch ev.kind {
	case wire.TCPConnected:
		r.registerTCPSession(ev.key, ev.session)
		r.emitForSession(r.tcp[ev.key], wire.TCPConnected, wire.EncodeKeyOnly(ev.key))
	case wire.TCPData:
		if s := r.tcp[ev.key]; s != nil && r.metrics != nil {
			r.metrics.BytesReceived("tcp", ev.key, len(ev.payload))
		}
		payload, err := wire.EncodeTCPData(ev.key, ev.payload)
		if err != nil {
			log.WithError(err).Error("failed to encode TCP_DATA")
			return
		}
		r.emitForSession(r.tcp[ev.key], wire.TCPData, payload)
	case wire.TCPEnd:
		r.emitForSession(r.tcp[ev.key], wire.TCPEnd, wire.EncodeKeyOnly(ev.key))
	case wire.TCPError:
		payload, err := wire.EncodeTCPError(ev.key, ev.errMsg)
		if err != nil {
			log.WithError(err).Error("failed to encode TCP_ERROR")
			return
		}
		if r.metrics != nil {
			r.metrics.ConnectFailed("tcp", ev.key)
			if sink, ok := r.metrics.(TCPInfoSink); ok {
				sink.Remove(ev.key)
			}
		}
		r.emitForSession(r.tcp[ev.key], wire.TCPError, payload)
		delete(r.tcp, ev.key)
	case wire.UDPRecv:
		if r.metrics != nil {
			r.metrics.BytesReceived("udp", ev.key, len(ev.payload))
		}
		r.emitForSession(nil, wire.UDPRecv, ev.payload)
	}
}

// emitForSession writes one ring record; if the ring has no space, or this
// session already has an earlier record queued from a prior backpressure
// event, it queues the write for retry and pauses the owning session's
// reader (the "ring" cause in the tri-cause pause composition) until it
// flushes (spec §4.4). The already-queued check is required even when the
// ring has space: skipping it would let a later, smaller record (e.g. a
// TCP_END) overtake an earlier one (e.g. a TCP_DATA) still sitting in
// r.pending, reordering bytes/FIN on the wire (spec §5/§8).
func (r *Reactor) emitForSession(s *TcpSession, typ wire.RecordType, payload []byte) {
	if s != nil && r.hasPending(s) {
		r.pending = append(r.pending, pendingWrite{typ: typ, payload: payload, session: s})
		return
	}
	if r.ring.WriteMessage(typ, payload) {
		return
	}
	if s != nil {
		s.setPause(causeRing)
	}
	r.pending = append(r.pending, pendingWrite{typ: typ, payload: payload, session: s})
}

// hasPending reports whether s already has a record queued in r.pending.
func (r *Reactor) hasPending(s *TcpSession) bool {
	for _, pw := range r.pending {
		if pw.session == s {
			return true
		}
	}
	return false
}

func (r *Reactor) drainPending() {
	i := 0
	for ; i < len(r.pending); i++ {
		pw := r.pending[i]
		if !r.ring.WriteMessage(pw.typ, pw.payload) {
			break
		}
		if pw.session != nil {
			pw.session.clearPause(causeRing)
		}
	}
	r.pending = r.pending[i:]
}

func (r *Reactor) closeAll() {
	for _, s := range r.tcp {
		s.conn.Close()
	}
	for _, u := range r.udp {
		u.conn.Close()
	}
}

// translateDestination maps the synthetic gateway address to the host's
// own loopback interface, so services the host exposes on 127.0.0.1 are
// reachable by the guest by dialing the gateway IP (spec §9).
func translateDestination(ip string) string {
	if ip == netstack.GatewayIP.String() {
		return "127.0.0.1"
	}
	return ip
}

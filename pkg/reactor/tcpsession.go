package reactor

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgevm/vmnet/pkg/netstack"
	"github.com/edgevm/vmnet/pkg/wire"
	"golang.org/x/time/rate"
)

// pauseCause identifies which of the three independent reasons a
// TcpSession's reader is currently paused (spec §4.4): the guest's own
// receive buffer is full (causeFlow), this session is over its rate cap
// (causeRate), or the shared-memory ring has no space (causeRing). The
// reader only resumes once every bit clears.
type pauseCause uint8

const (
	causeFlow pauseCause = 1 << iota
	causeRate
	causeRing
)

func (c pauseCause) String() string {
	var parts []string
	if c&causeFlow != 0 {
		parts = append(parts, "flow")
	}
	if c&causeRate != 0 {
		parts = append(parts, "rate")
	}
	if c&causeRing != 0 {
		parts = append(parts, "ring")
	}
	if len(parts) == 0 {
		return "none"
	}
	s := parts[0]
	for _, p := range parts[1:] {
		s += "+" + p
	}
	return s
}

// TcpSession is the host-side half of one TCP flow: a real socket plus the
// bookkeeping needed to translate it into TCP_CONNECTED/TCP_DATA/TCP_END/
// TCP_ERROR records. It is correlated with the guest-side TCPFlow only by
// FlowKey string (spec §9, "ownership by key"), never by pointer.
type TcpSession struct {
	key     string
	conn    *instrumentedConn
	limiter *rate.Limiter

	mu        sync.Mutex
	pauseBits pauseCause
	resumeCh  chan struct{}
}

func newTcpSession(key string, conn *instrumentedConn, limiter *rate.Limiter) *TcpSession {
	return &TcpSession{
		key:      key,
		conn:     conn,
		limiter:  limiter,
		resumeCh: make(chan struct{}),
	}
}

func (s *TcpSession) waitUnpaused() {
	for {
		s.mu.Lock()
		if s.pauseBits == 0 {
			s.mu.Unlock()
			return
		}
		ch := s.resumeCh
		s.mu.Unlock()
		<-ch
	}
}

func (s *TcpSession) setPause(cause pauseCause) {
	s.mu.Lock()
	s.pauseBits |= cause
	s.mu.Unlock()
}

func (s *TcpSession) clearPause(cause pauseCause) {
	s.mu.Lock()
	s.pauseBits &^= cause
	if s.pauseBits == 0 {
		close(s.resumeCh)
		s.resumeCh = make(chan struct{})
	}
	s.mu.Unlock()
}

// handleTCPConnect dials the real destination and, on success, emits
// TCP_CONNECTED and starts the session's reader goroutine. Failure emits
// TCP_ERROR instead, which the guest's network stack turns into a RST
// (spec §4.4, §7).
func (r *Reactor) handleTCPConnect(key string) {
	fk, err := netstack.ParseFlowKey(key)
	if err != nil {
		log.WithError(err).Warn("malformed key in tcp-connect")
		return
	}
	dialAddr := net.JoinHostPort(translateDestination(fk.DstAddr().String()), strconv.Itoa(int(fk.DstPort)))

	go func() {
		conn, err := net.DialTimeout("tcp", dialAddr, r.cfg.DialTimeout)
		if err != nil {
			r.events <- sessionEvent{key: key, kind: wire.TCPError, errMsg: err.Error()}
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}
		ic := wrapConn(conn, key)
		limiter := rate.NewLimiter(r.cfg.RateLimit, r.cfg.RateBurst)
		s := newTcpSession(key, ic, limiter)
		r.events <- sessionEvent{key: key, kind: wire.TCPConnected, session: s}
	}()
}

// registerTCPSession is called only from dispatchSessionEvent on the Run
// goroutine, keeping r.tcp mutation single-threaded even though the session
// itself was constructed on the dialing goroutine.
func (r *Reactor) registerTCPSession(key string, s *TcpSession) {
	r.tcp[key] = s
	if r.metrics != nil {
		r.metrics.SessionOpened("tcp", key)
		if sink, ok := r.metrics.(TCPInfoSink); ok {
			sink.Add(key, s.conn, []string{key})
		}
	}
	go s.readLoop(r)
}

func (r *Reactor) handleTCPSend(key string, data []byte) {
	s := r.tcp[key]
	if s == nil {
		return
	}
	n, err := s.conn.Write(data)
	if r.metrics != nil {
		r.metrics.BytesSent("tcp", key, n)
	}
	if err != nil {
		r.events <- sessionEvent{key: key, kind: wire.TCPError, errMsg: err.Error()}
	}
}

func (r *Reactor) handleTCPClose(key string, destroy bool) {
	s := r.tcp[key]
	if s == nil {
		return
	}
	delete(r.tcp, key)
	if r.metrics != nil {
		r.metrics.SessionClosed("tcp", key)
		if sink, ok := r.metrics.(TCPInfoSink); ok {
			sink.Remove(key)
		}
	}
	if destroy {
		if tcpConn, ok := s.conn.Conn.(*net.TCPConn); ok {
			tcpConn.SetLinger(0)
		}
	}
	s.conn.Close()
}

func (r *Reactor) handleTCPPause(key string) {
	if s := r.tcp[key]; s != nil {
		s.setPause(causeFlow)
		if r.metrics != nil {
			r.metrics.Paused("tcp", key, "flow")
		}
	}
}

func (r *Reactor) handleTCPResume(key string) {
	if s := r.tcp[key]; s != nil {
		s.clearPause(causeFlow)
		if r.metrics != nil {
			r.metrics.Resumed("tcp", key, "flow")
		}
	}
}

// readLoop continuously reads from the real socket and hands data back to
// the reactor's single dispatch loop, respecting all three pause causes and
// the per-session rate limit (spec §4.4).
func (s *TcpSession) readLoop(r *Reactor) {
	buf := make([]byte, 32*1024)
	for {
		s.waitUnpaused()

		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			res := s.limiter.ReserveN(time.Now(), n)
			if delay := res.Delay(); delay > 0 {
				s.setPause(causeRate)
				time.AfterFunc(delay, func() { s.clearPause(causeRate) })
			}
			r.events <- sessionEvent{key: s.key, kind: wire.TCPData, payload: chunk}
		}
		if err != nil {
			if err == io.EOF {
				r.events <- sessionEvent{key: s.key, kind: wire.TCPEnd}
			} else {
				r.events <- sessionEvent{key: s.key, kind: wire.TCPError, errMsg: err.Error()}
			}
			return
		}
	}
}

package reactor

import (
	"net"
	"time"

	"github.com/edgevm/vmnet/pkg/tcpinfo"
)

// connState identifies which half of an instrumentedConn's lifecycle a
// report covers.
type connState int

const (
	connOpened connState = iota
	connClosed
)

// instrumentedConn wraps a real socket with the byte/timing bookkeeping and
// optional TCP_INFO sampling a NAT session needs for health reporting
// (spec §7). TCP_INFO is sampled once on open and once on close rather than
// per-packet, since the reactor's Prometheus counters (pkg/metrics) already
// track live byte throughput.
type instrumentedConn struct {
	net.Conn
	key string

	openedAt time.Time
	closedAt time.Time

	rxBytes, txBytes int64
	rxErr, txErr     error

	supportsInfo bool
	openedInfo   *tcpinfo.Info
	closedInfo   *tcpinfo.Info
	infoErr      error
}

// wrapConn instruments ncon for session key. The returned value's Close
// samples TCP_INFO a second time before delegating to the underlying
// connection's Close, so a caller never needs a separate "report on close"
// step.
func wrapConn(ncon net.Conn, key string) *instrumentedConn {
	w := &instrumentedConn{
		Conn:         ncon,
		key:          key,
		openedAt:     time.Now(),
		supportsInfo: tcpinfo.Supported(),
	}
	w.sample(connOpened)
	return w
}

func (w *instrumentedConn) sample(state connState) {
	if !w.supportsInfo || w.infoErr != nil {
		return
	}
	tcpConn, ok := w.Conn.(*net.TCPConn)
	if !ok {
		return
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	var sysInfo *tcpinfo.SysInfo
	if err := rawConn.Control(func(fd uintptr) {
		sysInfo, err = tcpinfo.GetTCPInfo(fd)
	}); err != nil {
		w.infoErr = err
		return
	}
	if state == connOpened {
		w.openedInfo = sysInfo.ToInfo()
		return
	}
	w.closedInfo = sysInfo.ToInfo()
}

func (w *instrumentedConn) Read(b []byte) (int, error) {
	n, err := w.Conn.Read(b)
	w.rxBytes += int64(n)
	if netErr, ok := err.(net.Error); ok && !netErr.Timeout() {
		w.rxErr = err
	}
	return n, err
}

func (w *instrumentedConn) Write(b []byte) (int, error) {
	n, err := w.Conn.Write(b)
	w.txBytes += int64(n)
	if netErr, ok := err.(net.Error); ok && !netErr.Timeout() {
		w.txErr = err
	}
	return n, err
}

// Close samples closing TCP_INFO, logs a session summary at debug level,
// and closes the underlying connection.
func (w *instrumentedConn) Close() error {
	w.closedAt = time.Now()
	w.sample(connClosed)
	fields := log.WithField("key", w.key).WithField("rxBytes", w.rxBytes).WithField("txBytes", w.txBytes)
	if w.openedInfo != nil && w.openedInfo.Retransmits > 0 {
		fields = fields.WithField("openRetransmits", w.openedInfo.Retransmits)
	}
	if w.closedInfo != nil && w.closedInfo.Retransmits > 0 {
		fields = fields.WithField("closeRetransmits", w.closedInfo.Retransmits)
	}
	fields.Debug("tcp session closed")
	return w.Conn.Close()
}

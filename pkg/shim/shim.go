// Package shim implements the guest-facing syscall shim of spec.md §4.2: a
// fixed fd table (0..4) and a bounded-wait polling contract, presented to
// the guest worker as ordinary read/write/poll calls that happen to be
// backed by the shared-memory transport and the network stack rather than a
// real kernel.
package shim

import (
	"fmt"
	"time"

	"github.com/edgevm/vmnet/pkg/netstack"
	"github.com/edgevm/vmnet/pkg/sharedmem"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shim")

// Fixed fd numbers, per spec.md §4.2.
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
	FDListen = 3
	FDNet    = 4
)

// PollDirection identifies which half of a subscription's readiness to
// check.
type PollDirection uint8

const (
	PollRead PollDirection = iota
	PollWrite
)

// PollSub is one (fd, direction) subscription in a poll() call.
type PollSub struct {
	FD  int
	Dir PollDirection
}

// Callbacks delivers out-of-band stdout/stderr notifications, per spec.md
// §4.2's write(1|2) contract ("forward scatter buffers to host").
type Callbacks struct {
	Stdout func([]byte)
	Stderr func([]byte)
}

// Shim is the guest worker's only window onto the host: fd 0/1/2 route
// through the shared-memory stdin slot and the Callbacks, fd 3/4 present the
// virtual NIC as a one-shot accept followed by a QEMU-framed byte stream.
type Shim struct {
	region *sharedmem.Region
	stack  *netstack.Stack
	cb     Callbacks

	accepted bool
}

// New builds a Shim over region and stack, which must already be wired to
// the same control.Channel/reactor pairing.
func New(region *sharedmem.Region, stack *netstack.Stack, cb Callbacks) *Shim {
	return &Shim{region: region, stack: stack, cb: cb}
}

// Accept implements accept(3): it succeeds exactly once per lifetime of the
// connection (spec §4.2).
func (s *Shim) Accept() (fd int, err error) {
	if s.accepted {
		return -1, errWouldBlock
	}
	s.accepted = true
	return FDNet, nil
}

var errWouldBlock = fmt.Errorf("shim: would block")

// ErrWouldBlock is returned by Read/Accept when the call cannot complete
// without blocking and the caller asked for non-blocking semantics.
func ErrWouldBlock() error { return errWouldBlock }

// Read implements read(0) and recv(4)/read(4). fd 0 blocks (via WaitForIO)
// until the stdin slot has bytes; fd 4 is non-blocking and drains any
// pending ring records into the stack before returning.
func (s *Shim) Read(fd int, p []byte) (int, error) {
	switch fd {
	case FDStdin:
		return s.readStdin(p)
	case FDNet:
		s.drainRing()
		n := s.stack.ReadGuestBytes(p)
		if n == 0 {
			return 0, errWouldBlock
		}
		return n, nil
	default:
		log.Warnf("read on unsupported fd %d", fd)
		return 0, fmt.Errorf("shim: read: unsupported fd %d", fd)
	}
}

func (s *Shim) readStdin(p []byte) (int, error) {
	for {
		if data, ok := s.region.ReadStdin(); ok {
			return copy(p, data), nil
		}
		s.region.WaitForIO(10 * time.Millisecond)
	}
}

// Write implements write(1|2) and write(4).
func (s *Shim) Write(fd int, p []byte) (int, error) {
	switch fd {
	case FDStdout:
		if s.cb.Stdout != nil {
			s.cb.Stdout(append([]byte(nil), p...))
		}
		return len(p), nil
	case FDStderr:
		if s.cb.Stderr != nil {
			s.cb.Stderr(append([]byte(nil), p...))
		}
		return len(p), nil
	case FDNet:
		s.stack.WriteGuestBytes(p)
		return len(p), nil
	default:
		return 0, fmt.Errorf("shim: write: unsupported fd %d", fd)
	}
}

// drainRing interprets every net-ring record the host reactor has produced
// since the last drain, feeding the stack so its guest TX buffer and flow
// table stay current (spec §4.2's read(4) contract: "Drain ring; feed bytes
// produced by the network stack's guest-facing TX buffer").
func (s *Shim) drainRing() {
	for {
		typ, payload, ok := s.region.ReadMessage()
		if !ok {
			return
		}
		s.stack.HandleRingRecord(typ, payload)
	}
}

// readyNow computes immediate readiness for subs without sleeping.
func (s *Shim) readyNow(subs []PollSub) []PollSub {
	var ready []PollSub
	for _, sub := range subs {
		if s.isReady(sub) {
			ready = append(ready, sub)
		}
	}
	return ready
}

func (s *Shim) isReady(sub PollSub) bool {
	switch sub.FD {
	case FDStdin:
		return sub.Dir == PollRead && s.region.StdinOccupied()
	case FDListen:
		return sub.Dir == PollRead && !s.accepted
	case FDNet:
		if sub.Dir == PollWrite {
			return true
		}
		return s.stack.HasOutboundFrames() || s.stack.HasObservedFIN()
	default:
		return false
	}
}

// pollTick is the bounded sleep increment of the poll loop (spec §4.2: "in
// short increments (≤ 10 ms)").
const pollTick = 10 * time.Millisecond

// Poll implements the polling contract of spec.md §4.2: it returns
// immediately if any subscription is already satisfied, otherwise sleeps on
// the transport wake counter in ≤10ms increments up to timeout, draining the
// ring each iteration so inbound data can become visible without a
// dedicated thread. A zero or negative timeout polls once without sleeping.
func (s *Shim) Poll(subs []PollSub, timeout time.Duration) []PollSub {
	if ready := s.readyNow(subs); len(ready) > 0 {
		return ready
	}
	if timeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		wait := pollTick
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return nil
		}
		s.region.WaitForIO(wait)
		s.drainRing()
		if ready := s.readyNow(subs); len(ready) > 0 {
			return ready
		}
		if time.Now().After(deadline) {
			return nil
		}
	}
}

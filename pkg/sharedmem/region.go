// Package sharedmem implements the shared-memory transport between the host
// and the guest worker: a single-writer/single-reader stdin bounce buffer
// and a producer/consumer net-ring of typed records (spec §3, §4.1).
//
// In this Go rendition the "process-shared buffer" of the source spec is, by
// default, a byte slice shared between goroutines in one process (the guest
// worker and the host reactor are goroutines, not separate processes).
// NewFileBacked backs the two buffers with an mmap'd file instead; its header
// counters are still process-local, so it does not connect a guest running
// in a separate process.
package sharedmem

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/sirupsen/logrus"
)

const (
	// StdinSlotSize is the fixed capacity of the stdin bounce buffer.
	StdinSlotSize = 4096
	// NetRingSize is the fixed capacity of the net-ring circular buffer.
	NetRingSize = 1 << 20
)

var log = logrus.WithField("component", "sharedmem")

// Region is the shared-memory transport described in spec §3. All header
// fields are accessed with atomic load/store; loads use acquire semantics by
// convention (Go's memory model guarantees sequential consistency for
// atomics, which is strictly stronger than acquire/release, so this is safe
// under-spec).
type Region struct {
	ioReady uint32 // monotonic counter, sole wake primitive

	stdinFlag uint32
	stdinSize uint32
	stdinSlot []byte

	netHead uint32 // producer cursor (host writes)
	netTail uint32 // consumer cursor (guest writes)
	netRing []byte

	stopped uint32
	wake    chan struct{}
}

// NewRegion allocates an in-process shared region backed by plain Go slices.
func NewRegion() *Region {
	return &Region{
		stdinSlot: make([]byte, StdinSlotSize),
		netRing:   make([]byte, NetRingSize),
		wake:      make(chan struct{}, 1),
	}
}

// Stop marks the region as stopped; subsequent WriteStdin calls fail fast
// instead of spin-waiting forever.
func (r *Region) Stop() {
	atomic.StoreUint32(&r.stopped, 1)
	r.notify()
}

func (r *Region) stoppedNow() bool {
	return atomic.LoadUint32(&r.stopped) != 0
}

func (r *Region) bumpIoReady() {
	atomic.AddUint32(&r.ioReady, 1)
	r.notify()
}

func (r *Region) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ---- stdin slot ----

// WriteStdin delivers bytes to the guest's stdin. The host may call this at
// any time; it spin-waits with a short backoff until the slot is free, then
// copies up to StdinSlotSize bytes. Callers with more than StdinSlotSize
// bytes must chunk (spec §4.1). Returns an error only if the region has been
// stopped.
func (r *Region) WriteStdin(data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > StdinSlotSize {
			chunk = chunk[:StdinSlotSize]
		}
		if err := r.writeStdinChunk(chunk); err != nil {
			return err
		}
		data = data[len(chunk):]
	}
	return nil
}

func (r *Region) writeStdinChunk(chunk []byte) error {
	backoff := time.Microsecond
	for {
		if r.stoppedNow() {
			return fmt.Errorf("sharedmem: region stopped")
		}
		if atomic.LoadUint32(&r.stdinFlag) == 0 {
			break
		}
		time.Sleep(backoff)
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
	}
	copy(r.stdinSlot, chunk)
	atomic.StoreUint32(&r.stdinSize, uint32(len(chunk)))
	atomic.StoreUint32(&r.stdinFlag, 1)
	r.bumpIoReady()
	return nil
}

// ReadStdin is called by the guest reader. If the slot is empty it returns
// ok=false immediately (non-blocking); otherwise it copies out the bytes,
// clears the flag, and notifies so the next WriteStdin may proceed.
func (r *Region) ReadStdin() (data []byte, ok bool) {
	if atomic.LoadUint32(&r.stdinFlag) == 0 {
		return nil, false
	}
	n := atomic.LoadUint32(&r.stdinSize)
	out := make([]byte, n)
	copy(out, r.stdinSlot[:n])
	atomic.StoreUint32(&r.stdinFlag, 0)
	r.notify()
	return out, true
}

func (r *Region) stdinOccupied() bool {
	return atomic.LoadUint32(&r.stdinFlag) != 0
}

// StdinOccupied reports whether the stdin slot currently holds undelivered
// bytes, the fd-0 readability condition of the polling contract (spec §4.2).
func (r *Region) StdinOccupied() bool {
	return r.stdinOccupied()
}

// RingNonEmpty reports whether the net ring has at least one undelivered
// record, used by the guest-side poller to decide fd 4 readability.
func (r *Region) RingNonEmpty() bool {
	return r.ringNonEmpty()
}

// ---- net ring ----

// WriteMessage atomically appends one record to the ring. It returns
// ok=false without mutating any cursor if there is insufficient space
// (spec §4.1: "no-space without mutating cursors").
func (r *Region) WriteMessage(typ wire.RecordType, payload []byte) (ok bool) {
	if len(payload) > wire.MaxPayload {
		log.Errorf("dropping oversized record type=%s len=%d", typ, len(payload))
		return false
	}
	required := wire.HeaderSize + len(payload)

	head := atomic.LoadUint32(&r.netHead)
	tail := atomic.LoadUint32(&r.netTail)
	if r.availableSpace(head, tail) < required {
		return false
	}

	hdr := make([]byte, wire.HeaderSize)
	wire.EncodeHeader(hdr, len(payload), typ)
	r.writeRingBytes(head, hdr)
	r.writeRingBytes((head+uint32(wire.HeaderSize))%uint32(len(r.netRing)), payload)

	newHead := (head + uint32(required)) % uint32(len(r.netRing))
	atomic.StoreUint32(&r.netHead, newHead)
	r.bumpIoReady()
	return true
}

// ReadMessage consumes exactly one record, non-blocking. ok is false if the
// ring is empty.
func (r *Region) ReadMessage() (typ wire.RecordType, payload []byte, ok bool) {
	tail := atomic.LoadUint32(&r.netTail)
	head := atomic.LoadUint32(&r.netHead)
	if head == tail {
		return 0, nil, false
	}
	hdr := r.readRingBytes(tail, wire.HeaderSize)
	payloadLen, t := wire.DecodeHeader(hdr)
	payload = r.readRingBytes((tail+uint32(wire.HeaderSize))%uint32(len(r.netRing)), payloadLen)

	newTail := (tail + uint32(wire.HeaderSize+payloadLen)) % uint32(len(r.netRing))
	atomic.StoreUint32(&r.netTail, newTail)
	return t, payload, true
}

// availableSpace returns the number of bytes free for the producer, leaving
// one byte unused so that head==tail is unambiguously "empty"
// ((head+1) mod N == tail is "full", per spec §3).
func (r *Region) availableSpace(head, tail uint32) int {
	n := uint32(len(r.netRing))
	var used uint32
	if head >= tail {
		used = head - tail
	} else {
		used = n - tail + head
	}
	return int(n-used) - 1
}

func (r *Region) writeRingBytes(offset uint32, data []byte) {
	n := uint32(len(r.netRing))
	end := offset + uint32(len(data))
	if end <= n {
		copy(r.netRing[offset:end], data)
		return
	}
	first := n - offset
	copy(r.netRing[offset:], data[:first])
	copy(r.netRing[:end-n], data[first:])
}

func (r *Region) readRingBytes(offset uint32, length int) []byte {
	out := make([]byte, length)
	n := uint32(len(r.netRing))
	end := offset + uint32(length)
	if end <= n {
		copy(out, r.netRing[offset:end])
		return out
	}
	first := n - offset
	copy(out, r.netRing[offset:])
	copy(out[first:], r.netRing[:end-n])
	return out
}

// ---- wake primitive ----

// WaitForIO blocks until stdin or the ring has a pending event, or timeout
// elapses. It returns true if an event is (or becomes) ready. io_ready is
// the sole wake primitive: a waiter that observed value v and missed an
// event observes v+1 on its next load (spec §3).
func (r *Region) WaitForIO(timeout time.Duration) bool {
	v := atomic.LoadUint32(&r.ioReady)
	if r.stdinOccupied() || r.ringNonEmpty() {
		return true
	}
	select {
	case <-r.wake:
		return true
	case <-time.After(timeout):
		return atomic.LoadUint32(&r.ioReady) != v
	}
}

func (r *Region) ringNonEmpty() bool {
	return atomic.LoadUint32(&r.netHead) != atomic.LoadUint32(&r.netTail)
}

// IOReady returns the current value of the monotonic wake counter, mostly
// useful for tests.
func (r *Region) IOReady() uint32 {
	return atomic.LoadUint32(&r.ioReady)
}

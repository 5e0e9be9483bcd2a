package netstack

import "sync"

// txSegment records how many of the front bytes of a txBuffer belong to
// which flow, so per-flow backpressure accounting (spec §4.4's tcp-pause /
// tcp-resume) stays correct even though frames for many flows are
// interleaved in one shared byte queue (spec §4.3: "Guest TX buffer").
// A zero FlowKey marks bytes that belong to no flow (ARP/ICMP/DHCP
// replies), which are never subject to pause/resume accounting.
type txSegment struct {
	key FlowKey
	n   int
}

// txBuffer is the guest-facing outbound byte queue: length-prefixed frames
// are appended here by the stack and drained by the syscall shim's read(4).
// It has no hard cap (spec §4.3); the reactor applies backpressure instead
// based on occupancy attributed to each flow.
type txBuffer struct {
	mu       sync.Mutex
	buf      []byte
	segments []txSegment
	byFlow   map[FlowKey]int
}

func newTXBuffer() *txBuffer {
	return &txBuffer{byFlow: make(map[FlowKey]int)}
}

// Enqueue appends a length-prefixed frame, attributing its bytes to key for
// flow-control accounting.
func (t *txBuffer) Enqueue(key FlowKey, frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, frame...)
	t.segments = append(t.segments, txSegment{key: key, n: len(frame)})
	t.byFlow[key] += len(frame)
}

// Read drains up to len(p) bytes into p, returning how many were copied, and
// reports the per-flow byte counts that were fully or partially drained so
// the caller can re-check pause thresholds.
func (t *txBuffer) Read(p []byte) (n int, drained map[FlowKey]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n = copy(p, t.buf)
	if n == 0 {
		return 0, nil
	}
	t.buf = t.buf[n:]

	drained = make(map[FlowKey]int)
	remaining := n
	for remaining > 0 && len(t.segments) > 0 {
		seg := &t.segments[0]
		take := seg.n
		if take > remaining {
			take = remaining
		}
		drained[seg.key] += take
		t.byFlow[seg.key] -= take
		if t.byFlow[seg.key] <= 0 {
			delete(t.byFlow, seg.key)
		}
		seg.n -= take
		remaining -= take
		if seg.n == 0 {
			t.segments = t.segments[1:]
		}
	}
	return n, drained
}

// Len reports total queued bytes (any flow).
func (t *txBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// FlowBacklog reports bytes currently queued on behalf of one flow.
func (t *txBuffer) FlowBacklog(key FlowKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byFlow[key]
}

// HasFrames reports whether there is anything for the guest to read.
func (t *txBuffer) HasFrames() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf) > 0
}

package sharedmem

import (
	"bytes"
	"testing"
	"time"

	"github.com/edgevm/vmnet/pkg/wire"
)

func TestStdinRoundTrip(t *testing.T) {
	r := NewRegion()

	chunks := [][]byte{[]byte("hello "), []byte("world"), []byte("!")}
	var want bytes.Buffer
	for _, c := range chunks {
		want.Write(c)
		if err := r.WriteStdin(c); err != nil {
			t.Fatalf("WriteStdin: %v", err)
		}
		got, ok := r.ReadStdin()
		if !ok {
			t.Fatalf("ReadStdin: expected data")
		}
		if !bytes.Equal(got, c) {
			t.Fatalf("ReadStdin = %q, want %q", got, c)
		}
	}
}

func TestStdinEmptyRead(t *testing.T) {
	r := NewRegion()
	if _, ok := r.ReadStdin(); ok {
		t.Fatalf("expected no data on empty slot")
	}
}

func TestWriteStdinLargerThanSlotChunks(t *testing.T) {
	r := NewRegion()
	big := bytes.Repeat([]byte("x"), StdinSlotSize*2+17)

	done := make(chan error, 1)
	go func() { done <- r.WriteStdin(big) }()

	var got bytes.Buffer
	deadline := time.Now().Add(2 * time.Second)
	for got.Len() < len(big) && time.Now().Before(deadline) {
		if chunk, ok := r.ReadStdin(); ok {
			got.Write(chunk)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}
	if !bytes.Equal(got.Bytes(), big) {
		t.Fatalf("reassembled %d bytes, want %d", got.Len(), len(big))
	}
}

func TestWriteStdinAfterStopFails(t *testing.T) {
	r := NewRegion()
	r.Stop()
	if err := r.WriteStdin([]byte("x")); err == nil {
		t.Fatalf("expected error writing to stopped region")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	r := NewRegion()
	if ok := r.WriteMessage(wire.TCPConnected, []byte("tcp:1.2.3.4:80<-5.6.7.8:1234")); !ok {
		t.Fatalf("WriteMessage failed")
	}
	typ, payload, ok := r.ReadMessage()
	if !ok {
		t.Fatalf("ReadMessage: expected a record")
	}
	if typ != wire.TCPConnected {
		t.Fatalf("type = %v, want TCPConnected", typ)
	}
	if string(payload) != "tcp:1.2.3.4:80<-5.6.7.8:1234" {
		t.Fatalf("payload = %q", payload)
	}
	if _, _, ok := r.ReadMessage(); ok {
		t.Fatalf("expected ring to be empty after single read")
	}
}

func TestRingFullRejectsWithoutPartialWrite(t *testing.T) {
	r := NewRegion()
	// Fill the ring until a write is rejected, then confirm nothing partial
	// was written (cursors unchanged) and a drain frees exactly one record.
	payload := bytes.Repeat([]byte("a"), 64)
	count := 0
	for r.WriteMessage(wire.UDPRecv, payload) {
		count++
	}
	if count == 0 {
		t.Fatalf("expected to fill the ring with at least one record")
	}
	headBefore := r.netHead
	tailBefore := r.netTail
	if r.WriteMessage(wire.UDPRecv, payload) {
		t.Fatalf("expected no-space once ring is full")
	}
	if r.netHead != headBefore || r.netTail != tailBefore {
		t.Fatalf("cursors mutated on a failed write")
	}
	if _, _, ok := r.ReadMessage(); !ok {
		t.Fatalf("expected at least one record to drain")
	}
	if !r.WriteMessage(wire.UDPRecv, payload) {
		t.Fatalf("expected space after draining one record")
	}
}

func TestWaitForIOWakesOnMessage(t *testing.T) {
	r := NewRegion()
	done := make(chan bool, 1)
	go func() { done <- r.WaitForIO(time.Second) }()
	time.Sleep(10 * time.Millisecond)
	r.WriteMessage(wire.TCPClose, []byte("k"))
	select {
	case ready := <-done:
		if !ready {
			t.Fatalf("WaitForIO returned false after a write")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitForIO did not wake up")
	}
}

func TestWaitForIOTimesOut(t *testing.T) {
	r := NewRegion()
	if r.WaitForIO(20 * time.Millisecond) {
		t.Fatalf("expected timeout with no events")
	}
}

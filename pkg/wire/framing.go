package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the QEMU-style 4-byte big-endian length prefix used on
// fd 4 between the guest's virtual NIC and the network stack (spec §4.3, §6).
const FrameHeaderSize = 4

// EncodeFrame prepends the big-endian length header to an Ethernet frame.
func EncodeFrame(frame []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(out[:FrameHeaderSize], uint32(len(frame)))
	copy(out[FrameHeaderSize:], frame)
	return out
}

// Deframer accumulates bytes arriving on fd 4 and yields complete,
// length-prefixed Ethernet frames as they become available. Zero-length
// frames are invalid and are dropped (spec §6).
type Deframer struct {
	buf []byte
}

// Write appends newly-arrived bytes to the accumulator.
func (d *Deframer) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next extracts the next complete frame, if any. ok is false if no full
// frame has arrived yet.
func (d *Deframer) Next() (frame []byte, ok bool, err error) {
	if len(d.buf) < FrameHeaderSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:FrameHeaderSize])
	if n == 0 {
		// Invalid frame: drop the header and keep scanning.
		d.buf = d.buf[FrameHeaderSize:]
		return nil, false, fmt.Errorf("wire: zero-length frame dropped")
	}
	total := FrameHeaderSize + int(n)
	if len(d.buf) < total {
		return nil, false, nil
	}
	frame = make([]byte, n)
	copy(frame, d.buf[FrameHeaderSize:total])
	d.buf = d.buf[total:]
	return frame, true, nil
}

// Pending reports how many bytes are buffered but not yet a complete frame.
func (d *Deframer) Pending() int {
	return len(d.buf)
}

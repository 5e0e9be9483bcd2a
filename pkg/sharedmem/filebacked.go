//go:build linux || darwin

package sharedmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileBacked keeps the mmap'd bytes alive so the GC doesn't reclaim them out
// from under the Region's slices, and so Close can unmap them.
type fileBacked struct {
	region *Region
	data   []byte
}

// regionLayoutSize is the total byte size of a Region's header fields plus
// its two buffers. NewFileBacked does not use it: the backing file holds
// only the two buffers (StdinSlotSize+NetRingSize bytes).
const regionLayoutSize = 4*6 + StdinSlotSize + NetRingSize

// NewFileBacked maps path into memory and carves a Region's stdin slot and
// net ring out of it. Only these two bulk buffers are backed by the mapping;
// the header counters (io_ready, stdin_flag, the ring cursors) and the wake
// channel remain process-local Go values, so a second process that maps the
// same file does not see them and cannot act as the other end of this
// Region. vmnet's façade constructs its region with NewRegion.
func NewFileBacked(path string) (*Region, func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("sharedmem: open backing file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(StdinSlotSize + NetRingSize)); err != nil {
		return nil, nil, fmt.Errorf("sharedmem: truncate backing file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, StdinSlotSize+NetRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("sharedmem: mmap backing file: %w", err)
	}

	r := &Region{
		stdinSlot: data[:StdinSlotSize],
		netRing:   data[StdinSlotSize:],
		wake:      make(chan struct{}, 1),
	}
	fb := &fileBacked{region: r, data: data}
	return r, fb.close, nil
}

func (fb *fileBacked) close() error {
	return unix.Munmap(fb.data)
}

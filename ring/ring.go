// Package ring implements the trace event buffer: a fixed-capacity circular
// byte buffer with lock-free reserve/commit for producers that may preempt
// each other, a single-reader drain path, and post-mortem snapshots.
//
// Layout: the write cursor is a monotonically increasing byte position;
// physical index is position mod capacity. Each committed region is one
// epoch byte followed by a wire record. A region never straddles the
// capacity boundary: a reservation that would cross it first zero-fills the
// remainder of the lap (pad bytes) and starts the region on the boundary.
// The epoch byte cycles with the lap count and is never zero, so a decoder
// scanning a raw image can tell pad bytes, records of the current lap, and
// surviving records of the previous lap apart.
package ring

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/embtrace/rtos-recorder/types"
)

// MinCapacity is the smallest allowed buffer size.
const MinCapacity = 256

// PadByte fills the unused tail of a lap when a region is moved to the next
// capacity boundary. Epoch bytes are never zero.
const PadByte = 0

// EpochByte returns the frame byte for a region written on the given lap of
// the buffer.
func EpochByte(lap uint64) byte {
	return byte(lap%255) + 1
}

var ErrCapacity = errors.New("ring: capacity out of range")

// Buffer is the event buffer. Reserve and Commit are safe from any number
// of concurrent producers; Drain must be called from a single consumer.
type Buffer struct {
	buf  []byte
	cap  uint64
	mode types.Mode

	writePos  atomic.Uint64 // next unreserved position
	highWater atomic.Uint64 // max committed region end
	readable  atomic.Uint64 // published drain bound
	readPos   atomic.Uint64 // drain cursor, streaming mode only
	pending   atomic.Int64  // reservations not yet committed or abandoned

	overflowed atomic.Bool
	dropped    atomic.Uint64
}

// New returns a buffer of the given capacity in bytes.
func New(capacity int, mode types.Mode) (*Buffer, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("%w: %d < %d", ErrCapacity, capacity, MinCapacity)
	}
	return &Buffer{
		buf:  make([]byte, capacity),
		cap:  uint64(capacity),
		mode: mode,
	}, nil
}

// Region is a reserved, writable span of the buffer. The caller fills
// Bytes() completely, then passes the region to Commit.
type Region struct {
	bytes []byte
	end   uint64
	epoch byte
}

// Bytes returns the writable span. Its length is exactly the n passed to
// Reserve.
func (r Region) Bytes() []byte {
	return r.bytes
}

// End returns the write position one past the region.
func (r Region) End() uint64 {
	return r.end
}

// Epoch returns the frame byte the buffer wrote in front of the region.
// A caller packing several records into one region places this byte
// between them so the frame stream stays uniform.
func (r Region) Epoch() byte {
	return r.epoch
}

// Reserve claims n contiguous bytes for one record. It advances the write
// cursor for the full region (epoch byte included) before any byte is
// written, so concurrent producers always own disjoint spans. It never
// blocks: in streaming mode a reservation that would overrun unread data
// fails and is counted as a drop; in post-mortem mode it succeeds and
// overwrites the oldest lap.
func (b *Buffer) Reserve(n int) (Region, bool) {
	total := uint64(n) + 1
	if n <= 0 || total > b.cap {
		b.drop()
		return Region{}, false
	}
	b.pending.Add(1)
	for {
		pos := b.writePos.Load()
		start := pos
		if rem := b.cap - pos%b.cap; rem < total {
			start = pos + rem
		}
		end := start + total
		if b.mode == types.ModeStreaming && end-b.readPos.Load() > b.cap {
			b.release()
			b.drop()
			return Region{}, false
		}
		if !b.writePos.CompareAndSwap(pos, end) {
			continue
		}
		if start != pos {
			pad := b.buf[pos%b.cap:]
			for i := range pad {
				pad[i] = PadByte
			}
		}
		if b.mode == types.ModePostMortem && end > b.cap {
			b.overflowed.Store(true)
		}
		idx := start % b.cap
		ep := EpochByte(start / b.cap)
		b.buf[idx] = ep
		return Region{bytes: b.buf[idx+1 : idx+total], end: end, epoch: ep}, true
	}
}

// ReserveAt claims n bytes exactly at pos, failing without retry if the
// write cursor has moved, the region would cross the capacity boundary, or
// unread data would be overrun. A failed attempt is not counted as a drop;
// callers fall back to Reserve. Success means no other reservation
// happened between the caller observing pos and this claim.
func (b *Buffer) ReserveAt(pos uint64, n int) (Region, bool) {
	total := uint64(n) + 1
	if n <= 0 || total > b.cap {
		return Region{}, false
	}
	if rem := b.cap - pos%b.cap; rem < total {
		return Region{}, false
	}
	end := pos + total
	if b.mode == types.ModeStreaming && end-b.readPos.Load() > b.cap {
		return Region{}, false
	}
	b.pending.Add(1)
	if !b.writePos.CompareAndSwap(pos, end) {
		b.release()
		return Region{}, false
	}
	if b.mode == types.ModePostMortem && end > b.cap {
		b.overflowed.Store(true)
	}
	idx := pos % b.cap
	ep := EpochByte(pos / b.cap)
	b.buf[idx] = ep
	return Region{bytes: b.buf[idx+1 : idx+total], end: end, epoch: ep}, true
}

// WritePos returns the current write cursor.
func (b *Buffer) WritePos() uint64 {
	return b.writePos.Load()
}

// Commit publishes a reserved region. Once the last in-flight producer
// commits, everything written so far becomes visible to Drain; a region is
// never readable before its Commit.
func (b *Buffer) Commit(r Region) {
	casMax(&b.highWater, r.end)
	b.release()
}

// release retires one reservation. The producer that brings the in-flight
// count back to zero publishes the high-water mark as the drain bound.
// The mark is loaded before the decrement: when the count then reads zero,
// every reservation made before the load has been committed, so no byte
// below the published bound can be half-written. Regions reserved after the
// load start at or above it.
func (b *Buffer) release() {
	hw := b.highWater.Load()
	if b.pending.Add(-1) == 0 {
		casMax(&b.readable, hw)
	}
}

func (b *Buffer) drop() {
	b.dropped.Add(1)
	b.overflowed.Store(true)
}

// Drain copies all published bytes to w, advances the read cursor past what
// was written, and ends the current loss episode. It runs concurrently with
// producers. Pad and epoch framing is passed through as-is.
func (b *Buffer) Drain(w io.Writer) (int, error) {
	// A publish from the producer side can lose the race against a later
	// commit and leave the bound short of the committed frontier. If no
	// reservation is in flight right now, everything below the high-water
	// mark loaded here is committed, so the bound can be caught up. This
	// keeps a quiesced buffer fully drainable.
	hw := b.highWater.Load()
	if b.pending.Load() == 0 {
		casMax(&b.readable, hw)
	}
	r := b.readPos.Load()
	v := b.readable.Load()
	written := 0
	for r < v {
		idx := r % b.cap
		n := v - r
		if c := b.cap - idx; c < n {
			n = c
		}
		nw, err := w.Write(b.buf[idx : idx+n])
		written += nw
		r += uint64(nw)
		if err != nil {
			b.readPos.Store(r)
			return written, err
		}
	}
	b.readPos.Store(r)
	b.overflowed.Store(false)
	return written, nil
}

// Image is a raw capture of the buffer for post-mortem decoding.
type Image struct {
	Data       []byte
	WritePos   uint64
	Dropped    uint64
	Overflowed bool
}

// Snapshot copies the buffer contents and cursors. Intended for use after
// producers have quiesced; on a crash image, regions reserved but never
// committed decode as an invalid chain and are discarded by the reader.
func (b *Buffer) Snapshot() *Image {
	data := make([]byte, b.cap)
	copy(data, b.buf)
	return &Image{
		Data:       data,
		WritePos:   b.writePos.Load(),
		Dropped:    b.dropped.Load(),
		Overflowed: b.overflowed.Load(),
	}
}

// Capacity returns the buffer size in bytes.
func (b *Buffer) Capacity() int {
	return int(b.cap)
}

// Dropped returns the number of records rejected at reservation.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Overflowed reports whether data has been dropped or overwritten since the
// last drain.
func (b *Buffer) Overflowed() bool {
	return b.overflowed.Load()
}

func casMax(a *atomic.Uint64, v uint64) {
	for {
		old := a.Load()
		if v <= old || a.CompareAndSwap(old, v) {
			return
		}
	}
}

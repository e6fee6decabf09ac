// Package decode turns raw trace bytes back into typed events. A Session
// strips the ring framing, decodes wire records, accumulates delta
// timestamps into absolute cycle counts, and maintains the resource table
// announced by description records. It is the host-side counterpart of the
// target encoder and accepts byte streams split at arbitrary boundaries.
package decode

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/embtrace/rtos-recorder/ring"
	"github.com/embtrace/rtos-recorder/types"
	"github.com/embtrace/rtos-recorder/wire"
)

// ErrEpochChain reports a frame whose epoch byte does not continue the
// chain, meaning the stream lost bytes or decoded out of order.
var ErrEpochChain = errors.New("decode: broken epoch chain")

// Event is one decoded, timestamped trace record.
type Event struct {
	Seq    uint64
	Tag    types.Tag
	Cycles uint64        // absolute timestamp in timer ticks
	Wall   time.Duration // Cycles scaled by the session frequency
	TaskID uint32        // valid for task-scoped tags
	Arg    uint64        // ISR number, marker ID, or dropped count
	Name   string        // resolved resource name, empty if unknown
	// Anchored is false for events decoded before any absolute timestamp
	// marker, whose Cycles are then relative to the start of the recovered
	// stream rather than to the session clock.
	Anchored bool
	Record   wire.Record
}

// Task is one entry in the session's task table.
type Task struct {
	ID          uint32
	Name        string
	Priority    uint32
	State       types.TaskState
	AddrOffset  uint64
	StackOffset uint64
	StackSize   uint64
}

// ISR is one entry in the session's interrupt table.
type ISR struct {
	Number     uint64
	Name       string
	Priority   uint32
	AddrOffset uint64
}

// Counters summarizes what a session has decoded so far.
type Counters struct {
	Records         uint64
	Bytes           uint64
	Episodes        uint64 // overflow markers seen
	DroppedReported uint64 // sum of their drop counts
	Cuts            uint64 // image decodes that hit a torn or uncommitted region
}

// Session decodes one target's trace stream.
type Session struct {
	frequency uint64
	desc      []string
	tasks     map[uint32]*Task
	isrs      map[uint64]*ISR

	cycles   uint64
	anchored bool
	epoch    byte // last frame epoch, 0 before the first frame
	seq      uint64
	pending  []byte
	counters Counters
}

func NewSession() *Session {
	return &Session{
		tasks: make(map[uint32]*Task),
		isrs:  make(map[uint64]*ISR),
	}
}

// nextEpoch is the frame byte that follows e at a lap boundary.
func nextEpoch(e byte) byte {
	return e%255 + 1
}

// Consume decodes every complete frame in chunk, calling emit for each
// timestamped event. An incomplete trailing frame is kept and completed by
// the next call.
func (s *Session) Consume(chunk []byte, emit func(Event)) error {
	buf := s.pending
	if len(buf) == 0 {
		buf = chunk
	} else {
		buf = append(buf, chunk...)
	}

	off := 0
	var err error
	for off < len(buf) {
		b := buf[off]
		if b == ring.PadByte {
			off++
			continue
		}
		if s.epoch != 0 && b != s.epoch && b != nextEpoch(s.epoch) {
			err = fmt.Errorf("%w: epoch %#x after %#x at stream offset %d",
				ErrEpochChain, b, s.epoch, s.counters.Bytes+uint64(off))
			break
		}
		rec, n, derr := wire.DecodeRecord(buf[off+1:])
		if derr != nil {
			if errors.Is(derr, wire.ErrTruncated) {
				break
			}
			err = fmt.Errorf("frame at stream offset %d: %w", s.counters.Bytes+uint64(off), derr)
			break
		}
		s.epoch = b
		off += 1 + n
		s.handle(rec, emit)
	}

	s.counters.Bytes += uint64(off)
	s.pending = append(s.pending[:0], buf[off:]...)
	return err
}

// DecodeImage decodes a post-mortem buffer capture. A wrapped image is
// decoded oldest-first: the scan locates the longest intact frame chain of
// the previous lap in the overwrite tail, emits it, then decodes the
// current lap.
//
// A crash can leave a reserved but never committed region at the write
// head; the chain breaks there and the rest of the image is dropped and
// counted as a cut, not reported as an error.
func (s *Session) DecodeImage(img *ring.Image, emit func(Event)) {
	for _, span := range ImageSpans(img) {
		s.imageChunk(span, emit)
	}
}

// ImageSpans returns the readable linear spans of a buffer capture, oldest
// first: for a wrapped image the surviving previous-lap tail, then the
// current lap. The spans alias the image data.
func ImageSpans(img *ring.Image) [][]byte {
	capacity := uint64(len(img.Data))
	if capacity == 0 || img.WritePos == 0 {
		return nil
	}
	if img.WritePos <= capacity {
		return [][]byte{img.Data[:img.WritePos]}
	}
	boundary := img.WritePos % capacity
	lap := img.WritePos / capacity
	var spans [][]byte
	if tail := oldLapTail(img.Data[boundary:], ring.EpochByte(lap-1)); tail != nil {
		spans = append(spans, tail)
	}
	return append(spans, img.Data[:boundary])
}

// imageChunk decodes one linear span of an image. Unlike a live stream,
// an image cannot grow, so a broken chain or an incomplete trailing frame
// ends the span instead of waiting for more bytes.
func (s *Session) imageChunk(data []byte, emit func(Event)) {
	err := s.Consume(data, emit)
	if err != nil || len(s.pending) > 0 {
		s.counters.Cuts++
		s.pending = s.pending[:0]
	}
}

// oldLapTail returns the longest suffix of buf that forms a valid frame
// chain of the given epoch, or nil when nothing survives intact. The scan
// starts just past the overwrite cut, so the first bytes are usually the
// tail half of a destroyed record.
func oldLapTail(buf []byte, epoch byte) []byte {
	for start := 0; start < len(buf); start++ {
		if buf[start] != epoch && buf[start] != ring.PadByte {
			continue
		}
		if chainValid(buf[start:], epoch) {
			return buf[start:]
		}
	}
	return nil
}

// chainValid reports whether buf parses end-to-end as pad bytes and
// records of one epoch.
func chainValid(buf []byte, epoch byte) bool {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case ring.PadByte:
			i++
		case epoch:
			_, n, err := wire.DecodeRecord(buf[i+1:])
			if err != nil {
				return false
			}
			i += 1 + n
		default:
			return false
		}
	}
	return true
}

func (s *Session) handle(rec wire.Record, emit func(Event)) {
	s.counters.Records++

	switch rec.Tag {
	case types.EvFrequency:
		s.frequency = rec.Args[0]
		return
	case types.EvSystemDesc:
		s.desc = append(s.desc, rec.Str)
		return
	case types.EvTaskInfo:
		id := uint32(rec.Args[0])
		t := s.tasks[id]
		if t == nil {
			t = &Task{ID: id}
			s.tasks[id] = t
		}
		t.AddrOffset = rec.Args[1]
		t.Priority = uint32(rec.Args[2])
		t.State = types.TaskState(rec.Args[3])
		t.StackOffset = rec.Args[4]
		t.StackSize = rec.Args[5]
		if rec.Str != "" {
			t.Name = rec.Str
		}
		return
	case types.EvIsrInfo:
		num := rec.Args[0]
		i := s.isrs[num]
		if i == nil {
			i = &ISR{Number: num}
			s.isrs[num] = i
		}
		i.AddrOffset = rec.Args[1]
		i.Priority = uint32(rec.Args[2])
		if rec.Str != "" {
			i.Name = rec.Str
		}
		return
	case types.EvTsMarker:
		s.cycles = rec.Args[0]
		s.anchored = true
		return
	}

	s.cycles += rec.Args[0]
	ev := Event{
		Seq:      s.seq,
		Tag:      rec.Tag,
		Cycles:   s.cycles,
		Wall:     s.wall(s.cycles),
		Anchored: s.anchored,
		Record:   rec,
	}
	s.seq++

	switch rec.Tag {
	case types.EvTaskSwitch, types.EvTaskReadyBegin, types.EvTaskReadyEnd,
		types.EvTaskCreate, types.EvTaskTerminate:
		ev.TaskID = uint32(rec.Args[1])
		if t, ok := s.tasks[ev.TaskID]; ok {
			ev.Name = t.Name
		}
	case types.EvIsrEnter:
		ev.Arg = rec.Args[1]
		if i, ok := s.isrs[ev.Arg]; ok {
			ev.Name = i.Name
		}
	case types.EvMarker, types.EvMarkerBegin, types.EvMarkerEnd:
		ev.Arg = rec.Args[1]
	case types.EvOverflow:
		ev.Arg = rec.Args[1]
		s.counters.Episodes++
		s.counters.DroppedReported += rec.Args[1]
	}

	emit(ev)
}

// wall converts a cycle count to a duration at the session frequency.
func (s *Session) wall(cycles uint64) time.Duration {
	if s.frequency == 0 {
		return 0
	}
	hi, lo := bits.Mul64(cycles, uint64(time.Second))
	if hi >= s.frequency {
		return time.Duration(1<<63 - 1)
	}
	ns, _ := bits.Div64(hi, lo, s.frequency)
	return time.Duration(ns)
}

// Frequency returns the timestamp rate announced by the stream, or zero
// before the frequency record arrived.
func (s *Session) Frequency() uint64 {
	return s.frequency
}

// SetFrequency seeds the timestamp rate before decoding begins. Snapshot
// headers carry the rate separately because a wrapped image may have
// overwritten its in-band frequency record; a frequency record in the
// decoded data still takes precedence.
func (s *Session) SetFrequency(hz uint64) {
	s.frequency = hz
}

// Description joins the system description records seen so far.
func (s *Session) Description() string {
	return strings.Join(s.desc, ",")
}

// Tasks returns the task table sorted by ID.
func (s *Session) Tasks() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ISRs returns the interrupt table sorted by number.
func (s *Session) ISRs() []ISR {
	out := make([]ISR, 0, len(s.isrs))
	for _, i := range s.isrs {
		out = append(out, *i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Counters returns the decode statistics.
func (s *Session) Counters() Counters {
	return s.counters
}

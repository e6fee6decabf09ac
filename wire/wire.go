// Package wire implements the trace record encoding shared by the recorder
// and the host decoder.
//
// A record is a tag byte followed by a fixed, per-tag sequence of uvarint
// arguments (7 bits per byte, high bit set on continuation bytes), optionally
// followed by one length-prefixed string. Records are self-delimiting: the
// tag alone determines how many fields follow.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/embtrace/rtos-recorder/types"
)

// MaxStrLen bounds the string field of a record. Longer strings are
// truncated on encode and rejected on decode.
const MaxStrLen = 1 << 16

var (
	// ErrInvalidTag marks a record whose tag byte is not a defined event.
	ErrInvalidTag = errors.New("wire: invalid record tag")
	// ErrTruncated marks a record that extends past the end of the buffer.
	// Stream consumers treat it as "need more bytes".
	ErrTruncated = errors.New("wire: truncated record")
	// ErrMalformed marks a varint that overflows 64 bits or a string length
	// beyond MaxStrLen. Unlike ErrTruncated, more input cannot fix it.
	ErrMalformed = errors.New("wire: malformed record")
)

// Record is the in-memory form of one trace record.
type Record struct {
	Tag  types.Tag
	Args []uint64
	Str  string
}

// Spec describes the field layout of one record tag.
type Spec struct {
	// Args names the uvarint arguments in wire order. Its length is the
	// number of arguments the record carries.
	Args []string

	// Timestamped is set for records whose first argument is a timestamp
	// delta relative to the previous record in buffer order.
	Timestamped bool

	// HasStr is set for records that end with a length-prefixed string.
	HasStr bool
}

var specs = [types.NumTags]Spec{
	types.EvSystemDesc:         {HasStr: true},
	types.EvFrequency:          {Args: []string{"freq"}},
	types.EvTaskInfo:           {Args: []string{"task", "addr", "prio", "state", "stackbase", "stacksize"}, HasStr: true},
	types.EvIsrInfo:            {Args: []string{"isr", "addr", "prio"}, HasStr: true},
	types.EvTsMarker:           {Args: []string{"ts"}},
	types.EvTaskSwitch:         {Args: []string{"dt", "task"}, Timestamped: true},
	types.EvTaskStopExec:       {Args: []string{"dt"}, Timestamped: true},
	types.EvTaskReadyBegin:     {Args: []string{"dt", "task"}, Timestamped: true},
	types.EvTaskReadyEnd:       {Args: []string{"dt", "task"}, Timestamped: true},
	types.EvTaskCreate:         {Args: []string{"dt", "task"}, Timestamped: true},
	types.EvTaskTerminate:      {Args: []string{"dt", "task"}, Timestamped: true},
	types.EvIsrEnter:           {Args: []string{"dt", "isr"}, Timestamped: true},
	types.EvIsrExit:            {Args: []string{"dt"}, Timestamped: true},
	types.EvIsrExitToScheduler: {Args: []string{"dt"}, Timestamped: true},
	types.EvIdle:               {Args: []string{"dt"}, Timestamped: true},
	types.EvMarker:             {Args: []string{"dt", "marker"}, Timestamped: true},
	types.EvMarkerBegin:        {Args: []string{"dt", "marker"}, Timestamped: true},
	types.EvMarkerEnd:          {Args: []string{"dt", "marker"}, Timestamped: true},
	types.EvOverflow:           {Args: []string{"dt", "dropped"}, Timestamped: true},
}

// Specs returns the per-tag layout table, indexed by types.Tag.
func Specs() []Spec {
	return specs[:]
}

// AppendRecord appends the wire encoding of r to dst and returns the
// extended buffer. It never allocates beyond growing dst. The caller must
// supply exactly the arguments the tag's spec names; extra arguments are
// ignored.
func AppendRecord(dst []byte, r Record) []byte {
	spec := &specs[r.Tag]
	dst = append(dst, byte(r.Tag))
	for _, arg := range r.Args[:len(spec.Args)] {
		dst = binary.AppendUvarint(dst, arg)
	}
	if spec.HasStr {
		s := r.Str
		if len(s) > MaxStrLen {
			s = s[:MaxStrLen]
		}
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		dst = append(dst, s...)
	}
	return dst
}

// DecodeRecord decodes one record from the start of buf and returns it with
// the number of bytes consumed. On error the consumed count is 0.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) == 0 {
		return Record{}, 0, ErrTruncated
	}
	tag := types.Tag(buf[0])
	if !tag.Valid() {
		return Record{}, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidTag, buf[0])
	}
	spec := &specs[tag]
	rec := Record{Tag: tag}
	n := 1
	if len(spec.Args) > 0 {
		rec.Args = make([]uint64, len(spec.Args))
		for i := range rec.Args {
			v, sz, err := uvarint(buf[n:])
			if err != nil {
				return Record{}, 0, fmt.Errorf("%s arg %q: %w", tag, spec.Args[i], err)
			}
			rec.Args[i] = v
			n += sz
		}
	}
	if spec.HasStr {
		l, sz, err := uvarint(buf[n:])
		if err != nil {
			return Record{}, 0, fmt.Errorf("%s string length: %w", tag, err)
		}
		n += sz
		if l > MaxStrLen {
			return Record{}, 0, fmt.Errorf("%w: %s string length %d", ErrMalformed, tag, l)
		}
		if uint64(len(buf)-n) < l {
			return Record{}, 0, fmt.Errorf("%s string: %w", tag, ErrTruncated)
		}
		rec.Str = string(buf[n : n+int(l)])
		n += int(l)
	}
	return rec, n, nil
}

func uvarint(buf []byte) (uint64, int, error) {
	v, sz := binary.Uvarint(buf)
	if sz == 0 {
		return 0, 0, ErrTruncated
	}
	if sz < 0 {
		return 0, 0, ErrMalformed
	}
	return v, sz, nil
}

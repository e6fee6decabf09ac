// Package transport moves trace bytes between a recording target and the
// host collector.
//
// The architecture uses source interfaces to allow for:
// 1. Live targets streaming over TCP while recording
// 2. Post-mortem snapshot files captured after a stop or a crash
// 3. Easier testing through in-memory pipes instead of real links
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/embtrace/rtos-recorder/decode"
	"github.com/embtrace/rtos-recorder/recorder"
	"github.com/embtrace/rtos-recorder/ring"
	"github.com/embtrace/rtos-recorder/types"
)

// Magic opens every trace link and snapshot file.
var Magic = [8]byte{'r', 't', 'r', 'e', 'c', '0', 0, 0}

// SnapshotVersion is the current snapshot header version.
const SnapshotVersion = 1

const readChunkSize = 4096

var (
	ErrBadMagic   = errors.New("transport: bad magic")
	ErrBadVersion = errors.New("transport: unsupported snapshot version")
	ErrCorrupt    = errors.New("transport: corrupt snapshot")
)

// Source is a platform-agnostic supplier of raw trace bytes. Chunks carry
// framed record bytes with no alignment guarantee: a record may span two
// chunks.
type Source interface {
	// Read returns the next chunk of trace bytes.
	Read() (Chunk, error)
	// Close cleans up any resources
	Close() error
}

// Chunk is one read from a trace source.
type Chunk struct {
	// Payload contains the raw frame bytes. The slice is owned by the
	// caller after Read returns.
	Payload []byte
}

// StreamSource reads a magic-prefixed byte stream from a live target link.
type StreamSource struct {
	rc   io.ReadCloser
	buf  []byte
	name string
}

// NewStreamSource validates the link magic and wraps the connection. The
// name identifies the target, typically its remote address.
func NewStreamSource(rc io.ReadCloser, name string) (*StreamSource, error) {
	var magic [8]byte
	if _, err := io.ReadFull(rc, magic[:]); err != nil {
		rc.Close()
		return nil, fmt.Errorf("reading link magic: %w", err)
	}
	if magic != Magic {
		rc.Close()
		return nil, ErrBadMagic
	}
	return &StreamSource{
		rc:   rc,
		buf:  make([]byte, readChunkSize),
		name: name,
	}, nil
}

func (s *StreamSource) Read() (Chunk, error) {
	n, err := s.rc.Read(s.buf)
	if n > 0 {
		payload := make([]byte, n)
		copy(payload, s.buf[:n])
		return Chunk{Payload: payload}, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return Chunk{}, err
}

func (s *StreamSource) Close() error {
	return s.rc.Close()
}

// Name identifies the target behind this source.
func (s *StreamSource) Name() string {
	return s.name
}

// Listener accepts target connections on the trace port.
type Listener struct {
	ln net.Listener
}

// Listen opens the trace port.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace port: %w", err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next target connection and validates its magic.
func (l *Listener) Accept() (*StreamSource, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamSource(conn, conn.RemoteAddr().String())
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// SnapshotSource replays an archived capture file through the Source
// interface.
type SnapshotSource struct {
	snap  *Snapshot
	raw   []byte
	spans [][]byte
	name  string
}

// NewSnapshotSource reads and parses a capture file.
func NewSnapshotSource(path string) (*SnapshotSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := ReadSnapshot(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	return &SnapshotSource{
		snap:  snap,
		raw:   raw,
		spans: decode.ImageSpans(&snap.Image),
		name:  "snapshot:" + filepath.Base(path),
	}, nil
}

// Read returns the next readable span of the capture, oldest first, then
// io.EOF. The spans feed a stream decoder in order; decoding the parsed
// image instead additionally tolerates a torn write head.
func (s *SnapshotSource) Read() (Chunk, error) {
	if len(s.spans) == 0 {
		return Chunk{}, io.EOF
	}
	span := s.spans[0]
	s.spans = s.spans[1:]
	payload := make([]byte, len(span))
	copy(payload, span)
	return Chunk{Payload: payload}, nil
}

func (s *SnapshotSource) Close() error {
	return nil
}

// Name identifies the capture, derived from its file name.
func (s *SnapshotSource) Name() string {
	return s.name
}

// Snapshot exposes the parsed header and buffer image.
func (s *SnapshotSource) Snapshot() *Snapshot {
	return s.snap
}

// Bytes returns the capture file verbatim, for content-addressed
// archiving.
func (s *SnapshotSource) Bytes() []byte {
	return s.raw
}

// Streamer periodically drains a recording session into a host link. It is
// the target-side half of live streaming mode.
type Streamer struct {
	session  *recorder.Session
	w        io.Writer
	interval time.Duration
}

// NewStreamer returns a streamer draining session into w every interval.
func NewStreamer(session *recorder.Session, w io.Writer, interval time.Duration) *Streamer {
	return &Streamer{session: session, w: w, interval: interval}
}

// Run writes the link magic, then drains on every tick until the context
// is cancelled. A final drain flushes whatever the last tick missed.
func (st *Streamer) Run(ctx context.Context) error {
	if _, err := st.w.Write(Magic[:]); err != nil {
		return fmt.Errorf("writing link magic: %w", err)
	}
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := st.session.Drain(st.w); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := st.session.Drain(st.w); err != nil {
				return err
			}
		}
	}
}

// Snapshot is a post-mortem buffer capture together with the session
// parameters needed to decode it. The frequency rides in the header
// because a wrapped image may have overwritten its frequency record.
type Snapshot struct {
	Mode      types.Mode
	Frequency uint64
	Image     ring.Image
}

// snapshotHeader follows the magic on disk, little-endian.
type snapshotHeader struct {
	Version    uint8
	Mode       uint8
	Overflowed uint8
	_          [5]byte
	Frequency  uint64
	Capacity   uint64
	WritePos   uint64
	Dropped    uint64
}

const maxSnapshotCapacity = 1 << 30

// WriteSnapshot writes a snapshot to w in the on-disk format.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	hdr := snapshotHeader{
		Version:   SnapshotVersion,
		Mode:      uint8(snap.Mode),
		Frequency: snap.Frequency,
		Capacity:  uint64(len(snap.Image.Data)),
		WritePos:  snap.Image.WritePos,
		Dropped:   snap.Image.Dropped,
	}
	if snap.Image.Overflowed {
		hdr.Overflowed = 1
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	_, err := w.Write(snap.Image.Data)
	return err
}

// ReadSnapshot parses a snapshot from r.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading snapshot magic: %w", err)
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}
	if hdr.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr.Version)
	}
	if hdr.Capacity == 0 || hdr.Capacity > maxSnapshotCapacity {
		return nil, fmt.Errorf("%w: capacity %d", ErrCorrupt, hdr.Capacity)
	}
	data := make([]byte, hdr.Capacity)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: image short read: %v", ErrCorrupt, err)
	}
	return &Snapshot{
		Mode:      types.Mode(hdr.Mode),
		Frequency: hdr.Frequency,
		Image: ring.Image{
			Data:       data,
			WritePos:   hdr.WritePos,
			Dropped:    hdr.Dropped,
			Overflowed: hdr.Overflowed != 0,
		},
	}, nil
}

// WriteSnapshotFile writes a snapshot to path.
func WriteSnapshotFile(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSnapshot(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSnapshotFile reads a snapshot from path.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// EncodeSnapshot renders a snapshot to bytes, for archiving.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

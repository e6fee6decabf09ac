package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/embtrace/rtos-recorder/recorder"
	"github.com/embtrace/rtos-recorder/ring"
	"github.com/embtrace/rtos-recorder/types"
	"github.com/embtrace/rtos-recorder/wire"
)

func TestStreamSourceValidatesMagic(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		client.Write(Magic[:])
		client.Write([]byte("payload"))
		client.Close()
	}()

	src, err := NewStreamSource(server, "test")
	if err != nil {
		t.Fatalf("NewStreamSource: %v", err)
	}
	defer src.Close()

	var got []byte
	for {
		chunk, err := src.Read()
		got = append(got, chunk.Payload...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Read: %v", err)
			}
			break
		}
	}
	if string(got) != "payload" {
		t.Errorf("payload = %q", got)
	}
}

func TestStreamSourceRejectsBadMagic(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		client.Write([]byte("notrtrec"))
		client.Close()
	}()

	if _, err := NewStreamSource(server, "test"); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("NewStreamSource err = %v, want ErrBadMagic", err)
	}
}

func TestListenerAcceptsTarget(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		conn.Write(Magic[:])
		conn.Write([]byte("hi"))
		conn.Close()
	}()

	src, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer src.Close()
	if src.Name() == "" {
		t.Error("source has no name")
	}
	chunk, err := src.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(chunk.Payload) != "hi" {
		t.Errorf("payload = %q", chunk.Payload)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	data := make([]byte, ring.MinCapacity)
	for i := range data {
		data[i] = byte(i)
	}
	snap := &Snapshot{
		Mode:      types.ModePostMortem,
		Frequency: 64_000_000,
		Image: ring.Image{
			Data:       data,
			WritePos:   612,
			Dropped:    3,
			Overflowed: true,
		},
	}

	path := filepath.Join(t.TempDir(), "crash.trace")
	if err := WriteSnapshotFile(path, snap); err != nil {
		t.Fatalf("WriteSnapshotFile: %v", err)
	}
	got, err := ReadSnapshotFile(path)
	if err != nil {
		t.Fatalf("ReadSnapshotFile: %v", err)
	}
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestReadSnapshotErrors(t *testing.T) {
	good, err := EncodeSnapshot(&Snapshot{
		Mode:      types.ModeStreaming,
		Frequency: 1000,
		Image:     ring.Image{Data: make([]byte, ring.MinCapacity)},
	})
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	badVersion := append([]byte(nil), good...)
	badVersion[8] = 99

	hugeCapacity := append([]byte(nil), good...)
	hugeCapacity[24] = 0xFF // capacity low byte
	hugeCapacity[30] = 0xFF // capacity high bytes

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"bad magic", []byte("xxxxxxxx"), ErrBadMagic},
		{"truncated header", good[:20], io.ErrUnexpectedEOF},
		{"bad version", badVersion, ErrBadVersion},
		{"huge capacity", hugeCapacity, ErrCorrupt},
		{"truncated image", good[:len(good)-10], ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSnapshot(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadSnapshot err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSnapshotSourceReplaysCapture(t *testing.T) {
	clock := recorder.NewTickCounter(2000)
	sess := recorder.New()
	err := sess.Configure(recorder.Config{
		RAMBase: 0x20000000,
		Mode:    types.ModePostMortem,
		Clock:   clock,
		Tasks: recorder.TaskListerFunc(func(yield func(recorder.TaskInfo) bool) {
			yield(recorder.TaskInfo{Handle: 0x20000100, Name: "main", Priority: 1})
		}),
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(7)
	sess.TaskExecBegin(0x20000100)
	sess.Stop()

	img, err := sess.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "crash.trace")
	snap := &Snapshot{Mode: types.ModePostMortem, Frequency: 2000, Image: *img}
	if err := WriteSnapshotFile(path, snap); err != nil {
		t.Fatalf("WriteSnapshotFile: %v", err)
	}

	src, err := NewSnapshotSource(path)
	if err != nil {
		t.Fatalf("NewSnapshotSource: %v", err)
	}
	defer src.Close()

	if src.Name() != "snapshot:crash.trace" {
		t.Errorf("Name() = %q", src.Name())
	}
	if src.Snapshot().Frequency != 2000 {
		t.Errorf("Frequency = %d, want 2000", src.Snapshot().Frequency)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(src.Bytes(), onDisk) {
		t.Error("Bytes() differs from the capture file")
	}

	var raw []byte
	for {
		chunk, err := src.Read()
		raw = append(raw, chunk.Payload...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Read: %v", err)
			}
			break
		}
	}
	var tags []types.Tag
	for len(raw) > 0 {
		if raw[0] == ring.PadByte {
			raw = raw[1:]
			continue
		}
		rec, n, err := wire.DecodeRecord(raw[1:])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		tags = append(tags, rec.Tag)
		raw = raw[1+n:]
	}
	want := []types.Tag{
		types.EvFrequency,
		types.EvSystemDesc,
		types.EvTaskInfo,
		types.EvTsMarker,
		types.EvTaskSwitch,
	}
	if diff := cmp.Diff(want, tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
}

func TestSnapshotSourceRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.trace")
	if err := os.WriteFile(path, []byte("not a capture"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSnapshotSource(path); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestStreamerDrainsSession(t *testing.T) {
	clock := recorder.NewTickCounter(1000)
	sess := recorder.New()
	err := sess.Configure(recorder.Config{
		RAMBase: 0x20000000,
		Clock:   clock,
		Tasks: recorder.TaskListerFunc(func(yield func(recorder.TaskInfo) bool) {
			yield(recorder.TaskInfo{Handle: 0x20000100, Name: "main", Priority: 1})
		}),
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(5)
	sess.TaskExecBegin(0x20000100)

	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // one final drain, then return
	st := NewStreamer(sess, &buf, time.Hour)
	if err := st.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}

	out := buf.Bytes()
	if len(out) < len(Magic) || !bytes.Equal(out[:8], Magic[:]) {
		t.Fatalf("stream does not start with magic: %x", out)
	}

	// The drained frames must parse back into the seed records plus the
	// task switch.
	raw := out[8:]
	var tags []types.Tag
	for len(raw) > 0 {
		if raw[0] == ring.PadByte {
			raw = raw[1:]
			continue
		}
		rec, n, err := wire.DecodeRecord(raw[1:])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		tags = append(tags, rec.Tag)
		raw = raw[1+n:]
	}
	want := []types.Tag{
		types.EvFrequency,
		types.EvSystemDesc,
		types.EvTaskInfo,
		types.EvTsMarker,
		types.EvTaskSwitch,
	}
	if diff := cmp.Diff(want, tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
}

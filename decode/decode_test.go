package decode

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/embtrace/rtos-recorder/ring"
	"github.com/embtrace/rtos-recorder/types"
	"github.com/embtrace/rtos-recorder/wire"
)

func rec(tag types.Tag, args ...uint64) wire.Record {
	return wire.Record{Tag: tag, Args: args}
}

func srec(tag types.Tag, str string, args ...uint64) wire.Record {
	return wire.Record{Tag: tag, Args: args, Str: str}
}

// frame appends one epoch-framed record to dst.
func frame(dst []byte, epoch byte, r wire.Record) []byte {
	return wire.AppendRecord(append(dst, epoch), r)
}

func collect(t *testing.T, s *Session, stream []byte) []Event {
	t.Helper()
	var got []Event
	if err := s.Consume(stream, func(e Event) { got = append(got, e) }); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	return got
}

func metaStream() []byte {
	stream := frame(nil, 1, rec(types.EvFrequency, 1_000_000_000))
	stream = frame(stream, 1, srec(types.EvSystemDesc, "N=demo"))
	stream = frame(stream, 1, srec(types.EvSystemDesc, "D=Cortex-M4"))
	stream = frame(stream, 1, srec(types.EvTaskInfo, "main", 0, 0x100, 1, uint64(types.TaskRunning), 0x4000, 2048))
	stream = frame(stream, 1, srec(types.EvIsrInfo, "SysTick", 15, 0x30, 2))
	stream = frame(stream, 1, rec(types.EvTsMarker, 5000))
	stream = frame(stream, 1, rec(types.EvTaskSwitch, 25, 0))
	stream = frame(stream, 1, rec(types.EvIsrEnter, 5, 15))
	stream = frame(stream, 1, rec(types.EvIsrExit, 10))
	return stream
}

func TestConsumeBuildsSymbolTable(t *testing.T) {
	s := NewSession()
	stream := metaStream()
	got := collect(t, s, stream)

	want := []Event{
		{Seq: 0, Tag: types.EvTaskSwitch, Cycles: 5025, Wall: 5025 * time.Nanosecond,
			TaskID: 0, Name: "main", Anchored: true, Record: rec(types.EvTaskSwitch, 25, 0)},
		{Seq: 1, Tag: types.EvIsrEnter, Cycles: 5030, Wall: 5030 * time.Nanosecond,
			Arg: 15, Name: "SysTick", Anchored: true, Record: rec(types.EvIsrEnter, 5, 15)},
		{Seq: 2, Tag: types.EvIsrExit, Cycles: 5040, Wall: 5040 * time.Nanosecond,
			Anchored: true, Record: rec(types.EvIsrExit, 10)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if s.Frequency() != 1_000_000_000 {
		t.Errorf("Frequency() = %d, want 1e9", s.Frequency())
	}
	if s.Description() != "N=demo,D=Cortex-M4" {
		t.Errorf("Description() = %q", s.Description())
	}

	wantTasks := []Task{{ID: 0, Name: "main", Priority: 1, State: types.TaskRunning, AddrOffset: 0x100, StackOffset: 0x4000, StackSize: 2048}}
	if diff := cmp.Diff(wantTasks, s.Tasks()); diff != "" {
		t.Errorf("task table mismatch (-want +got):\n%s", diff)
	}
	wantISRs := []ISR{{Number: 15, Name: "SysTick", Priority: 2, AddrOffset: 0x30}}
	if diff := cmp.Diff(wantISRs, s.ISRs()); diff != "" {
		t.Errorf("isr table mismatch (-want +got):\n%s", diff)
	}

	c := s.Counters()
	if c.Records != 9 || c.Bytes != uint64(len(stream)) || c.Cuts != 0 {
		t.Errorf("counters = %+v, want 9 records, %d bytes", c, len(stream))
	}
}

func TestConsumeSplitFrames(t *testing.T) {
	stream := metaStream()

	whole := NewSession()
	want := collect(t, whole, stream)

	split := NewSession()
	var got []Event
	emit := func(e Event) { got = append(got, e) }
	for i := range stream {
		if err := split.Consume(stream[i:i+1], emit); err != nil {
			t.Fatalf("Consume byte %d: %v", i, err)
		}
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("byte-at-a-time decode disagrees (-whole +split):\n%s", diff)
	}
	if diff := cmp.Diff(whole.Tasks(), split.Tasks()); diff != "" {
		t.Errorf("task tables disagree:\n%s", diff)
	}
}

func TestMarkerRebasesAccumulator(t *testing.T) {
	stream := frame(nil, 1, rec(types.EvTsMarker, 100))
	stream = frame(stream, 1, rec(types.EvIdle, 1))
	stream = frame(stream, 1, rec(types.EvTsMarker, 5))
	stream = frame(stream, 1, rec(types.EvTaskSwitch, 2, 3))

	got := collect(t, NewSession(), stream)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Cycles != 101 || got[1].Cycles != 7 {
		t.Errorf("cycles = %d, %d, want 101, 7", got[0].Cycles, got[1].Cycles)
	}
}

func TestEventsBeforeMarkerUnanchored(t *testing.T) {
	stream := frame(nil, 1, rec(types.EvTaskSwitch, 10, 1))
	stream = frame(stream, 1, rec(types.EvTsMarker, 1000))
	stream = frame(stream, 1, rec(types.EvTaskSwitch, 1, 1))

	got := collect(t, NewSession(), stream)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Anchored || got[0].Cycles != 10 {
		t.Errorf("pre-marker event = %+v, want relative cycles 10, not anchored", got[0])
	}
	if !got[1].Anchored || got[1].Cycles != 1001 {
		t.Errorf("post-marker event = %+v, want absolute cycles 1001", got[1])
	}
}

func TestLateTaskInfoNamesLaterEvents(t *testing.T) {
	// A concurrent producer announces a fresh task with an empty placeholder
	// first; the full description arrives later via a task-list refresh.
	stream := frame(nil, 1, srec(types.EvTaskInfo, "", 2, 0x900, 0, 0, 0, 0))
	stream = frame(stream, 1, rec(types.EvTaskSwitch, 1, 2))
	stream = frame(stream, 1, srec(types.EvTaskInfo, "worker", 2, 0x900, 4, uint64(types.TaskReady), 0x5000, 512))
	stream = frame(stream, 1, rec(types.EvTaskSwitch, 1, 2))

	got := collect(t, NewSession(), stream)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Name != "" {
		t.Errorf("event before description has name %q", got[0].Name)
	}
	if got[1].Name != "worker" {
		t.Errorf("event after description has name %q, want worker", got[1].Name)
	}
}

func TestEpochChainValidation(t *testing.T) {
	idle := rec(types.EvIdle, 1)

	t.Run("lap boundary", func(t *testing.T) {
		stream := frame(nil, 1, idle)
		stream = append(stream, ring.PadByte, ring.PadByte)
		stream = frame(stream, 2, idle)
		if got := collect(t, NewSession(), stream); len(got) != 2 {
			t.Errorf("got %d events, want 2", len(got))
		}
	})

	t.Run("epoch wraparound", func(t *testing.T) {
		stream := frame(nil, 255, idle)
		stream = frame(stream, 1, idle)
		if got := collect(t, NewSession(), stream); len(got) != 2 {
			t.Errorf("got %d events, want 2", len(got))
		}
	})

	t.Run("skipped epoch", func(t *testing.T) {
		stream := frame(nil, 1, idle)
		stream = frame(stream, 3, idle)
		var got []Event
		err := NewSession().Consume(stream, func(e Event) { got = append(got, e) })
		if !errors.Is(err, ErrEpochChain) {
			t.Fatalf("Consume error = %v, want ErrEpochChain", err)
		}
		if len(got) != 1 {
			t.Errorf("got %d events before break, want 1", len(got))
		}
	})
}

func TestCorruptFrameFails(t *testing.T) {
	stream := frame(nil, 1, rec(types.EvIdle, 5))
	stream = append(stream, 1, 0xEE)

	var got []Event
	err := NewSession().Consume(stream, func(e Event) { got = append(got, e) })
	if !errors.Is(err, wire.ErrInvalidTag) {
		t.Fatalf("Consume error = %v, want ErrInvalidTag", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d events before corrupt frame, want 1", len(got))
	}
}

func TestOverflowCounters(t *testing.T) {
	stream := frame(nil, 1, rec(types.EvTsMarker, 10))
	stream = frame(stream, 1, rec(types.EvOverflow, 0, 42))
	stream = frame(stream, 1, rec(types.EvOverflow, 5, 3))

	s := NewSession()
	got := collect(t, s, stream)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Arg != 42 || got[1].Arg != 3 {
		t.Errorf("drop counts = %d, %d, want 42, 3", got[0].Arg, got[1].Arg)
	}
	c := s.Counters()
	if c.Episodes != 2 || c.DroppedReported != 45 {
		t.Errorf("counters = %+v, want 2 episodes, 45 dropped", c)
	}
}

func TestWallClock(t *testing.T) {
	cases := []struct {
		freq   uint64
		cycles uint64
		want   time.Duration
	}{
		{0, 1000, 0},
		{64_000_000, 0, 0},
		{64_000_000, 64_000_000, time.Second},
		{1000, 1, time.Millisecond},
		{32768, 98304, 3 * time.Second},
		{32768, 1 << 63, 1<<63 - 1},
	}
	for _, tc := range cases {
		s := &Session{frequency: tc.freq}
		if got := s.wall(tc.cycles); got != tc.want {
			t.Errorf("wall(%d) at %d Hz = %v, want %v", tc.cycles, tc.freq, got, tc.want)
		}
	}
}

// put writes one record into the buffer the way the target encoder does.
func put(t *testing.T, b *ring.Buffer, r wire.Record) {
	t.Helper()
	enc := wire.AppendRecord(nil, r)
	reg, ok := b.Reserve(len(enc))
	if !ok {
		t.Fatalf("Reserve(%d) failed", len(enc))
	}
	copy(reg.Bytes(), enc)
	b.Commit(reg)
}

func TestDecodeImageUnwrapped(t *testing.T) {
	b, err := ring.New(256, types.ModePostMortem)
	if err != nil {
		t.Fatal(err)
	}
	put(t, b, rec(types.EvTsMarker, 1000))
	for i := 0; i < 3; i++ {
		put(t, b, rec(types.EvTaskSwitch, 1, 2))
	}

	s := NewSession()
	var got []Event
	s.DecodeImage(b.Snapshot(), func(e Event) { got = append(got, e) })

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Cycles != 1001+uint64(i) || !ev.Anchored {
			t.Errorf("event %d = %+v, want anchored cycles %d", i, ev, 1001+i)
		}
	}
	if c := s.Counters(); c.Cuts != 0 {
		t.Errorf("Cuts = %d, want 0", c.Cuts)
	}
}

// wrappedImage fills a 256-byte post-mortem buffer past one full lap: a
// timestamp marker followed by 100 task switches, each a 4-byte frame. The
// marker and the first 36 switches are overwritten by the second lap.
func wrappedImage(t *testing.T) *ring.Image {
	t.Helper()
	b, err := ring.New(256, types.ModePostMortem)
	if err != nil {
		t.Fatal(err)
	}
	put(t, b, rec(types.EvTsMarker, 1000))
	for i := 0; i < 100; i++ {
		put(t, b, rec(types.EvTaskSwitch, 1, 7))
	}
	img := b.Snapshot()
	if img.WritePos != 404 {
		t.Fatalf("frame layout changed: write position %d, want 404", img.WritePos)
	}
	return img
}

func TestDecodeImageWrapEpochScan(t *testing.T) {
	img := wrappedImage(t)
	capacity := uint64(len(img.Data))
	boundary := img.WritePos % capacity
	wantOld := int((capacity - boundary) / 4)
	wantNew := int(boundary / 4)

	s := NewSession()
	var got []Event
	s.DecodeImage(img, func(e Event) { got = append(got, e) })

	if len(got) != wantOld+wantNew {
		t.Fatalf("got %d events, want %d surviving old + %d current", len(got), wantOld, wantNew)
	}
	for i, ev := range got {
		if ev.Cycles != uint64(i+1) {
			t.Fatalf("event %d cycles = %d, want %d", i, ev.Cycles, i+1)
		}
		if ev.Anchored {
			t.Fatalf("event %d anchored, but the timestamp marker was overwritten", i)
		}
		if ev.TaskID != 7 || ev.Name != "" {
			t.Fatalf("event %d = %+v, want task 7 with no surviving name", i, ev)
		}
	}
	if c := s.Counters(); c.Cuts != 0 {
		t.Errorf("Cuts = %d, want 0", c.Cuts)
	}
}

func TestDecodeImageWrapDamagedTail(t *testing.T) {
	img := wrappedImage(t)
	boundary := img.WritePos % uint64(len(img.Data))

	// Scribble over the start of the old-lap tail. The scan must skip past
	// the damage to the next intact frame boundary.
	for i := boundary; i < boundary+52; i++ {
		img.Data[i] = 0xFF
	}
	wantOld := int((uint64(len(img.Data)) - boundary - 52) / 4)
	wantNew := int(boundary / 4)

	s := NewSession()
	var got []Event
	s.DecodeImage(img, func(e Event) { got = append(got, e) })

	if len(got) != wantOld+wantNew {
		t.Fatalf("got %d events, want %d", len(got), wantOld+wantNew)
	}
	for i, ev := range got {
		if ev.Cycles != uint64(i+1) {
			t.Fatalf("event %d cycles = %d, want %d", i, ev.Cycles, i+1)
		}
	}
}

func TestDecodeImageCrashCut(t *testing.T) {
	// A region reserved at the write head but never committed: the epoch
	// byte is in place, the interior still zero.
	data := frame(nil, 1, rec(types.EvTaskSwitch, 5, 1))
	data = append(data, 1, 0, 0, 0)
	img := &ring.Image{Data: data, WritePos: uint64(len(data))}

	s := NewSession()
	var got []Event
	s.DecodeImage(img, func(e Event) { got = append(got, e) })

	if len(got) != 1 || got[0].Cycles != 5 {
		t.Fatalf("got %+v, want one event at cycle 5", got)
	}
	if c := s.Counters(); c.Cuts != 1 {
		t.Errorf("Cuts = %d, want 1", c.Cuts)
	}
}

func TestDecodeImageEmpty(t *testing.T) {
	s := NewSession()
	emit := func(Event) { t.Fatal("unexpected event") }
	s.DecodeImage(&ring.Image{}, emit)
	s.DecodeImage(&ring.Image{Data: make([]byte, 256)}, emit)
	if c := s.Counters(); c != (Counters{}) {
		t.Errorf("counters = %+v, want zero", c)
	}
}

func TestSetFrequencySeedsWallClock(t *testing.T) {
	// An image whose frequency record was overwritten: only a timestamp
	// marker and a switch survive. The rate seeded from the snapshot
	// header still yields wall-clock times.
	data := frame(nil, 1, rec(types.EvTsMarker, 2000))
	data = frame(data, 1, rec(types.EvTaskSwitch, 10, 3))
	img := &ring.Image{Data: data, WritePos: uint64(len(data))}

	s := NewSession()
	s.SetFrequency(1_000_000)
	var got []Event
	s.DecodeImage(img, func(e Event) { got = append(got, e) })

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Wall != 2010*time.Microsecond {
		t.Errorf("Wall = %v, want 2.01ms", got[0].Wall)
	}
	if s.Frequency() != 1_000_000 {
		t.Errorf("Frequency() = %d, want 1e6", s.Frequency())
	}

	// An in-band frequency record overrides the seeded value.
	s2 := NewSession()
	s2.SetFrequency(1_000_000)
	stream := frame(nil, 1, rec(types.EvFrequency, 48_000_000))
	if err := s2.Consume(stream, func(Event) {}); err != nil {
		t.Fatal(err)
	}
	if s2.Frequency() != 48_000_000 {
		t.Errorf("Frequency() after override = %d, want 48e6", s2.Frequency())
	}
}

package recorder

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/embtrace/rtos-recorder/ring"
	"github.com/embtrace/rtos-recorder/types"
	"github.com/embtrace/rtos-recorder/wire"
)

const ramBase = 0x20000000

// manualClock is a settable timestamp source for single-goroutine tests.
type manualClock struct {
	now  uint64
	freq uint64
}

func (c *manualClock) Now() uint64       { return c.now }
func (c *manualClock) Frequency() uint64 { return c.freq }

func testTasks() TaskLister {
	return TaskListerFunc(func(yield func(TaskInfo) bool) {
		yield(TaskInfo{
			Handle: ramBase + 0x100, Name: "main", Priority: 1,
			State: types.TaskRunning, StackBase: ramBase + 0x4000, StackSize: 2048,
		})
		yield(TaskInfo{
			Handle: ramBase + 0x200, Name: "idle", Priority: 31,
			State: types.TaskReady, StackBase: ramBase + 0x5000, StackSize: 512,
		})
	})
}

func startedSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = &manualClock{freq: 64_000_000}
	}
	if cfg.Tasks == nil {
		cfg.Tasks = testTasks()
	}
	if cfg.RAMBase == 0 {
		cfg.RAMBase = ramBase
	}
	s := New()
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func drainSession(t *testing.T, s *Session) []byte {
	t.Helper()
	var out bytes.Buffer
	if _, err := s.Drain(&out); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return out.Bytes()
}

// parseStream splits frame-formatted trace bytes back into records.
func parseStream(t *testing.T, raw []byte) []wire.Record {
	t.Helper()
	var recs []wire.Record
	for len(raw) > 0 {
		if raw[0] == ring.PadByte {
			raw = raw[1:]
			continue
		}
		rec, n, err := wire.DecodeRecord(raw[1:])
		if err != nil {
			t.Fatalf("decode with %d bytes left: %v", len(raw), err)
		}
		recs = append(recs, rec)
		raw = raw[1+n:]
	}
	return recs
}

// timestamps reconstructs absolute timestamps of all timed records by
// delta accumulation.
func timestamps(recs []wire.Record) []uint64 {
	var out []uint64
	var acc uint64
	for _, r := range recs {
		switch {
		case r.Tag == types.EvTsMarker:
			acc = r.Args[0]
		case wire.Specs()[r.Tag].Timestamped:
			acc += r.Args[0]
			out = append(out, acc)
		}
	}
	return out
}

func tagsOf(recs []wire.Record) []types.Tag {
	out := make([]types.Tag, len(recs))
	for i, r := range recs {
		out[i] = r.Tag
	}
	return out
}

func TestConfigureValidation(t *testing.T) {
	clock := &manualClock{freq: 1000}
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no clock", Config{Tasks: testTasks()}, ErrNoTimestampSource},
		{"no tasks", Config{Clock: clock}, ErrNoTaskLister},
		{"buffer too small", Config{Clock: clock, Tasks: testTasks(), BufferSize: 64}, ring.ErrCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Configure(tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Configure err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Configure err = %v, not a configuration error", err)
			}
		})
	}
}

func TestStartBeforeConfigure(t *testing.T) {
	s := New()
	err := s.Start()
	if !errors.Is(err, ErrNotConfigured) || !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Start err = %v, want ErrNotConfigured", err)
	}
	// The failed Start must not have moved the state machine.
	if err := s.Configure(Config{Clock: &manualClock{freq: 1000}, Tasks: testTasks()}); err != nil {
		t.Fatalf("Configure after failed Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start after Configure: %v", err)
	}
}

func TestLifecycleGuards(t *testing.T) {
	s := New()
	cfg := Config{Clock: &manualClock{freq: 1000}, Tasks: testTasks()}
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Configure(cfg); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("second Configure err = %v, want ErrAlreadyConfigured", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start err = %v, want ErrNotStarted", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop err = %v, want nil", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStopped) {
		t.Errorf("Start after Stop err = %v, want ErrAlreadyStopped", err)
	}
}

func TestProducerCallsOutsideRecordingAreNoOps(t *testing.T) {
	s := New()
	// Uninitialized: must not panic, must not record.
	s.TaskExecBegin(ramBase + 0x100)
	s.IsrEnter(15)
	s.SystemIdle()
	s.Marker(1)
	if got := s.Stats().Recorded; got != 0 {
		t.Fatalf("Recorded = %d before configure, want 0", got)
	}

	s = startedSession(t, Config{})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	before := s.Stats().Recorded
	s.TaskExecBegin(ramBase + 0x100)
	s.TaskExecEnd()
	s.SendSystemDescription("late")
	if got := s.Stats().Recorded; got != before {
		t.Errorf("Recorded grew from %d to %d after Stop", before, got)
	}
}

func TestStartSeedsSession(t *testing.T) {
	clock := &manualClock{now: 5, freq: 64_000_000}
	s := startedSession(t, Config{Clock: clock})

	recs := parseStream(t, drainSession(t, s))
	wantTags := []types.Tag{
		types.EvFrequency,
		types.EvSystemDesc,
		types.EvTaskInfo,
		types.EvTaskInfo,
		types.EvTsMarker,
	}
	if diff := cmp.Diff(wantTags, tagsOf(recs)); diff != "" {
		t.Fatalf("seed records (-want +got):\n%s", diff)
	}
	if recs[0].Args[0] != 64_000_000 {
		t.Errorf("frequency = %d, want 64000000", recs[0].Args[0])
	}
	if recs[1].Str != "N=unnamed" {
		t.Errorf("description = %q, want default", recs[1].Str)
	}
	main := recs[2]
	if main.Args[0] != 0 || main.Args[1] != 0x100 || main.Args[2] != 1 || main.Str != "main" {
		t.Errorf("task info = %+v, want ID 0, offset 0x100, prio 1, name main", main)
	}
	if main.Args[4] != 0x4000 || main.Args[5] != 2048 {
		t.Errorf("task stack = %d/%d, want 0x4000/2048", main.Args[4], main.Args[5])
	}
	if recs[3].Args[0] != 1 || recs[3].Str != "idle" {
		t.Errorf("second task = %+v, want ID 1 name idle", recs[3])
	}
	if recs[4].Args[0] != 5 {
		t.Errorf("sync marker ts = %d, want 5", recs[4].Args[0])
	}
}

func TestDescribeCallback(t *testing.T) {
	s := startedSession(t, Config{
		Describe: func(s *Session) {
			s.SendSystemDescription("N=blinky,D=Cortex-M4")
			s.IsrSendInfo(15, 0, 0, "SysTick")
			s.SendTaskList()
		},
	})
	recs := parseStream(t, drainSession(t, s))
	wantTags := []types.Tag{
		types.EvFrequency,
		types.EvSystemDesc,
		types.EvIsrInfo,
		types.EvTaskInfo,
		types.EvTaskInfo,
		types.EvTsMarker,
	}
	if diff := cmp.Diff(wantTags, tagsOf(recs)); diff != "" {
		t.Fatalf("seed records (-want +got):\n%s", diff)
	}
	if recs[1].Str != "N=blinky,D=Cortex-M4" {
		t.Errorf("description = %q", recs[1].Str)
	}
	if recs[2].Args[0] != 15 || recs[2].Str != "SysTick" {
		t.Errorf("isr info = %+v", recs[2])
	}
}

// Timestamps of a long event sequence must reconstruct exactly through
// delta accumulation, whatever mix of delta and absolute encodings the
// recorder chose.
func TestDeltaReconstruction(t *testing.T) {
	clock := &manualClock{now: 1000, freq: 64_000_000}
	s := startedSession(t, Config{Clock: clock})
	task := uint64(ramBase + 0x300)

	var want []uint64
	for i := 0; i < 300; i++ {
		clock.now += uint64(i%200) + 1
		want = append(want, clock.now)
		s.TaskExecBegin(task)
	}

	recs := parseStream(t, drainSession(t, s))
	if diff := cmp.Diff(want, timestamps(recs)); diff != "" {
		t.Fatalf("timestamps (-want +got):\n%s", diff)
	}
	if st := s.Stats(); st.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", st.Dropped)
	}
}

// A clock running backwards (counter wraparound) must fall back to an
// absolute marker, keeping every decoded timestamp exact.
func TestClockWraparoundFallsBackToAbsolute(t *testing.T) {
	clock := &manualClock{now: 1 << 32, freq: 1000}
	s := startedSession(t, Config{Clock: clock})
	task := uint64(ramBase + 0x300)
	s.TaskExecBegin(task)

	clock.now = 7 // wrapped
	s.TaskExecBegin(task)
	clock.now = 12
	s.TaskExecBegin(task)

	recs := parseStream(t, drainSession(t, s))
	want := []uint64{1 << 32, 7, 12}
	if diff := cmp.Diff(want, timestamps(recs)); diff != "" {
		t.Fatalf("timestamps (-want +got):\n%s", diff)
	}
}

// The first appearance of a task in a streaming session carries a
// placeholder description so the host can resolve the ID immediately.
func TestFreshInternEmitsPlaceholder(t *testing.T) {
	s := startedSession(t, Config{})
	s.TaskExecBegin(ramBase + 0x900)

	recs := parseStream(t, drainSession(t, s))
	var found *wire.Record
	for i := range recs {
		if recs[i].Tag == types.EvTaskInfo && recs[i].Args[1] == 0x900 {
			found = &recs[i]
		}
	}
	if found == nil {
		t.Fatal("no placeholder task info for fresh identity")
	}
	if found.Args[0] != 2 || found.Str != "" {
		t.Errorf("placeholder = %+v, want ID 2 with empty name", *found)
	}
}

func TestPostMortemSkipsPlaceholder(t *testing.T) {
	s := startedSession(t, Config{Mode: types.ModePostMortem})
	s.TaskExecBegin(ramBase + 0x900)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	img, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	recs := parseStream(t, img.Data[:img.WritePos])
	for _, r := range recs {
		if r.Tag == types.EvTaskInfo && r.Args[1] == 0x900 {
			t.Errorf("unexpected placeholder in post-mortem mode: %+v", r)
		}
	}
}

func TestInvalidIdentityCountedAndDropped(t *testing.T) {
	s := startedSession(t, Config{})
	drainSession(t, s)

	s.TaskExecBegin(0x1000) // below the RAM base
	s.TaskReadyBegin(0x0)
	if got := s.Stats().InvalidIdentity; got != 2 {
		t.Errorf("InvalidIdentity = %d, want 2", got)
	}
	if rest := drainSession(t, s); len(rest) != 0 {
		t.Errorf("rejected identities produced %d bytes", len(rest))
	}
}

func TestOverflowMarkerCarriesDropCount(t *testing.T) {
	clock := &manualClock{now: 50, freq: 1000}
	s := startedSession(t, Config{Clock: clock, BufferSize: ring.MinCapacity})
	task := uint64(ramBase + 0x300)

	for i := 0; i < 200; i++ {
		clock.now++
		s.TaskExecBegin(task)
	}
	dropped := s.Stats().Dropped
	if dropped == 0 {
		t.Fatal("no drops after flooding a minimum-size buffer")
	}

	var stream bytes.Buffer
	if _, err := s.Drain(&stream); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	clock.now++
	s.TaskExecBegin(task) // flushes the loss episode
	if _, err := s.Drain(&stream); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	recs := parseStream(t, stream.Bytes())
	var overflow *wire.Record
	for i := range recs {
		if recs[i].Tag == types.EvOverflow {
			overflow = &recs[i]
		}
	}
	if overflow == nil {
		t.Fatal("no overflow record after loss episode")
	}
	if overflow.Args[1] != dropped {
		t.Errorf("overflow count = %d, want %d", overflow.Args[1], dropped)
	}
	if got := s.Stats().LossEpisodes; got != 1 {
		t.Errorf("LossEpisodes = %d, want 1", got)
	}
	if s.Stats().Overflowed {
		t.Error("Overflowed still set after drain")
	}
}

func TestStopFlushesPendingDrops(t *testing.T) {
	clock := &manualClock{now: 50, freq: 1000}
	s := startedSession(t, Config{Clock: clock, BufferSize: ring.MinCapacity})
	task := uint64(ramBase + 0x300)
	for i := 0; i < 200; i++ {
		clock.now++
		s.TaskExecBegin(task)
	}
	dropped := s.Stats().Dropped
	if dropped == 0 {
		t.Fatal("no drops after flooding")
	}

	var stream bytes.Buffer
	if _, err := s.Drain(&stream); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.Drain(&stream); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	recs := parseStream(t, stream.Bytes())
	last := recs[len(recs)-1]
	if last.Tag != types.EvOverflow {
		t.Fatalf("last record = %v, want Overflow", last.Tag)
	}
	if last.Args[1] != dropped {
		t.Errorf("overflow count = %d, want %d", last.Args[1], dropped)
	}
}

func TestProducerOps(t *testing.T) {
	clock := &manualClock{now: 10, freq: 1000}
	s := startedSession(t, Config{Clock: clock})
	task := uint64(ramBase + 0x100) // described by the seed task list

	ops := []struct {
		call func()
		tag  types.Tag
		arg  uint64
	}{
		{func() { s.TaskNew(task) }, types.EvTaskCreate, 0},
		{func() { s.TaskReadyBegin(task) }, types.EvTaskReadyBegin, 0},
		{func() { s.TaskReadyEnd(task) }, types.EvTaskReadyEnd, 0},
		{func() { s.TaskExecBegin(task) }, types.EvTaskSwitch, 0},
		{func() { s.TaskExecEnd() }, types.EvTaskStopExec, 0},
		{func() { s.IsrEnter(53) }, types.EvIsrEnter, 53},
		{func() { s.IsrExit() }, types.EvIsrExit, 0},
		{func() { s.IsrEnter(15) }, types.EvIsrEnter, 15},
		{func() { s.IsrExitToScheduler() }, types.EvIsrExitToScheduler, 0},
		{func() { s.SystemIdle() }, types.EvIdle, 0},
		{func() { s.Marker(77) }, types.EvMarker, 77},
		{func() { s.MarkerBegin(78) }, types.EvMarkerBegin, 78},
		{func() { s.MarkerEnd(78) }, types.EvMarkerEnd, 78},
		{func() { s.TaskTerminate(task) }, types.EvTaskTerminate, 0},
	}
	drainSession(t, s) // discard seed records
	for _, op := range ops {
		clock.now++
		op.call()
	}

	recs := parseStream(t, drainSession(t, s))
	var timed []wire.Record
	for _, r := range recs {
		if wire.Specs()[r.Tag].Timestamped {
			timed = append(timed, r)
		}
	}
	if len(timed) != len(ops) {
		t.Fatalf("got %d timed records, want %d", len(timed), len(ops))
	}
	for i, op := range ops {
		if timed[i].Tag != op.tag {
			t.Errorf("op %d: tag = %v, want %v", i, timed[i].Tag, op.tag)
		}
		if len(timed[i].Args) > 1 && timed[i].Args[1] != op.arg {
			t.Errorf("op %d (%v): arg = %d, want %d", i, op.tag, timed[i].Args[1], op.arg)
		}
	}
}

func TestResyncRefreshesMetadata(t *testing.T) {
	s := startedSession(t, Config{})
	drainSession(t, s)

	s.Resync()
	recs := parseStream(t, drainSession(t, s))
	wantTags := []types.Tag{
		types.EvFrequency,
		types.EvTaskInfo,
		types.EvTaskInfo,
		types.EvTsMarker,
	}
	if diff := cmp.Diff(wantTags, tagsOf(recs)); diff != "" {
		t.Fatalf("resync records (-want +got):\n%s", diff)
	}
}

// Concurrent producers must never tear records; with an amply sized
// buffer every event survives with an exact in-range timestamp.
func TestConcurrentProducersStructurallySound(t *testing.T) {
	clock := NewTickCounter(1000)
	s := startedSession(t, Config{Clock: clock, BufferSize: 256 << 10})

	const workers = 4
	const events = 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			task := ramBase + 0x1000 + uint64(w)*0x100
			for i := 0; i < events; i++ {
				clock.Advance(1)
				switch i % 3 {
				case 0:
					s.TaskExecBegin(task)
				case 1:
					s.IsrEnter(uint64(16 + w))
					s.IsrExit()
				case 2:
					s.SystemIdle()
				}
			}
		}(w)
	}
	wg.Wait()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	recs := parseStream(t, drainSession(t, s))
	for i, v := range timestamps(recs) {
		if v == 0 || v > workers*events {
			t.Fatalf("timestamp %d out of range: %d", i, v)
		}
	}
	var timed int
	for _, r := range recs {
		if wire.Specs()[r.Tag].Timestamped {
			timed++
		}
	}
	// Each worker emits events/3 switches and idles, and 2 records per
	// ISR pair iteration.
	want := 0
	for i := 0; i < events; i++ {
		switch i % 3 {
		case 0, 2:
			want++
		case 1:
			want += 2
		}
	}
	want *= workers
	if st := s.Stats(); st.Dropped != 0 {
		t.Fatalf("Dropped = %d, want 0", st.Dropped)
	}
	if timed != want {
		t.Errorf("timed records = %d, want %d", timed, want)
	}
}

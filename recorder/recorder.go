// Package recorder implements the trace recorder core: session lifecycle,
// the producer API called from instrumentation points, timestamping, and
// the drain/snapshot surface consumed by host transport adapters.
//
// Producer calls are safe from contexts that preempt each other, never
// block, never allocate on the hot path, and never return errors. All
// anomalies (overflow drops, invalid identities) are counted and exposed
// through Stats; only Configure, Start, and Stop report errors to the
// caller.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/embtrace/rtos-recorder/intern"
	"github.com/embtrace/rtos-recorder/ring"
	"github.com/embtrace/rtos-recorder/types"
	"github.com/embtrace/rtos-recorder/wire"
)

// DefaultBufferSize is used when Config.BufferSize is zero.
const DefaultBufferSize = 32 << 10

const defaultDescription = "N=unnamed"

// ErrConfiguration is the class of all configuration failures. The
// specific sentinels below wrap it.
var ErrConfiguration = errors.New("recorder: invalid configuration")

var (
	ErrNoTimestampSource = fmt.Errorf("%w: timestamp source missing", ErrConfiguration)
	ErrNoTaskLister      = fmt.Errorf("%w: task-list provider missing", ErrConfiguration)
	ErrNotConfigured     = fmt.Errorf("%w: session not configured", ErrConfiguration)
	ErrAlreadyConfigured = errors.New("recorder: already configured")
	ErrAlreadyStarted    = errors.New("recorder: already started")
	ErrAlreadyStopped    = errors.New("recorder: session stopped")
	ErrNotStarted        = errors.New("recorder: not started")
)

// TaskInfo describes one task for the resource table.
type TaskInfo struct {
	Handle    uint64 // raw identity, an address at or above the RAM base
	Name      string
	Priority  uint32
	State     types.TaskState
	StackBase uint64 // address, offset-encoded when at or above the RAM base
	StackSize uint64
}

// TaskLister enumerates the current tasks. The enumeration must be finite
// and restartable; it is consumed at Start and on Resync.
type TaskLister interface {
	ForEachTask(yield func(TaskInfo) bool)
}

// TaskListerFunc adapts a function to the TaskLister interface.
type TaskListerFunc func(yield func(TaskInfo) bool)

func (f TaskListerFunc) ForEachTask(yield func(TaskInfo) bool) {
	f(yield)
}

// Config carries the session configuration handshake.
type Config struct {
	// RAMBase is the lowest valid raw identity. Identities go on the wire
	// as offsets from it; anything below is rejected and counted.
	RAMBase uint64
	// Mode selects streaming or post-mortem buffering.
	Mode types.Mode
	// BufferSize is the event buffer capacity in bytes.
	BufferSize int
	// Clock is the timestamp source. Required.
	Clock TimestampSource
	// Tasks enumerates live tasks for the resource table. Required.
	Tasks TaskLister
	// Describe, if set, is invoked once by Start and is responsible for
	// sending the system description and the task list. When nil, Start
	// emits a generic description and the task list itself.
	Describe func(*Session)
}

// Session lifecycle states, strictly ordered.
const (
	stateUninitialized uint32 = iota
	stateConfiguring
	stateInitialized
	stateStarting
	stateRecording
	stateStopped
)

// anchorBusy marks the timestamp anchor as mid-update. The write cursor
// cannot reach this value.
const anchorBusy = ^uint64(0)

// Session is one recording session. The zero value is usable and starts
// uninitialized; New is provided for symmetry with the rest of the module.
type Session struct {
	state atomic.Uint32

	clock    TimestampSource
	tasks    TaskLister
	describe func(*Session)
	mode     types.Mode
	buf      *ring.Buffer
	ids      *intern.Table

	// Timestamp anchor: lastTS is the timestamp of the record ending at
	// write position lastTSPos. A producer may encode a delta only if its
	// reservation wins at exactly lastTSPos, which proves no record
	// landed in between. Updates hold anchorBusy in lastTSPos so
	// concurrent publishers can never interleave a mixed pair.
	lastTS    atomic.Uint64
	lastTSPos atomic.Uint64

	recorded        atomic.Uint64
	bytes           atomic.Uint64
	dropped         atomic.Uint64
	lossEpisodes    atomic.Uint64
	invalidIdentity atomic.Uint64
	// pendingDropped is the portion of dropped not yet reported by an
	// in-band overflow record. Retried overflow emissions do not count.
	pendingDropped atomic.Uint64
}

// New returns an unconfigured session.
func New() *Session {
	return &Session{}
}

// Configure validates the providers and transitions the session from
// uninitialized to initialized. A second call fails with
// ErrAlreadyConfigured and leaves the first configuration intact.
func (s *Session) Configure(cfg Config) error {
	if cfg.Clock == nil {
		return ErrNoTimestampSource
	}
	if cfg.Tasks == nil {
		return ErrNoTaskLister
	}
	size := cfg.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	buf, err := ring.New(size, cfg.Mode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if !s.state.CompareAndSwap(stateUninitialized, stateConfiguring) {
		return ErrAlreadyConfigured
	}
	s.clock = cfg.Clock
	s.tasks = cfg.Tasks
	s.describe = cfg.Describe
	s.mode = cfg.Mode
	s.buf = buf
	s.ids = intern.New(cfg.RAMBase)
	s.state.Store(stateInitialized)
	return nil
}

// Start seeds the session and begins recording: it emits the timestamp
// frequency, the system description and current task list (via the
// Describe callback when configured), and an absolute timestamp marker
// anchoring the delta chain. Instrumentation calls made before Start
// returns are dropped silently.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(stateInitialized, stateStarting) {
		switch s.state.Load() {
		case stateUninitialized, stateConfiguring:
			return ErrNotConfigured
		case stateStarting, stateRecording:
			return ErrAlreadyStarted
		default:
			return ErrAlreadyStopped
		}
	}
	s.emitFrequency()
	if s.describe != nil {
		s.describe(s)
	} else {
		s.SendSystemDescription(defaultDescription)
		s.SendTaskList()
	}
	s.emitSyncMarker()
	s.state.Store(stateRecording)
	return nil
}

// Stop ends recording immediately. Producer calls after Stop are silent
// no-ops. Pending drop counts are flushed as a final overflow record when
// buffer space allows. Stopping a stopped session is a no-op.
func (s *Session) Stop() error {
	if !s.state.CompareAndSwap(stateRecording, stateStopped) {
		if s.state.Load() == stateStopped {
			return nil
		}
		return ErrNotStarted
	}
	s.flushOverflow()
	return nil
}

// Producer API. Every call is a no-op unless the session is recording.

// TaskNew records creation of the task with the given raw identity.
func (s *Session) TaskNew(handle uint64) {
	if !s.recording() {
		return
	}
	id, _, ok := s.ids.Intern(handle)
	if !ok {
		s.invalidIdentity.Add(1)
		return
	}
	s.emitTimed(types.EvTaskCreate, uint64(id))
}

// TaskTerminate records termination of a task.
func (s *Session) TaskTerminate(handle uint64) {
	if !s.recording() {
		return
	}
	id, ok := s.resolveTask(handle)
	if !ok {
		return
	}
	s.emitTimed(types.EvTaskTerminate, uint64(id))
}

// TaskExecBegin records a task switch: the task begins executing.
func (s *Session) TaskExecBegin(handle uint64) {
	if !s.recording() {
		return
	}
	id, ok := s.resolveTask(handle)
	if !ok {
		return
	}
	s.emitTimed(types.EvTaskSwitch, uint64(id))
}

// TaskExecEnd records that the current task stops executing.
func (s *Session) TaskExecEnd() {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvTaskStopExec)
}

// TaskReadyBegin records that a task became ready to run.
func (s *Session) TaskReadyBegin(handle uint64) {
	if !s.recording() {
		return
	}
	id, ok := s.resolveTask(handle)
	if !ok {
		return
	}
	s.emitTimed(types.EvTaskReadyBegin, uint64(id))
}

// TaskReadyEnd records that a task left the ready state.
func (s *Session) TaskReadyEnd(handle uint64) {
	if !s.recording() {
		return
	}
	id, ok := s.resolveTask(handle)
	if !ok {
		return
	}
	s.emitTimed(types.EvTaskReadyEnd, uint64(id))
}

// SystemIdle records that the system went idle.
func (s *Session) SystemIdle() {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvIdle)
}

// IsrEnter records entry into the interrupt service routine with the
// given vector number. ISR numbers are small and go on the wire as-is,
// without interning.
func (s *Session) IsrEnter(irq uint64) {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvIsrEnter, irq)
}

// IsrExit records return from the current ISR to the interrupted context.
func (s *Session) IsrExit() {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvIsrExit)
}

// IsrExitToScheduler records return from the current ISR into the
// scheduler for a context switch.
func (s *Session) IsrExitToScheduler() {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvIsrExitToScheduler)
}

// Marker records an instant application marker.
func (s *Session) Marker(id uint32) {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvMarker, uint64(id))
}

// MarkerBegin records the start of an application marker span.
func (s *Session) MarkerBegin(id uint32) {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvMarkerBegin, uint64(id))
}

// MarkerEnd records the end of an application marker span.
func (s *Session) MarkerEnd(id uint32) {
	if !s.recording() {
		return
	}
	s.emitTimed(types.EvMarkerEnd, uint64(id))
}

// Metadata API, additionally usable from the Describe callback while
// Start is seeding the session.

// SendSystemDescription emits one system description record. By
// convention the string holds comma-separated key=value properties, e.g.
// "N=blinky,D=Cortex-M4".
func (s *Session) SendSystemDescription(desc string) {
	if !s.metaAllowed() {
		return
	}
	s.emitMeta(wire.Record{Tag: types.EvSystemDesc, Str: desc})
}

// TaskSendInfo emits the resource description for one task.
func (s *Session) TaskSendInfo(info TaskInfo) {
	if !s.metaAllowed() {
		return
	}
	id, _, ok := s.ids.Intern(info.Handle)
	if !ok {
		s.invalidIdentity.Add(1)
		return
	}
	s.emitTaskInfo(id, info)
}

// IsrSendInfo emits the resource description for one interrupt service
// routine. The handler address is offset-encoded when it falls at or
// above the RAM base and sent as zero otherwise.
func (s *Session) IsrSendInfo(irq uint64, handler uint64, prio uint32, name string) {
	if !s.metaAllowed() {
		return
	}
	var off uint64
	if handler >= s.ids.Base() {
		off = s.ids.Offset(handler)
	}
	args := [3]uint64{irq, off, uint64(prio)}
	s.emitMeta(wire.Record{Tag: types.EvIsrInfo, Args: args[:], Str: name})
}

// SendTaskList enumerates the task-list provider and emits a resource
// description for every task, so a host joining the session has full
// context.
func (s *Session) SendTaskList() {
	if !s.metaAllowed() {
		return
	}
	s.tasks.ForEachTask(func(info TaskInfo) bool {
		s.TaskSendInfo(info)
		return true
	})
}

// Resync re-emits the frequency record, the current task list, and a
// fresh absolute timestamp marker. Long-running post-mortem sessions call
// this periodically so a wrapped buffer image still contains the metadata
// needed to decode it.
func (s *Session) Resync() {
	if !s.recording() {
		return
	}
	s.emitFrequency()
	s.SendTaskList()
	s.emitSyncMarker()
}

// Host adapter surface.

// Drain copies all published trace bytes to w. It is the live streaming
// path and may run concurrently with producers; the caller is the single
// consumer.
func (s *Session) Drain(w io.Writer) (int, error) {
	if s.state.Load() < stateInitialized {
		return 0, ErrNotConfigured
	}
	return s.buf.Drain(w)
}

// Snapshot captures the raw buffer image for post-mortem decoding.
func (s *Session) Snapshot() (*ring.Image, error) {
	if s.state.Load() < stateInitialized {
		return nil, ErrNotConfigured
	}
	return s.buf.Snapshot(), nil
}

// Stats is a snapshot of the session counters.
type Stats struct {
	Recorded        uint64 // wire records committed, markers included
	Bytes           uint64 // bytes committed, frame bytes included
	Dropped         uint64 // records rejected at reservation
	LossEpisodes    uint64 // overflow markers emitted
	InvalidIdentity uint64 // identities rejected below the RAM base
	Interned        uint64 // dense IDs allocated
	Overflowed      bool   // loss episode in progress
}

// Stats returns the current session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		Recorded:        s.recorded.Load(),
		Bytes:           s.bytes.Load(),
		Dropped:         s.dropped.Load(),
		LossEpisodes:    s.lossEpisodes.Load(),
		InvalidIdentity: s.invalidIdentity.Load(),
	}
	if s.state.Load() >= stateInitialized {
		st.Overflowed = s.buf.Overflowed()
		st.Interned = uint64(s.ids.Count())
	}
	return st
}

// Frequency returns the configured timestamp rate in ticks per second, or
// zero before configuration.
func (s *Session) Frequency() uint64 {
	if s.state.Load() < stateInitialized {
		return 0
	}
	return s.clock.Frequency()
}

// Mode returns the configured buffering mode.
func (s *Session) Mode() types.Mode {
	return s.mode
}

// Capacity returns the event buffer size in bytes, or zero before
// configuration.
func (s *Session) Capacity() int {
	if s.state.Load() < stateInitialized {
		return 0
	}
	return s.buf.Capacity()
}

// Internals.

func (s *Session) recording() bool {
	return s.state.Load() == stateRecording
}

func (s *Session) metaAllowed() bool {
	st := s.state.Load()
	return st == stateStarting || st == stateRecording
}

// resolveTask interns a raw task identity for a timed event. The first
// appearance in a streaming session emits a placeholder description so
// the host can map the ID before TaskSendInfo arrives.
func (s *Session) resolveTask(handle uint64) (uint32, bool) {
	id, fresh, ok := s.ids.Intern(handle)
	if !ok {
		s.invalidIdentity.Add(1)
		return 0, false
	}
	if fresh && s.mode == types.ModeStreaming {
		s.emitTaskInfo(id, TaskInfo{Handle: handle})
	}
	return id, true
}

func (s *Session) emitTaskInfo(id uint32, info TaskInfo) {
	var stackOff uint64
	if info.StackBase >= s.ids.Base() {
		stackOff = s.ids.Offset(info.StackBase)
	}
	args := [6]uint64{
		uint64(id),
		s.ids.Offset(info.Handle),
		uint64(info.Priority),
		uint64(info.State),
		stackOff,
		info.StackSize,
	}
	s.emitMeta(wire.Record{Tag: types.EvTaskInfo, Args: args[:], Str: info.Name})
}

func (s *Session) emitFrequency() {
	args := [1]uint64{s.clock.Frequency()}
	s.emitMeta(wire.Record{Tag: types.EvFrequency, Args: args[:]})
}

// emitSyncMarker writes an absolute timestamp marker and republishes the
// delta anchor.
func (s *Session) emitSyncMarker() {
	now := s.clock.Now()
	args := [1]uint64{now}
	var scratch [16]byte
	enc := wire.AppendRecord(scratch[:0], wire.Record{Tag: types.EvTsMarker, Args: args[:]})
	r, ok := s.buf.Reserve(len(enc))
	if !ok {
		s.noteDrop()
		return
	}
	copy(r.Bytes(), enc)
	s.buf.Commit(r)
	s.publishAnchor(now, r.End())
	s.note(1, len(enc)+1)
}

// emitMeta writes one untimestamped record.
func (s *Session) emitMeta(rec wire.Record) {
	var scratch [128]byte
	enc := wire.AppendRecord(scratch[:0], rec)
	r, ok := s.buf.Reserve(len(enc))
	if !ok {
		s.noteDrop()
		return
	}
	copy(r.Bytes(), enc)
	s.buf.Commit(r)
	s.note(1, len(enc)+1)
}

// emitTimed writes one timestamped record, preceded by an overflow marker
// when drops are pending.
func (s *Session) emitTimed(tag types.Tag, extras ...uint64) {
	s.flushOverflow()
	if !s.tryEmitTimed(tag, extras...) {
		s.noteDrop()
	}
}

// flushOverflow converts pending drop counts into an in-band overflow
// record, ending the loss episode. On failure the count is merged back.
func (s *Session) flushOverflow() {
	pd := s.pendingDropped.Swap(0)
	if pd == 0 {
		return
	}
	if s.tryEmitTimed(types.EvOverflow, pd) {
		s.lossEpisodes.Add(1)
		return
	}
	s.pendingDropped.Add(pd)
}

// tryEmitTimed encodes and commits one timestamped record. The delta form
// is used when the anchor pair is stable and the reservation wins at the
// anchored position; any contention, intervening record, or clock
// wraparound falls back to an absolute resync where the timestamp marker
// and the event share a single reservation.
func (s *Session) tryEmitTimed(tag types.Tag, extras ...uint64) bool {
	now := s.clock.Now()
	var args [2]uint64
	n := copy(args[1:], extras) + 1

	p := s.lastTSPos.Load()
	last := s.lastTS.Load()
	if p != anchorBusy && s.lastTSPos.Load() == p && now >= last {
		args[0] = now - last
		var scratch [32]byte
		enc := wire.AppendRecord(scratch[:0], wire.Record{Tag: tag, Args: args[:n]})
		if r, ok := s.buf.ReserveAt(p, len(enc)); ok {
			copy(r.Bytes(), enc)
			s.buf.Commit(r)
			s.publishAnchor(now, r.End())
			s.note(1, len(enc)+1)
			return true
		}
	}

	args[0] = 0
	marker := [1]uint64{now}
	var scratch [48]byte
	enc := wire.AppendRecord(scratch[:0], wire.Record{Tag: types.EvTsMarker, Args: marker[:]})
	mid := len(enc)
	enc = append(enc, 0) // interior frame byte, patched below
	enc = wire.AppendRecord(enc, wire.Record{Tag: tag, Args: args[:n]})
	r, ok := s.buf.Reserve(len(enc))
	if !ok {
		return false
	}
	enc[mid] = r.Epoch()
	copy(r.Bytes(), enc)
	s.buf.Commit(r)
	s.publishAnchor(now, r.End())
	s.note(2, len(enc)+1)
	return true
}

// publishAnchor advances the timestamp anchor to (ts, end). The busy
// sentinel makes the two stores atomic as a pair; a failed claim means a
// concurrent publisher got there first and the anchor heals on the next
// absolute emit. The anchor position never regresses.
func (s *Session) publishAnchor(ts, end uint64) {
	p := s.lastTSPos.Load()
	if p == anchorBusy || p >= end || !s.lastTSPos.CompareAndSwap(p, anchorBusy) {
		return
	}
	s.lastTS.Store(ts)
	s.lastTSPos.Store(end)
}

func (s *Session) note(records, bytes int) {
	s.recorded.Add(uint64(records))
	s.bytes.Add(uint64(bytes))
}

func (s *Session) noteDrop() {
	s.dropped.Add(1)
	s.pendingDropped.Add(1)
}

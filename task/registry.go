// Package task aggregates decoded scheduling events into per-task, per-ISR
// and per-marker statistics for one trace session.
package task

import (
	"sort"
	"sync"

	"github.com/embtrace/rtos-recorder/decode"
	"github.com/embtrace/rtos-recorder/types"
)

type isrFrame struct {
	num   uint64
	enter uint64
}

// Registry is a thread-safe accumulator of scheduling statistics. Events
// must be applied in decode order; reads may happen concurrently.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[uint32]*Stats
	isrs    map[uint64]*ISRStats
	markers map[uint64]*MarkerStats

	// Execution context carried between events.
	current      uint32
	hasCurrent   bool
	paused       bool // current task preempted by an ISR
	runningSince uint64
	readySince   map[uint32]uint64
	isrStack     []isrFrame
	idleSet      bool
	idleSince    uint64

	events       uint64
	idleCycles   uint64
	lossEpisodes uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:      make(map[uint32]*Stats),
		isrs:       make(map[uint64]*ISRStats),
		markers:    make(map[uint64]*MarkerStats),
		readySince: make(map[uint32]uint64),
	}
}

// task returns the stats entry for id, creating it on first sight. Callers
// hold the write lock.
func (r *Registry) task(id uint32, name string) *Stats {
	t := r.tasks[id]
	if t == nil {
		t = &Stats{ID: id}
		r.tasks[id] = t
	}
	if name != "" {
		t.Name = name
	}
	return t
}

func (r *Registry) isr(num uint64, name string) *ISRStats {
	i := r.isrs[num]
	if i == nil {
		i = &ISRStats{Number: num}
		r.isrs[num] = i
	}
	if name != "" {
		i.Name = name
	}
	return i
}

func (r *Registry) marker(id uint64) *MarkerStats {
	m := r.markers[id]
	if m == nil {
		m = &MarkerStats{ID: id}
		r.markers[id] = m
	}
	return m
}

// closeRun credits the running task with the cycles since it was switched
// in. Timestamps can step backwards across an absolute rebase, so negative
// spans are skipped rather than wrapped.
func (r *Registry) closeRun(now uint64) {
	if !r.hasCurrent || r.paused {
		return
	}
	if t := r.tasks[r.current]; t != nil && now > r.runningSince {
		t.RunCycles += now - r.runningSince
	}
}

func (r *Registry) closeReady(t *Stats, now uint64) {
	since, ok := r.readySince[t.ID]
	if !ok {
		return
	}
	delete(r.readySince, t.ID)
	if now <= since {
		return
	}
	d := now - since
	t.ReadyCount++
	t.ReadyCycleSum += d
	if d > t.ReadyCycleMax {
		t.ReadyCycleMax = d
	}
}

func (r *Registry) popIsr(now uint64) {
	n := len(r.isrStack)
	if n == 0 {
		return
	}
	fr := r.isrStack[n-1]
	r.isrStack = r.isrStack[:n-1]
	if i := r.isrs[fr.num]; i != nil && now > fr.enter {
		i.Cycles += now - fr.enter
	}
}

// Apply folds one decoded event into the statistics.
func (r *Registry) Apply(ev decode.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events++
	now := ev.Cycles

	switch ev.Tag {
	case types.EvTaskSwitch:
		t := r.task(ev.TaskID, ev.Name)
		t.Switches++
		r.closeReady(t, now)
		if r.idleSet {
			if now > r.idleSince {
				r.idleCycles += now - r.idleSince
			}
			r.idleSet = false
		}
		r.closeRun(now)
		r.current, r.hasCurrent, r.paused = ev.TaskID, true, false
		r.runningSince = now

	case types.EvTaskStopExec:
		r.closeRun(now)
		r.hasCurrent = false

	case types.EvTaskReadyBegin:
		r.task(ev.TaskID, ev.Name)
		r.readySince[ev.TaskID] = now

	case types.EvTaskReadyEnd:
		r.closeReady(r.task(ev.TaskID, ev.Name), now)

	case types.EvTaskCreate:
		r.task(ev.TaskID, ev.Name).Created = true

	case types.EvTaskTerminate:
		t := r.task(ev.TaskID, ev.Name)
		t.Terminated = true
		if r.hasCurrent && r.current == ev.TaskID {
			r.closeRun(now)
			r.hasCurrent = false
		}

	case types.EvIsrEnter:
		if len(r.isrStack) == 0 && r.hasCurrent && !r.paused {
			r.closeRun(now)
			r.paused = true
		}
		i := r.isr(ev.Arg, ev.Name)
		i.Enters++
		r.isrStack = append(r.isrStack, isrFrame{num: ev.Arg, enter: now})
		if d := len(r.isrStack); d > i.MaxNesting {
			i.MaxNesting = d
		}

	case types.EvIsrExit, types.EvIsrExitToScheduler:
		r.popIsr(now)
		if len(r.isrStack) == 0 {
			if ev.Tag == types.EvIsrExitToScheduler {
				// The scheduler runs next; the interrupted task does not resume.
				r.hasCurrent = false
				r.paused = false
			} else if r.paused {
				r.paused = false
				r.runningSince = now
			}
		}

	case types.EvIdle:
		r.closeRun(now)
		r.hasCurrent = false
		r.idleSet, r.idleSince = true, now

	case types.EvMarker:
		r.marker(ev.Arg).Hits++

	case types.EvMarkerBegin:
		m := r.marker(ev.Arg)
		m.open, m.openSince = true, now

	case types.EvMarkerEnd:
		m := r.marker(ev.Arg)
		if m.open {
			m.open = false
			if now > m.openSince {
				span := now - m.openSince
				m.Spans++
				m.SpanCycles += span
				if span > m.SpanMax {
					m.SpanMax = span
				}
			}
		}

	case types.EvOverflow:
		r.lossEpisodes++
	}
}

// Describe merges the decoder's resource tables into the registry, naming
// entries the event stream only knew by ID.
func (r *Registry) Describe(tasks []decode.Task, isrs []decode.ISR) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range tasks {
		t := r.task(d.ID, d.Name)
		t.Priority = d.Priority
	}
	for _, d := range isrs {
		r.isr(d.Number, d.Name)
	}
}

// Get returns a copy of one task's stats.
func (r *Registry) Get(id uint32) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Stats{}, false
	}
	return *t, true
}

// Tasks returns all task stats sorted by ID.
func (r *Registry) Tasks() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ISRs returns all interrupt stats sorted by number.
func (r *Registry) ISRs() []ISRStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ISRStats, 0, len(r.isrs))
	for _, i := range r.isrs {
		out = append(out, *i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Markers returns all marker stats sorted by ID.
func (r *Registry) Markers() []MarkerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MarkerStats, 0, len(r.markers))
	for _, m := range r.markers {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary returns the registry-wide counters.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Summary{
		Events:       r.events,
		IdleCycles:   r.idleCycles,
		LossEpisodes: r.lossEpisodes,
	}
}

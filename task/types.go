package task

// Stats holds the scheduling figures accumulated for one task.
type Stats struct {
	ID       uint32
	Name     string
	Priority uint32

	Switches  uint64 // times the task was switched in
	RunCycles uint64 // cycles spent executing, ISR time excluded

	ReadyCount    uint64 // completed ready-to-run periods
	ReadyCycleSum uint64
	ReadyCycleMax uint64

	Created    bool
	Terminated bool
}

// ISRStats holds the figures accumulated for one interrupt handler.
type ISRStats struct {
	Number uint64
	Name   string

	Enters uint64
	Cycles uint64 // total handler time, nested handlers included
	// MaxNesting is the deepest interrupt nesting level this handler ran at,
	// 1 meaning it only ever interrupted task context.
	MaxNesting int
}

// MarkerStats holds the figures for one application marker ID.
type MarkerStats struct {
	ID         uint64
	Hits       uint64 // instant markers
	Spans      uint64 // completed begin/end pairs
	SpanCycles uint64
	SpanMax    uint64

	open      bool
	openSince uint64
}

// Summary is the registry-wide view of a session.
type Summary struct {
	Events       uint64 // scheduling events applied
	IdleCycles   uint64
	LossEpisodes uint64
}

package types

// Tag identifies the kind of a trace record. It is the first byte of every
// wire record, so the value space is limited to one byte and existing values
// must never be renumbered.
type Tag uint8

const (
	EvNone Tag = iota // never written

	// Untimestamped metadata records.
	EvSystemDesc // system description (name, properties)
	EvFrequency  // timestamp ticks per second
	EvTaskInfo   // resource described: task (id, addr offset, prio, stack, name)
	EvIsrInfo    // resource described: ISR (id, addr offset, prio, name)
	EvTsMarker   // absolute timestamp, resets delta accumulation

	// Timestamped scheduling records.
	EvTaskSwitch   // task begins executing
	EvTaskStopExec // current task stops executing
	EvTaskReadyBegin
	EvTaskReadyEnd
	EvTaskCreate
	EvTaskTerminate
	EvIsrEnter
	EvIsrExit
	EvIsrExitToScheduler
	EvIdle

	// Timestamped application records.
	EvMarker
	EvMarkerBegin
	EvMarkerEnd

	// Loss accounting.
	EvOverflow // dropped-event count since last successful record

	evCount
)

// NumTags is the number of defined record tags.
const NumTags = int(evCount)

var tagNames = [NumTags]string{
	EvNone:               "None",
	EvSystemDesc:         "SystemDesc",
	EvFrequency:          "Frequency",
	EvTaskInfo:           "TaskInfo",
	EvIsrInfo:            "IsrInfo",
	EvTsMarker:           "TsMarker",
	EvTaskSwitch:         "TaskSwitch",
	EvTaskStopExec:       "TaskStopExec",
	EvTaskReadyBegin:     "TaskReadyBegin",
	EvTaskReadyEnd:       "TaskReadyEnd",
	EvTaskCreate:         "TaskCreate",
	EvTaskTerminate:      "TaskTerminate",
	EvIsrEnter:           "IsrEnter",
	EvIsrExit:            "IsrExit",
	EvIsrExitToScheduler: "IsrExitToScheduler",
	EvIdle:               "Idle",
	EvMarker:             "Marker",
	EvMarkerBegin:        "MarkerBegin",
	EvMarkerEnd:          "MarkerEnd",
	EvOverflow:           "Overflow",
}

func (t Tag) String() string {
	if int(t) < NumTags && tagNames[t] != "" {
		return tagNames[t]
	}
	return "Unknown"
}

// Valid reports whether t is a defined record tag.
func (t Tag) Valid() bool {
	return t > EvNone && int(t) < NumTags
}

// Mode selects how the event buffer behaves when it fills up.
type Mode uint8

const (
	// ModeStreaming expects a live drain consumer; records that would
	// overrun the unread window are dropped and counted.
	ModeStreaming Mode = iota
	// ModePostMortem keeps only the most recent window of records,
	// overwriting the oldest generation. Intended for retrieval after a
	// crash or halt.
	ModePostMortem
)

func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModePostMortem:
		return "postmortem"
	}
	return "unknown"
}

// TaskState is the scheduler state reported for a task by the task-list
// provider.
type TaskState uint8

const (
	TaskRunning TaskState = iota
	TaskReady
	TaskSleeping
	TaskBlocked
	TaskSuspended
	TaskTerminated
)

var taskStateNames = [...]string{
	TaskRunning:    "running",
	TaskReady:      "ready",
	TaskSleeping:   "sleeping",
	TaskBlocked:    "blocked",
	TaskSuspended:  "suspended",
	TaskTerminated: "terminated",
}

func (s TaskState) String() string {
	if int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return "unknown"
}

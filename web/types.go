package web

import (
	"time"
)

// SessionRow represents a capture session for the web API
type SessionRow struct {
	ID           int64      `json:"id"`
	Started      time.Time  `json:"started"`
	Ended        *time.Time `json:"ended,omitempty"`
	Source       string     `json:"source"`
	Mode         string     `json:"mode"`
	Description  string     `json:"description"`
	Frequency    uint64     `json:"frequency"`
	Records      uint64     `json:"records"`
	Bytes        uint64     `json:"bytes"`
	Episodes     uint64     `json:"episodes"`
	Dropped      uint64     `json:"dropped"`
	Cuts         uint64     `json:"cuts"`
	IdleCycles   uint64     `json:"idleCycles"`
	SnapshotHash string     `json:"snapshotHash,omitempty"`
}

// EventRow represents one decoded trace event for the web API
type EventRow struct {
	ID        int64  `json:"id"`
	SessionID int64  `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Tag       string `json:"tag"`
	Cycles    uint64 `json:"cycles"`
	WallNs    int64  `json:"wallNs"`
	TaskID    uint32 `json:"taskId"`
	Arg       uint64 `json:"arg"`
	Name      string `json:"name"`
	Anchored  bool   `json:"anchored"`
}

type TaskRow struct {
	TaskID        uint32 `json:"taskId"`
	Name          string `json:"name"`
	Priority      uint32 `json:"priority"`
	Switches      uint64 `json:"switches"`
	RunCycles     uint64 `json:"runCycles"`
	ReadyCount    uint64 `json:"readyCount"`
	ReadyCycleSum uint64 `json:"readyCycleSum"`
	ReadyCycleMax uint64 `json:"readyCycleMax"`
	Created       bool   `json:"created"`
	Terminated    bool   `json:"terminated"`
}

type ISRRow struct {
	Number     uint64 `json:"number"`
	Name       string `json:"name"`
	Enters     uint64 `json:"enters"`
	Cycles     uint64 `json:"cycles"`
	MaxNesting int    `json:"maxNesting"`
}

type MarkerRow struct {
	MarkerID   uint64 `json:"markerId"`
	Hits       uint64 `json:"hits"`
	Spans      uint64 `json:"spans"`
	SpanCycles uint64 `json:"spanCycles"`
	SpanMax    uint64 `json:"spanMax"`
}

package models

import (
	"encoding/json"
	"time"
)

// ProbeReason explains why a probe did not report the candidate reachable.
type ProbeReason string

const (
	ReasonNone         ProbeReason = ""
	ReasonTimeout      ProbeReason = "timeout"
	ReasonAborted      ProbeReason = "aborted"
	ReasonNetwork      ProbeReason = "network"
	ReasonHTTPStatus   ProbeReason = "http_status"
	ReasonNoCandidates ProbeReason = "no_candidates"
)

// ProbeResult is the outcome of a single liveness check against one candidate URL.
type ProbeResult struct {
	URL        string      `json:"url"`
	Reachable  bool        `json:"reachable"`
	Reason     ProbeReason `json:"reason,omitempty"`
	StatusCode int         `json:"status_code,omitempty"`
	Latency    int64       `json:"latency_ms"`
	Error      string      `json:"error,omitempty"`
}

// PollCycle describes the reachability poll loop at a point in time.
type PollCycle struct {
	ID              uint64
	Cadence         time.Duration
	InProgress      bool
	SinceForeground time.Duration
	StartedAt       time.Time
}

// MarshalJSON renders durations in milliseconds.
func (c PollCycle) MarshalJSON() ([]byte, error) {
	wire := struct {
		ID                uint64     `json:"id"`
		CadenceMs         int64      `json:"cadence_ms"`
		InProgress        bool       `json:"in_progress"`
		SinceForegroundMs int64      `json:"since_foreground_ms"`
		StartedAt         *time.Time `json:"started_at,omitempty"`
	}{
		ID:                c.ID,
		CadenceMs:         c.Cadence.Milliseconds(),
		InProgress:        c.InProgress,
		SinceForegroundMs: c.SinceForeground.Milliseconds(),
	}
	if !c.StartedAt.IsZero() {
		wire.StartedAt = &c.StartedAt
	}
	return json.Marshal(wire)
}

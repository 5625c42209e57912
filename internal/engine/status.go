package engine

import (
	"context"
	"fmt"
	"time"
)

// Phase is the orchestrator's position in a sync attempt.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCollecting
	PhaseSending
	PhaseApplying
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCollecting:
		return "collecting"
	case PhaseSending:
		return "sending"
	case PhaseApplying:
		return "applying"
	}

	return fmt.Sprintf("phase(%d)", int32(p))
}

// MarshalText renders the phase by name in JSON output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// EventKind distinguishes successful attempts from failed ones.
type EventKind string

const (
	EventSynced    EventKind = "synced"
	EventSyncError EventKind = "sync_error"
)

// Result counts what one or more attempts did.
type Result struct {
	Synced       int       `json:"synced"`
	Received     int       `json:"received"`
	Conflicted   int       `json:"conflicted"`
	Dropped      int       `json:"dropped"`
	Deduplicated int       `json:"deduplicated"`
	Watermark    time.Time `json:"watermark"`
	NoOp         bool      `json:"noop,omitempty"`
}

func (r *Result) add(o Result) {
	r.Synced += o.Synced
	r.Received += o.Received
	r.Conflicted += o.Conflicted
	r.Dropped += o.Dropped
	r.Deduplicated += o.Deduplicated

	if o.Watermark.After(r.Watermark) {
		r.Watermark = o.Watermark
	}

	r.NoOp = r.NoOp && o.NoOp
}

// Event is the notification sent after a sync attempt.
type Event struct {
	Kind EventKind
	Result
	Err error
	At  time.Time
}

// Status is the sync summary shown to users. It is available even when
// the last attempt failed.
type Status struct {
	DeviceID    string    `json:"deviceId"`
	LastSync    time.Time `json:"lastSync"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastError   string    `json:"lastError,omitempty"`
	Pending     int       `json:"pending"`
	Conflicts   int       `json:"conflicts"`
	State       Phase     `json:"state"`
	Online      bool      `json:"online"`
}

// Status returns the current sync summary. When the local store cannot
// be read the in-memory fields are still filled in and the error is
// returned alongside.
func (e *Engine) Status(_ context.Context) (Status, error) {
	e.mu.Lock()
	st := Status{
		DeviceID:    e.cfg.DeviceID,
		LastAttempt: e.lastAttempt,
		LastError:   e.lastError,
		State:       Phase(e.phase.Load()),
		Online:      e.online.Load(),
	}
	e.mu.Unlock()

	wm, err := e.store.Watermark(e.cfg.DeviceID)
	if err != nil {
		return st, fmt.Errorf("reading watermark: %w", err)
	}

	st.LastSync = wm.LastSyncTimestamp

	if st.Pending, err = e.store.QueueLen(); err != nil {
		return st, fmt.Errorf("reading queue: %w", err)
	}

	if st.Conflicts, err = e.store.ConflictCount(); err != nil {
		return st, fmt.Errorf("reading conflicts: %w", err)
	}

	return st, nil
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
}

func (e *Engine) recordAttempt(at time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastAttempt = at
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
}

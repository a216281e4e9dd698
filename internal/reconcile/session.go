package reconcile

import (
	"errors"
	"time"
)

// Status marks whether a session is still open.
type Status string

const (
	StatusInside Status = "inside"
	StatusExited Status = "exited"
)

// EventKind classifies what an observation (or a sweep) produced.
type EventKind string

const (
	EventNone    EventKind = "none"
	EventEntry   EventKind = "entry"
	EventReEntry EventKind = "re_entry"
	EventExit    EventKind = "exit"
)

// ErrInvalidTimestamp is returned when an observation arrives with a timestamp
// earlier than the open session's entry time beyond the jitter tolerance.
// Such observations are dropped without touching the session.
var ErrInvalidTimestamp = errors.New("observation timestamp precedes session entry")

// Observation is one recognized detection event from the vision pipeline.
type Observation struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
}

// Session is one identity's presence interval for one calendar date.
// Once exited it is never mutated again.
type Session struct {
	ID         string     `json:"id"`
	Identity   string     `json:"identity"`
	Day        time.Time  `json:"date"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	LastSeen   time.Time  `json:"last_seen"`
	LastAction string     `json:"last_action"`
	Status     Status     `json:"status"`
}

// Open reports whether the session is still inside.
func (s *Session) Open() bool { return s != nil && s.Status == StatusInside }

// Duration returns the closed session's length, zero while still open.
func (s *Session) Duration() time.Duration {
	if s == nil || s.ExitTime == nil {
		return 0
	}
	return s.ExitTime.Sub(s.EntryTime)
}

// Transition is the persistence delta produced by one reconciliation step.
// Closed, when set, must be written before (or atomically with) Open.
type Transition struct {
	Closed *Session
	Open   *Session
	Event  EventKind
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Step computes the reconciliation transition for a single observation against
// the identity's current open session (nil when none). It performs no I/O; the
// caller persists the returned sessions and emits the event.
//
// Rules:
//   - no open session: a new one opens (entry)
//   - open session, gap < cooldown: last_seen/last_action refresh only (none)
//   - open session, gap >= cooldown: implicit exit at last_seen, then a fresh
//     session opens at the observation timestamp (re_entry)
//   - open session from a previous day: closed at last_seen, fresh entry
func Step(open *Session, obs Observation, cooldown, jitter time.Duration) (Transition, error) {
	ts := obs.Timestamp.UTC()

	if !open.Open() {
		return Transition{Open: newSession(obs, ts), Event: EventEntry}, nil
	}

	if ts.Before(open.EntryTime.Add(-jitter)) {
		return Transition{}, ErrInvalidTimestamp
	}

	if day := DateOf(ts); !day.Equal(open.Day) {
		return Transition{Closed: closeAt(open, open.LastSeen), Open: newSession(obs, ts), Event: EventEntry}, nil
	}

	if ts.Sub(open.LastSeen) >= cooldown {
		return Transition{Closed: closeAt(open, open.LastSeen), Open: newSession(obs, ts), Event: EventReEntry}, nil
	}

	touched := *open
	// A slightly stale timestamp still counts as presence but must not move
	// last_seen backwards.
	if ts.After(touched.LastSeen) {
		touched.LastSeen = ts
	}
	if obs.Action != "" {
		touched.LastAction = obs.Action
	}
	return Transition{Open: &touched, Event: EventNone}, nil
}

func newSession(obs Observation, ts time.Time) *Session {
	action := obs.Action
	if action == "" {
		action = "unknown"
	}
	return &Session{
		Identity:   obs.Identity,
		Day:        DateOf(ts),
		EntryTime:  ts,
		LastSeen:   ts,
		LastAction: action,
		Status:     StatusInside,
	}
}

func closeAt(s *Session, exit time.Time) *Session {
	closed := *s
	t := exit
	closed.ExitTime = &t
	closed.Status = StatusExited
	return &closed
}

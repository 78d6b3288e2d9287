package domain

import "time"

// FiniteState is the execution lifecycle value carried by stateful commands.
type FiniteState string

const (
	StatePending   FiniteState = "pending"
	StateExecuting FiniteState = "executing"
	StateCompleted FiniteState = "completed"
	StateFailed    FiniteState = "failed"
)

// Command is a serializable unit of work with an eligibility time.
// Timestamps are Unix seconds.
type Command interface {
	CommandName() string
	Timestamp() int64
	SetTimestamp(ts int64)
}

// StatefulCommand is a Command whose record outlives its claim.
type StatefulCommand interface {
	Command
	FiniteState() FiniteState
	SetFiniteState(s FiniteState)
}

// Scheduled gives a command the timestamp capability when embedded.
type Scheduled struct {
	At int64 `json:"timestamp"`
}

func (s *Scheduled) Timestamp() int64      { return s.At }
func (s *Scheduled) SetTimestamp(ts int64) { s.At = ts }

// Stateful gives a command the timestamp and finite state capabilities.
// An unset state reads as pending.
type Stateful struct {
	Scheduled
	State FiniteState `json:"finite_state,omitempty"`
}

func (s *Stateful) FiniteState() FiniteState {
	if s.State == "" {
		return StatePending
	}
	return s.State
}

func (s *Stateful) SetFiniteState(st FiniteState) { s.State = st }

// IsStateful reports whether c carries the finite state capability.
func IsStateful(c Command) bool {
	_, ok := c.(StatefulCommand)
	return ok
}

// Record is the persisted form of one scheduled command.
type Record struct {
	ID        string
	Timestamp int64
	Command   []byte
	State     FiniteState
	ClaimedAt int64 // unix nanos, 0 while pending
	CreatedAt time.Time
}

// Version is what a conditional update must match on the stored record.
type Version struct {
	State     FiniteState
	ClaimedAt int64
}

func (r Record) Version() Version {
	return Version{State: r.State, ClaimedAt: r.ClaimedAt}
}

// Due reports whether the record is claimable at now (unix seconds).
func (r Record) Due(now int64) bool {
	return r.State == StatePending && r.Timestamp <= now
}

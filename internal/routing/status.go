package routing

import (
	"maps"
	"time"
)

// Outcome is how a reconciliation pass ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Status maps a trigger entity name to an empty string on success or the error text.
type Status map[string]string

// Set records msg for entity. An error already recorded for the entity in this
// pass is never overwritten by a success.
func (s Status) Set(entity, msg string) {
	if prev, ok := s[entity]; ok && prev != "" && msg == "" {
		return
	}

	s[entity] = msg
}

// Failed returns the entities that carry an error.
func (s Status) Failed() []string {
	var failed []string

	for entity, msg := range s {
		if msg != "" {
			failed = append(failed, entity)
		}
	}

	return failed
}

// Result is the outcome of one reconciliation pass. It is owned by the caller.
type Result struct {
	CycleID  string
	Outcome  Outcome
	Err      error
	Status   Status
	Applied  ApplyReport
	Targets  int
	Deferred bool
	Started  time.Time
	Duration time.Duration
}

// Clone returns a copy whose Status map can be modified independently.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}

	out := *r
	out.Status = maps.Clone(r.Status)

	return &out
}

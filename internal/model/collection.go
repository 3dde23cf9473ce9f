package model

import "time"

// Outcome is the terminal result of a single collection run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
)

// CollectionRun is one attempt to collect from one source.
type CollectionRun struct {
	SourceID   string    `json:"source_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Outcome    Outcome   `json:"outcome"`
	ItemCount  int       `json:"item_count"`
	Stored     int       `json:"stored"`
	Duplicates int       `json:"duplicates"`

	// ErrorKind and Reason are set when Outcome is OutcomeFailed.
	ErrorKind  string        `json:"error_kind,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Abandoned marks a collection still in flight when the run deadline passed.
	Abandoned bool `json:"abandoned,omitempty"`

	// AdmitErr is set when the collected items could not be persisted. It is
	// a structural failure rather than a per-source one.
	AdmitErr error `json:"-"`
}

// Elapsed returns the wall-clock duration of the run.
func (r CollectionRun) Elapsed() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Package pipeline sequences one end-to-end cycle of collection, processing
// and analysis and exposes its progress to observers.
package pipeline

import (
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

// Stage is the human-visible step of a pipeline run.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageCollecting Stage = "collecting"
	StageProcessing Stage = "processing"
	StageAnalyzing  Stage = "analyzing"
	StageComplete   Stage = "complete"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transition can happen within the run.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// transitions lists the legal next stages. Complete and Failed only return
// to Idle when the machine is reset for the next run.
var transitions = map[Stage][]Stage{
	StageIdle:       {StageCollecting},
	StageCollecting: {StageProcessing, StageFailed},
	StageProcessing: {StageAnalyzing, StageFailed},
	StageAnalyzing:  {StageComplete, StageFailed},
	StageComplete:   {StageIdle},
	StageFailed:     {StageIdle},
}

// ErrInvalidTransition is returned for a transition the table does not allow.
var ErrInvalidTransition = errors.New("invalid stage transition")

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode selects which sources a run collects.
type Mode string

const (
	// ModeScheduled collects only sources whose cadence has elapsed.
	ModeScheduled Mode = "scheduled"
	// ModeManual collects every enabled source once, ignoring cadence.
	ModeManual Mode = "manual"
)

// ParseMode converts a case-insensitive name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeScheduled:
		return ModeScheduled, nil
	case ModeManual, "":
		return ModeManual, nil
	default:
		return "", eris.Errorf("pipeline: unknown mode %q (valid: scheduled, manual)", s)
	}
}

// Snapshot is the observable state of one run.
type Snapshot struct {
	RunID      string           `json:"run_id"`
	Mode       Mode             `json:"mode"`
	Categories []model.Category `json:"categories,omitempty"`
	Stage      Stage            `json:"stage"`

	Collected      int `json:"collected"`
	Stored         int `json:"stored"`
	Duplicates     int `json:"duplicates"`
	Submitted      int `json:"submitted"`
	ProcessedCount int `json:"processed_count"`
	AnalysisFailed int `json:"analysis_failed"`
	Stragglers     int `json:"stragglers,omitempty"`

	SourcesTotal     int      `json:"sources_total"`
	SourcesSucceeded int      `json:"sources_succeeded"`
	SourcesEmpty     int      `json:"sources_empty"`
	SourcesFailed    int      `json:"sources_failed"`
	FailedSources    []string `json:"failed_sources,omitempty"`

	Error        string     `json:"error,omitempty"`
	Acknowledged bool       `json:"acknowledged,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a copy sharing no slices with s.
func (s Snapshot) Clone() Snapshot {
	s.Categories = append([]model.Category(nil), s.Categories...)
	s.FailedSources = append([]string(nil), s.FailedSources...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

// Observer receives a snapshot after every stage transition. Calls for one
// run are sequential and in transition order.
type Observer interface {
	Observe(s Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s Snapshot)

// Observe calls f.
func (f ObserverFunc) Observe(s Snapshot) { f(s) }

// fold adds one terminal collection run to the counters.
func (s *Snapshot) fold(run model.CollectionRun) {
	s.Stored += run.Stored
	s.Duplicates += run.Duplicates
	if !run.Abandoned {
		s.Collected += run.ItemCount
	}
	switch run.Outcome {
	case model.OutcomeSuccess:
		s.SourcesSucceeded++
	case model.OutcomeEmpty:
		s.SourcesEmpty++
	default:
		s.SourcesFailed++
		s.FailedSources = append(s.FailedSources, run.SourceID)
	}
}

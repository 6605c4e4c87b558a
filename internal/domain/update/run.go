package update

import (
	"time"

	"github.com/oshokin/compose-updater/internal/tag"
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	// ErrorKindNone marks a run that did not fail.
	ErrorKindNone ErrorKind = ""
	// ErrorKindStepFailed marks a pipeline step that exited non-zero, timed out or could not start.
	ErrorKindStepFailed ErrorKind = "step_failed"
	// ErrorKindVerificationMismatch marks a restart that did not change the running version.
	ErrorKindVerificationMismatch ErrorKind = "verification_mismatch"
	// ErrorKindUnitNotFound marks a unit that disappeared during the run.
	ErrorKindUnitNotFound ErrorKind = "unit_not_found"
	// ErrorKindCanceled marks a run canceled between phases or by shutdown.
	ErrorKindCanceled ErrorKind = "canceled"
	// ErrorKindInternal marks an unexpected orchestrator error.
	ErrorKindInternal ErrorKind = "internal"
)

// summaryLogTail is how many trailing log lines a RunSummary keeps.
const summaryLogTail = 20

// Run is one admitted update attempt. It is immutable once EndedAt is set.
type Run struct {
	// ID identifies the run.
	ID string `json:"id" yaml:"id"`
	// StartedAt is when the run was admitted.
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	// EndedAt is set when the run reaches a terminal phase.
	EndedAt *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	// Phase is the current or terminal phase.
	Phase Phase `json:"phase" yaml:"phase"`
	// FailedPhase is the phase that caused a failure.
	FailedPhase Phase `json:"failed_phase,omitempty" yaml:"failed_phase,omitempty"`
	// ExitCode is the exit code of the failing step, if any.
	ExitCode *int `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	// TimedOut reports that the failing step hit its timeout.
	TimedOut bool `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	// ErrorKind classifies the failure.
	ErrorKind ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	// ErrorMessage is the operator-facing failure description.
	ErrorMessage string `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	// Before is the running tag when the run was admitted.
	Before tag.Tag `json:"before,omitempty" yaml:"before,omitempty"`
	// Latest is the upstream tag the run is expected to reach.
	Latest tag.Tag `json:"latest,omitempty" yaml:"latest,omitempty"`
	// After is the running tag observed by verification.
	After tag.Tag `json:"after,omitempty" yaml:"after,omitempty"`
	// Log is every output line in production order.
	Log []string `json:"log" yaml:"log"`
}

// RunSummary is the light view of a run used in snapshots and terminal events.
type RunSummary struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Phase        Phase      `json:"phase"`
	FailedPhase  Phase      `json:"failed_phase,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	TimedOut     bool       `json:"timed_out,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Before       string     `json:"before,omitempty"`
	Latest       string     `json:"latest,omitempty"`
	After        string     `json:"after,omitempty"`
	LogLines     int        `json:"log_lines"`
	LogTail      []string   `json:"log_tail,omitempty"`
}

// Finished reports whether the run reached a terminal phase.
func (r *Run) Finished() bool {
	return r != nil && r.EndedAt != nil
}

// Duration returns the run duration, measured up to now for an active run.
func (r *Run) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}

	return now.Sub(r.StartedAt)
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.EndedAt = cloneTime(r.EndedAt)
	cloned.ExitCode = cloneInt(r.ExitCode)
	cloned.Log = append([]string(nil), r.Log...)

	return &cloned
}

// Summary returns the light view of the run with the last log lines.
func (r *Run) Summary() *RunSummary {
	if r == nil {
		return nil
	}

	tail := r.Log
	if len(tail) > summaryLogTail {
		tail = tail[len(tail)-summaryLogTail:]
	}

	return &RunSummary{
		ID:           r.ID,
		StartedAt:    r.StartedAt,
		EndedAt:      cloneTime(r.EndedAt),
		Phase:        r.Phase,
		FailedPhase:  r.FailedPhase,
		ExitCode:     cloneInt(r.ExitCode),
		TimedOut:     r.TimedOut,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		Before:       optionalTag(r.Before),
		Latest:       optionalTag(r.Latest),
		After:        optionalTag(r.After),
		LogLines:     len(r.Log),
		LogTail:      append([]string(nil), tail...),
	}
}

// optionalTag renders a known tag or an empty string.
func optionalTag(t tag.Tag) string {
	if !t.Known() {
		return ""
	}

	return t.String()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}

	v := *i

	return &v
}

package update

import "time"

// EventType identifies a progress event.
type EventType string

const (
	// EventSnapshot replays the current run state to a new subscriber.
	EventSnapshot EventType = "snapshot"
	// EventPhase announces a phase transition.
	EventPhase EventType = "phase"
	// EventLine carries one output line.
	EventLine EventType = "line"
	// EventSucceeded is the terminal success event.
	EventSucceeded EventType = "succeeded"
	// EventFailed is the terminal failure event.
	EventFailed EventType = "failed"
)

// Event is one progress notification fanned out to subscribers.
type Event struct {
	// Type identifies the event.
	Type EventType `json:"type"`
	// RunID is the run the event belongs to; empty for an idle snapshot.
	RunID string `json:"run_id,omitempty"`
	// Phase is the phase current when the event was produced.
	Phase Phase `json:"phase"`
	// Line is the output line of an EventLine.
	Line string `json:"line,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
	// Log is the log so far of an EventSnapshot.
	Log []string `json:"log,omitempty"`
	// Run summarizes the run on snapshot and terminal events.
	Run *RunSummary `json:"run,omitempty"`
	// At is when the event was produced.
	At time.Time `json:"at"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Type == EventSucceeded || e.Type == EventFailed
}

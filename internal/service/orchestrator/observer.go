package orchestrator

import (
	"time"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// Observer is notified of run progress. Calls are synchronous, made outside
// the orchestrator lock, and must not block.
type Observer interface {
	// PhaseChanged reports a run phase transition; elapsed is the time spent in from.
	PhaseChanged(runID string, from, to update.Phase, elapsed time.Duration)
	// RunFinished reports a terminal run.
	RunFinished(run *update.Run)
}

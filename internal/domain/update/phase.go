package update

import "fmt"

// Phase is a step of the update lifecycle. Exactly one phase is active process-wide.
type Phase int

const (
	// PhaseIdle means no check or update is running.
	PhaseIdle Phase = iota
	// PhaseChecking means a version status query is running.
	PhaseChecking
	// PhasePulling runs the image pull step.
	PhasePulling
	// PhaseBuilding runs the no-cache rebuild step.
	PhaseBuilding
	// PhaseRestarting runs the recreate step.
	PhaseRestarting
	// PhaseVerifying compares the running version with the expected one.
	PhaseVerifying
	// PhaseSucceeded is the terminal success phase.
	PhaseSucceeded
	// PhaseFailed is the terminal failure phase.
	PhaseFailed
)

//nolint:gochecknoglobals // Lookup table for the enum names.
var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseChecking:   "checking",
	PhasePulling:    "pulling",
	PhaseBuilding:   "building",
	PhaseRestarting: "restarting",
	PhaseVerifying:  "verifying",
	PhaseSucceeded:  "succeeded",
	PhaseFailed:     "failed",
}

// PipelinePhases lists the phases an admitted run walks through, in order.
func PipelinePhases() []Phase {
	return []Phase{PhasePulling, PhaseBuilding, PhaseRestarting, PhaseVerifying}
}

// String returns the lower-case phase name.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}

	return phaseNames[p]
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Active reports whether the phase belongs to a running pipeline.
func (p Phase) Active() bool {
	return p >= PhasePulling && p <= PhaseVerifying
}

// MarshalText encodes the phase as its name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}

	return fmt.Errorf("unknown phase %q", string(text))
}

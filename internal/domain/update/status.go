package update

import (
	"time"

	"github.com/oshokin/compose-updater/internal/tag"
)

// Release is the upstream release metadata shown next to the latest tag.
type Release struct {
	Tag         tag.Tag   `json:"tag"`
	Name        string    `json:"name,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	Notes       string    `json:"notes,omitempty"`
}

// VersionStatus compares the running and the latest tag. It is recomputed on
// demand and never persisted; unknown tags are valid values, not errors.
type VersionStatus struct {
	// Current is the running tag, empty when unknown.
	Current tag.Tag `json:"current"`
	// Latest is the upstream tag, empty when unknown.
	Latest tag.Tag `json:"latest"`
	// CheckedAt is when the status was computed.
	CheckedAt time.Time `json:"checked_at"`
	// UpdateAvailable is true only when Latest is strictly newer than Current.
	UpdateAvailable bool `json:"update_available"`
	// CurrentError explains an unknown Current.
	CurrentError string `json:"current_error,omitempty"`
	// LatestError explains an unknown Latest.
	LatestError string `json:"latest_error,omitempty"`
	// Release carries upstream metadata when available.
	Release *Release `json:"release,omitempty"`
	// Container is the runtime state of the managed unit.
	Container ContainerState `json:"container"`
}

// ContainerState is the runtime state of the managed container.
type ContainerState struct {
	Exists  bool   `json:"exists"`
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// Clone returns a copy of the status with its own release record.
func (s *VersionStatus) Clone() *VersionStatus {
	if s == nil {
		return nil
	}

	cloned := *s
	if s.Release != nil {
		release := *s.Release
		cloned.Release = &release
	}

	return &cloned
}

// GuardState is the admission state of the single update slot.
type GuardState struct {
	// InProgress reports that a run holds the slot.
	InProgress bool `json:"in_progress"`
	// LastCompletedAt is when the last run released the slot.
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	// Cooldown is the minimum time between a completion and the next admission.
	Cooldown time.Duration `json:"cooldown"`
}

// Remaining returns the cooldown left at now, zero when none.
func (g GuardState) Remaining(now time.Time) time.Duration {
	if g.LastCompletedAt == nil {
		return 0
	}

	remaining := g.LastCompletedAt.Add(g.Cooldown).Sub(now)
	if remaining < 0 {
		return 0
	}

	return remaining
}

// Snapshot is a consistent point-in-time view for non-streaming consumers.
type Snapshot struct {
	// Status is the last computed version status, nil before the first check.
	Status *VersionStatus `json:"status,omitempty"`
	// Phase is the process-wide phase.
	Phase Phase `json:"phase"`
	// Guard is the admission state.
	Guard GuardState `json:"guard"`
	// CanUpdate reports that an update would be admitted now.
	CanUpdate bool `json:"can_update"`
	// CooldownRemaining is the time before the next admission is possible.
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	// CurrentRun summarizes the active run.
	CurrentRun *RunSummary `json:"current_run,omitempty"`
	// LastRun summarizes the last finished run.
	LastRun *RunSummary `json:"last_run,omitempty"`
	// TakenAt is when the snapshot was taken.
	TakenAt time.Time `json:"taken_at"`
}

package guard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

var (
	// ErrAlreadyInProgress denies admission while another run holds the slot.
	ErrAlreadyInProgress = errors.New("update already in progress")
	// ErrCooldownActive denies admission shortly after a completion; see CooldownError.
	ErrCooldownActive = errors.New("update cooldown active")
)

// CooldownError carries the time left before the next admission.
type CooldownError struct {
	// Remaining is the cooldown left, always positive.
	Remaining time.Duration
}

// Error returns the operator-facing message.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrCooldownActive, RoundUp(e.Remaining))
}

// Is lets errors.Is match ErrCooldownActive.
func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// Clock returns the current time; tests inject a fake one.
type Clock func() time.Time

// Guard is the single-flight slot with its cooldown clock.
type Guard struct {
	// mu protects the fields below; acquisition is atomic under it.
	mu sync.Mutex
	// inProgress reports that the slot is held.
	inProgress bool
	// lastCompletedAt is when the slot was last released.
	lastCompletedAt time.Time
	// cooldown separates a release from the next grant.
	cooldown time.Duration
	// now is the time source.
	now Clock
}

// New creates a guard; a nil clock uses time.Now.
func New(cooldown time.Duration, clock Clock) *Guard {
	if clock == nil {
		clock = time.Now
	}

	return &Guard{
		cooldown: cooldown,
		now:      clock,
	}
}

// TryAcquire grants the slot or explains the denial with
// ErrAlreadyInProgress or a *CooldownError.
func (g *Guard) TryAcquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inProgress {
		return ErrAlreadyInProgress
	}

	if remaining := g.remainingLocked(); remaining > 0 {
		return &CooldownError{Remaining: remaining}
	}

	g.inProgress = true

	return nil
}

// Release frees the slot and starts the cooldown. Success and failure both count.
func (g *Guard) Release(completedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inProgress = false
	g.lastCompletedAt = completedAt
}

// Remaining returns the cooldown left now.
func (g *Guard) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.remainingLocked()
}

// State returns a copy of the admission state.
func (g *Guard) State() update.GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := update.GuardState{
		InProgress: g.inProgress,
		Cooldown:   g.cooldown,
	}

	if !g.lastCompletedAt.IsZero() {
		completed := g.lastCompletedAt
		state.LastCompletedAt = &completed
	}

	return state
}

// remainingLocked computes the cooldown left; g.mu must be held.
func (g *Guard) remainingLocked() time.Duration {
	if g.lastCompletedAt.IsZero() {
		return 0
	}

	remaining := g.lastCompletedAt.Add(g.cooldown).Sub(g.now())
	if remaining < 0 {
		return 0
	}

	return remaining
}

// RoundUp rounds a positive duration up to whole seconds for display.
func RoundUp(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}

	return rounded
}

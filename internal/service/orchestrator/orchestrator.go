package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/logger"
	"github.com/oshokin/compose-updater/internal/process"
	repository "github.com/oshokin/compose-updater/internal/repository/run"
	"github.com/oshokin/compose-updater/internal/service/broadcast"
	"github.com/oshokin/compose-updater/internal/service/guard"
	"github.com/oshokin/compose-updater/internal/tag"
)

// Inspector reads the running version and state of the managed unit.
type Inspector interface {
	InspectCurrent(ctx context.Context, unit string) (tag.Tag, error)
	ContainerState(ctx context.Context, unit string) (update.ContainerState, error)
}

// Source fetches the latest upstream release.
type Source interface {
	LatestRelease(ctx context.Context, repo string) (*update.Release, error)
	ClearCache()
}

// Steps are the external commands of the three process phases.
type Steps struct {
	Pull    process.Command
	Build   process.Command
	Restart process.Command
}

// Options wires the orchestrator to its collaborators.
type Options struct {
	// Unit is the managed container name.
	Unit string
	// Repo is the "owner/name" upstream repository.
	Repo string
	// Steps are the pipeline commands.
	Steps Steps
	// Cooldown separates the end of one run from the next admission.
	Cooldown time.Duration
	// VerifySettle is the delay before the first post-restart inspection.
	VerifySettle time.Duration
	// VerifyTimeout bounds the whole verification.
	VerifyTimeout time.Duration
	// Runner executes the steps; nil runs them on the host.
	Runner process.Runner
	// Inspector reads the running version. Required.
	Inspector Inspector
	// Source fetches the latest release. Required.
	Source Source
	// Repository persists the last run; nil keeps it in memory only.
	Repository repository.Repository
	// Broadcaster fans out progress; nil creates one with the default buffer.
	Broadcaster *broadcast.Broadcaster
	// Observers are notified of phase changes and finished runs.
	Observers []Observer
	// Clock is the time source; nil uses time.Now.
	Clock guard.Clock
	// NewID generates run identifiers; nil uses random UUIDs.
	NewID func() string
}

var (
	// errInspectorRequired is returned when no inspector is configured.
	errInspectorRequired = errors.New("inspector is required")
	// errSourceRequired is returned when no release source is configured.
	errSourceRequired = errors.New("release source is required")
)

// Orchestrator is the process-wide update state machine.
type Orchestrator struct {
	// Immutable after New.
	unit          string
	repo          string
	steps         Steps
	verifySettle  time.Duration
	verifyTimeout time.Duration
	runner        process.Runner
	inspector     Inspector
	source        Source
	repository    repository.Repository
	broadcaster   *broadcast.Broadcaster
	observers     []Observer
	guard         *guard.Guard
	now           guard.Clock
	newID         func() string

	// lifetime bounds every run; cancel kills in-flight steps on forced shutdown.
	lifetime context.Context
	cancel   context.CancelFunc
	// runs tracks the pipeline goroutine.
	runs sync.WaitGroup

	// mu protects the fields below and orders them with broadcaster deliveries.
	mu sync.RWMutex
	// status is the last computed version status.
	status *update.VersionStatus
	// checking counts status queries in flight.
	checking int
	// current is the active run, nil when idle.
	current *update.Run
	// phaseStartedAt is when current entered its phase.
	phaseStartedAt time.Time
	// cancelRequested asks the active run to stop before its next phase.
	cancelRequested bool
	// last is the last finished run.
	last *update.Run
	// closed rejects new runs after Shutdown.
	closed bool
}

// New creates the orchestrator and restores the last finished run from the repository.
// The values of ctx (such as its logger) are kept for background runs; its
// cancellation is not, use Shutdown to stop them.
func New(ctx context.Context, opts *Options) (*Orchestrator, error) {
	if opts.Inspector == nil {
		return nil, errInspectorRequired
	}

	if opts.Source == nil {
		return nil, errSourceRequired
	}

	o := &Orchestrator{
		unit:          opts.Unit,
		repo:          opts.Repo,
		steps:         opts.Steps,
		verifySettle:  opts.VerifySettle,
		verifyTimeout: opts.VerifyTimeout,
		runner:        opts.Runner,
		inspector:     opts.Inspector,
		source:        opts.Source,
		repository:    opts.Repository,
		broadcaster:   opts.Broadcaster,
		observers:     append([]Observer(nil), opts.Observers...),
		now:           opts.Clock,
		newID:         opts.NewID,
	}

	if o.runner == nil {
		o.runner = process.OSRunner{}
	}

	if o.broadcaster == nil {
		o.broadcaster = broadcast.New(broadcast.DefaultBuffer)
	}

	if o.now == nil {
		o.now = time.Now
	}

	if o.newID == nil {
		o.newID = uuid.NewString
	}

	o.guard = guard.New(opts.Cooldown, o.now)
	o.lifetime, o.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if o.repository != nil {
		last, err := o.repository.Load(ctx)

		switch {
		case err == nil:
			o.last = last
		case errors.Is(err, repository.ErrNotFound):
			// First start.
		default:
			// A broken state file must not keep the updater from running.
			logger.WarnKV(ctx, "Failed to load last update run", "error", err)
		}
	}

	return o, nil
}

// Status computes the version status of the unit. It never fails: errors
// become unknown tags with an explanation. refresh bypasses the release cache.
func (o *Orchestrator) Status(ctx context.Context, refresh bool) *update.VersionStatus {
	o.beginCheck()
	defer o.endCheck()

	if refresh {
		o.source.ClearCache()
	}

	var (
		status = &update.VersionStatus{}
		group  errgroup.Group
	)

	group.Go(func() error {
		current, err := o.inspector.InspectCurrent(ctx, o.unit)
		if err != nil {
			status.CurrentError = err.Error()

			logger.WarnKV(ctx, "Failed to inspect running version", "unit", o.unit, "error", err)

			return nil
		}

		status.Current = current

		return nil
	})

	group.Go(func() error {
		state, err := o.inspector.ContainerState(ctx, o.unit)
		if err != nil {
			logger.WarnKV(ctx, "Failed to read container state", "unit", o.unit, "error", err)
		}

		status.Container = state

		return nil
	})

	group.Go(func() error {
		release, err := o.source.LatestRelease(ctx, o.repo)
		if err != nil {
			status.LatestError = err.Error()

			logger.WarnKV(ctx, "Failed to fetch latest release", "repo", o.repo, "error", err)

			return nil
		}

		status.Latest = release.Tag
		status.Release = release

		return nil
	})

	// The goroutines above never return errors.
	_ = group.Wait()

	status.CheckedAt = o.now()
	status.UpdateAvailable = tag.UpdateAvailable(status.Current, status.Latest)

	o.mu.Lock()
	o.status = status.Clone()
	o.mu.Unlock()

	logger.DebugKV(ctx, "Version status computed",
		"current", status.Current.String(),
		"latest", status.Latest.String(),
		"update_available", status.UpdateAvailable,
	)

	return status
}

// StartUpdate admits a run and starts its pipeline in the background. A denial
// returns guard.ErrAlreadyInProgress or a *guard.CooldownError, creates no run
// and publishes nothing.
func (o *Orchestrator) StartUpdate(ctx context.Context) (*update.Run, error) {
	o.mu.Lock()

	if o.closed {
		o.mu.Unlock()

		return nil, ErrClosed
	}

	if err := o.guard.TryAcquire(); err != nil {
		o.mu.Unlock()

		logger.InfoKV(ctx, "Update denied", "reason", err)

		return nil, err
	}

	now := o.now()
	run := &update.Run{
		ID:        o.newID(),
		StartedAt: now,
		Phase:     update.PhasePulling,
		Log:       []string{},
	}

	o.current = run
	o.phaseStartedAt = now
	o.cancelRequested = false
	o.runs.Add(1)

	o.broadcaster.Publish(update.Event{
		Type:    update.EventPhase,
		RunID:   run.ID,
		Phase:   run.Phase,
		Message: phaseMessage(run.Phase),
		At:      now,
	})

	admitted := run.Clone()

	o.mu.Unlock()

	runCtx := logger.WithKV(o.lifetime, "run_id", run.ID)

	logger.InfoKV(runCtx, "Update started", "unit", o.unit)
	o.notifyPhase(ctx, run.ID, update.PhaseIdle, update.PhasePulling, 0)

	go o.execute(runCtx, run)

	return admitted, nil
}

// Cancel asks the active run to stop before its next phase. A running step is
// not interrupted.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == nil {
		return ErrNoActiveRun
	}

	if o.cancelRequested {
		return nil
	}

	o.cancelRequested = true
	o.appendLineLocked(o.current, "Cancellation requested, stopping after the current step")

	logger.InfoKV(ctx, "Update cancellation requested", "run_id", o.current.ID)

	return nil
}

// Subscribe registers an observer of progress events. The first event is a
// snapshot of the active run with its log so far, or an idle snapshot.
func (o *Orchestrator) Subscribe() *broadcast.Subscription {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.broadcaster.Subscribe(o.snapshotEventLocked())
}

// Snapshot returns a consistent point-in-time view of the orchestrator.
func (o *Orchestrator) Snapshot() update.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	now := o.now()
	state := o.guard.State()
	remaining := state.Remaining(now)

	return update.Snapshot{
		Status:            o.status.Clone(),
		Phase:             o.phaseLocked(),
		Guard:             state,
		CanUpdate:         !o.closed && !state.InProgress && remaining == 0,
		CooldownRemaining: remaining,
		CurrentRun:        o.current.Summary(),
		LastRun:           o.last.Summary(),
		TakenAt:           now,
	}
}

// Phase returns the process-wide phase.
func (o *Orchestrator) Phase() update.Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.phaseLocked()
}

// LastRun returns a copy of the last finished run with its full log, or nil.
func (o *Orchestrator) LastRun() *update.Run {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.last.Clone()
}

// CurrentRun returns a copy of the active run, or nil.
func (o *Orchestrator) CurrentRun() *update.Run {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.current.Clone()
}

// Wait blocks until the in-flight run, if any, has finished.
func (o *Orchestrator) Wait() {
	o.runs.Wait()
}

// Shutdown rejects new runs and waits for the in-flight one. When ctx ends
// first, the running step is killed and the run ends as canceled.
// Subscriptions are closed once the run is over.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})

	go func() {
		o.runs.Wait()
		close(done)
	}()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for update run: %w", ctx.Err())

		o.cancel()
		<-done
	}

	o.cancel()
	o.broadcaster.Close()

	return err
}

// beginCheck enters Checking unless a run owns the phase.
func (o *Orchestrator) beginCheck() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.checking++
}

// endCheck leaves Checking once the last concurrent query is done.
func (o *Orchestrator) endCheck() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.checking--
}

// phaseLocked derives the process-wide phase; o.mu must be held.
func (o *Orchestrator) phaseLocked() update.Phase {
	switch {
	case o.current != nil:
		return o.current.Phase
	case o.checking > 0:
		return update.PhaseChecking
	default:
		return update.PhaseIdle
	}
}

// snapshotEventLocked builds the replay event for a new subscriber; o.mu must be held.
func (o *Orchestrator) snapshotEventLocked() update.Event {
	event := update.Event{
		Type:  update.EventSnapshot,
		Phase: o.phaseLocked(),
		At:    o.now(),
	}

	if o.current != nil {
		event.RunID = o.current.ID
		event.Message = phaseMessage(o.current.Phase)
		event.Log = append([]string(nil), o.current.Log...)
		event.Run = o.current.Summary()
	}

	return event
}

// appendLineLocked records an output line and publishes it; o.mu must be held.
func (o *Orchestrator) appendLineLocked(run *update.Run, line string) {
	run.Log = append(run.Log, line)

	o.broadcaster.Publish(update.Event{
		Type:  update.EventLine,
		RunID: run.ID,
		Phase: run.Phase,
		Line:  line,
		At:    o.now(),
	})
}

// notifyPhase informs every observer of a transition.
func (o *Orchestrator) notifyPhase(ctx context.Context, runID string, from, to update.Phase, elapsed time.Duration) {
	for _, observer := range o.observers {
		observe(ctx, func() {
			observer.PhaseChanged(runID, from, to, elapsed)
		})
	}
}

// notifyFinished informs every observer of a terminal run.
func (o *Orchestrator) notifyFinished(ctx context.Context, run *update.Run) {
	for _, observer := range o.observers {
		observe(ctx, func() {
			observer.RunFinished(run.Clone())
		})
	}
}

// observe runs one observer callback; a panic is logged and does not reach the run.
func observe(ctx context.Context, notify func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "Update observer panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	notify()
}

// phaseMessage is the human-readable description of a phase.
func phaseMessage(phase update.Phase) string {
	switch phase {
	case update.PhasePulling:
		return "Pulling the latest image"
	case update.PhaseBuilding:
		return "Rebuilding the image without cache"
	case update.PhaseRestarting:
		return "Recreating the container"
	case update.PhaseVerifying:
		return "Verifying the running version"
	case update.PhaseChecking:
		return "Checking for updates"
	case update.PhaseSucceeded:
		return "Update completed"
	case update.PhaseFailed:
		return "Update failed"
	default:
		return "Idle"
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/logger"
	"github.com/oshokin/compose-updater/internal/process"
	"github.com/oshokin/compose-updater/internal/runtime/docker"
	"github.com/oshokin/compose-updater/internal/tag"
)

// execute runs the pipeline of an admitted run and finalizes it on every exit path.
func (o *Orchestrator) execute(ctx context.Context, run *update.Run) {
	defer o.runs.Done()

	finished := false

	defer func() {
		if finished {
			return
		}

		// The guard slot must never stay held, whatever went wrong.
		err := fmt.Errorf("internal error: %v", recover())

		logger.ErrorKV(ctx, "Update pipeline panicked", "error", err, "stack", string(debug.Stack()))

		o.mu.Lock()
		ended := run.EndedAt != nil
		o.mu.Unlock()

		// A panic after the run was finalized must not publish a second outcome.
		if !ended {
			o.finish(ctx, run, err)
		}
	}()

	o.finish(ctx, run, o.pipeline(ctx, run))

	finished = true
}

// pipeline walks the phases in order and stops at the first failure.
func (o *Orchestrator) pipeline(ctx context.Context, run *update.Run) error {
	o.recordVersions(ctx, run)

	steps := []struct {
		phase update.Phase
		cmd   process.Command
	}{
		{update.PhasePulling, o.steps.Pull},
		{update.PhaseBuilding, o.steps.Build},
		{update.PhaseRestarting, o.steps.Restart},
	}

	for _, step := range steps {
		if err := o.enterPhase(ctx, run, step.phase); err != nil {
			return err
		}

		if err := o.runStep(ctx, run, step.phase, step.cmd); err != nil {
			return err
		}
	}

	if err := o.enterPhase(ctx, run, update.PhaseVerifying); err != nil {
		return err
	}

	return o.verify(ctx, run)
}

// recordVersions stores the running and the expected tag. Failures leave them unknown.
func (o *Orchestrator) recordVersions(ctx context.Context, run *update.Run) {
	before, err := o.inspector.InspectCurrent(ctx, o.unit)
	if err != nil {
		o.appendLine(ctx, run, "Could not read the running version: "+err.Error())
	}

	var latest tag.Tag

	release, err := o.source.LatestRelease(ctx, o.repo)
	if err != nil {
		o.appendLine(ctx, run, "Could not fetch the latest release: "+err.Error())
	} else {
		latest = release.Tag
	}

	o.mu.Lock()
	run.Before = before
	run.Latest = latest
	o.appendLineLocked(run, fmt.Sprintf("Updating %s from %s to %s", o.unit, before.Display(), latest.Display()))
	o.mu.Unlock()
}

// enterPhase moves the run to phase unless a cancellation was requested.
// The first phase is entered on admission, so it only checks the flag.
func (o *Orchestrator) enterPhase(ctx context.Context, run *update.Run, phase update.Phase) error {
	o.mu.Lock()

	if o.cancelRequested {
		o.mu.Unlock()

		return ErrCanceled
	}

	from := run.Phase
	if from == phase {
		o.mu.Unlock()

		return nil
	}

	now := o.now()
	elapsed := now.Sub(o.phaseStartedAt)

	run.Phase = phase
	o.phaseStartedAt = now

	o.broadcaster.Publish(update.Event{
		Type:    update.EventPhase,
		RunID:   run.ID,
		Phase:   phase,
		Message: phaseMessage(phase),
		At:      now,
	})

	o.mu.Unlock()

	logger.InfoKV(ctx, "Update phase changed", "from", from.String(), "to", phase.String())
	o.notifyPhase(ctx, run.ID, from, phase, elapsed)

	return nil
}

// runStep executes one external command, streaming its output into the run.
func (o *Orchestrator) runStep(ctx context.Context, run *update.Run, phase update.Phase, cmd process.Command) error {
	o.appendLine(ctx, run, "$ "+cmd.String())

	result, err := process.Run(ctx, o.runner, cmd, func(line string) {
		o.appendLine(ctx, run, line)
	})
	if err != nil {
		return &StepError{Phase: phase, ExitCode: result.ExitCode, Err: err}
	}

	if result.Orphaned {
		o.appendLine(ctx, run, "Output closed while a background process of the step was still running")
	}

	if !result.Success() {
		return &StepError{
			Phase:    phase,
			ExitCode: result.ExitCode,
			TimedOut: result.TimedOut,
			Canceled: result.Canceled,
			Timeout:  cmd.Timeout,
		}
	}

	logger.DebugKV(ctx, "Update step finished", "phase", phase.String(), "duration", result.Duration)

	return nil
}

const (
	// verifyAttempts scales the first retry interval to the verification budget.
	verifyAttempts = 10
	// minVerifyInterval and maxVerifyInterval bound the wait between inspections.
	minVerifyInterval = 10 * time.Millisecond
	maxVerifyInterval = 10 * time.Second
)

// verify polls the running version until it matches the expected one or the
// verification budget runs out.
func (o *Orchestrator) verify(ctx context.Context, run *update.Run) error {
	latest := run.Latest

	if o.verifySettle > 0 {
		timer := time.NewTimer(o.verifySettle)

		select {
		case <-ctx.Done():
			timer.Stop()

			return &StepError{Phase: update.PhaseVerifying, ExitCode: process.CanceledExitCode, Canceled: true}
		case <-timer.C:
		}
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}

	if o.verifyTimeout > 0 {
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = min(max(o.verifyTimeout/verifyAttempts, minVerifyInterval), time.Second)
		exponential.MaxInterval = maxVerifyInterval
		exponential.MaxElapsedTime = o.verifyTimeout
		exponential.Reset()

		policy = exponential
	}

	var (
		after    tag.Tag
		ordering tag.Ordering
	)

	operation := func() error {
		current, err := o.inspector.InspectCurrent(ctx, o.unit)
		if err != nil {
			return err
		}

		after = current
		ordering = tag.Compare(current, latest)

		if ordering == tag.Equal || ordering == tag.Incomparable {
			return nil
		}

		return fmt.Errorf("%w: running %s, expected %s", ErrVerificationMismatch, current.Display(), latest.Display())
	}

	notify := func(err error, wait time.Duration) {
		o.appendLine(ctx, run, fmt.Sprintf("Verification pending (%v), retrying in %s", err, wait.Round(time.Millisecond)))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)

	o.mu.Lock()
	run.After = after
	o.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrVerificationMismatch) && !errors.Is(err, docker.ErrUnitNotFound) {
			return &StepError{Phase: update.PhaseVerifying, ExitCode: process.CanceledExitCode, Canceled: true}
		}

		return err
	}

	if ordering == tag.Incomparable {
		o.appendLine(ctx, run, fmt.Sprintf(
			"Verification inconclusive: running %s, expected %s; accepting the successful restart",
			after.Display(), latest.Display(),
		))

		return nil
	}

	o.appendLine(ctx, run, "Running version is now "+after.Display())

	return nil
}

// finish finalizes the run, releases the guard and publishes the terminal event.
func (o *Orchestrator) finish(ctx context.Context, run *update.Run, runErr error) {
	o.mu.Lock()

	endedAt := o.now()
	o.guard.Release(endedAt)

	from := run.Phase
	elapsed := endedAt.Sub(o.phaseStartedAt)

	event := update.Event{
		Type:    update.EventSucceeded,
		RunID:   run.ID,
		Phase:   update.PhaseSucceeded,
		Message: phaseMessage(update.PhaseSucceeded),
		At:      endedAt,
	}

	if run.After.Known() {
		event.Message = "Updated to " + run.After.Display()
	}

	if runErr != nil {
		applyFailure(run, runErr)

		event.Type = update.EventFailed
		event.Phase = update.PhaseFailed
		event.Message = run.ErrorMessage

		o.appendLineLocked(run, "Update failed: "+run.ErrorMessage)
	} else {
		o.appendLineLocked(run, "Update succeeded")
	}

	run.Phase = event.Phase
	run.EndedAt = &endedAt
	event.Run = run.Summary()

	o.broadcaster.Publish(event)

	o.last = run
	o.current = nil
	o.cancelRequested = false

	finished := run.Clone()

	o.mu.Unlock()

	if runErr != nil {
		logger.WarnKV(ctx, "Update failed",
			"failed_phase", finished.FailedPhase.String(),
			"error_kind", finished.ErrorKind,
			"error", runErr,
		)
	} else {
		logger.InfoKV(ctx, "Update succeeded", "version", finished.After.String())
	}

	o.notifyPhase(ctx, finished.ID, from, finished.Phase, elapsed)
	o.notifyFinished(ctx, finished)

	if o.repository != nil {
		if err := o.repository.Save(ctx, finished); err != nil {
			logger.ErrorKV(ctx, "Failed to persist update run", "error", err)
		}
	}
}

// applyFailure classifies runErr into the run record.
func applyFailure(run *update.Run, runErr error) {
	run.FailedPhase = run.Phase
	run.ErrorMessage = runErr.Error()

	var stepErr *StepError

	switch {
	case errors.As(runErr, &stepErr):
		run.FailedPhase = stepErr.Phase
		run.TimedOut = stepErr.TimedOut
		run.ErrorKind = update.ErrorKindStepFailed

		if stepErr.Err == nil {
			code := stepErr.ExitCode
			run.ExitCode = &code
		}

		if stepErr.Canceled {
			run.ErrorKind = update.ErrorKindCanceled
		}
	case errors.Is(runErr, ErrCanceled):
		run.ErrorKind = update.ErrorKindCanceled
	case errors.Is(runErr, ErrVerificationMismatch):
		run.ErrorKind = update.ErrorKindVerificationMismatch
	case errors.Is(runErr, docker.ErrUnitNotFound):
		run.ErrorKind = update.ErrorKindUnitNotFound
	default:
		run.ErrorKind = update.ErrorKindInternal
	}
}

// appendLine records an output line under the lock and mirrors it to the debug log.
func (o *Orchestrator) appendLine(ctx context.Context, run *update.Run, line string) {
	phase := o.recordLine(run, line)

	logger.DebugKV(ctx, "Update output", "phase", phase.String(), "line", line)
}

// recordLine appends the line under the lock and returns the phase it belongs to.
func (o *Orchestrator) recordLine(run *update.Run, line string) update.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.appendLineLocked(run, line)

	return run.Phase
}

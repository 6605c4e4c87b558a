// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"sync"

	"github.com/oshokin/compose-updater/internal/process"
)

// Response scripts one execution.
type Response struct {
	// Lines are emitted in order before the execution finishes.
	Lines []string
	// Result is returned by Wait.
	Result process.Result
	// StartErr makes Start fail.
	StartErr error
	// Hold, when set, delays the finish until it is closed or the context ends.
	Hold <-chan struct{}
}

// Handler decides the response for a started command.
type Handler func(ctx context.Context, cmd process.Command) Response

// Runner is a process.Runner driven by a Handler. It records every command.
type Runner struct {
	// handler produces responses.
	handler Handler
	// mu protects calls.
	mu sync.Mutex
	// calls are the started commands in order.
	calls []process.Command
}

// NewRunner creates a runner; a nil handler succeeds silently.
func NewRunner(handler Handler) *Runner {
	if handler == nil {
		handler = func(context.Context, process.Command) Response {
			return Response{}
		}
	}

	return &Runner{handler: handler}
}

// Start implements process.Runner.
func (r *Runner) Start(ctx context.Context, cmd process.Command) (*process.Execution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	resp := r.handler(ctx, cmd)
	if resp.StartErr != nil {
		return nil, resp.StartErr
	}

	execution, lines, finish := process.NewExecution()

	go func() {
		for _, line := range resp.Lines {
			lines <- line
		}

		if resp.Hold != nil {
			select {
			case <-resp.Hold:
			case <-ctx.Done():
				finish(process.Result{ExitCode: process.CanceledExitCode, Canceled: true})

				return
			}
		}

		finish(resp.Result)
	}()

	return execution, nil
}

// Calls returns a copy of the started commands.
func (r *Runner) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]process.Command(nil), r.calls...)
}

// Fail is a shortcut for a response exiting with code and output lines.
func Fail(code int, lines ...string) Response {
	return Response{
		Lines:  lines,
		Result: process.Result{ExitCode: code},
	}
}

// Succeed is a shortcut for a successful response with output lines.
func Succeed(lines ...string) Response {
	return Response{Lines: lines}
}

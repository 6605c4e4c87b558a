package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// TimeoutExitCode is reported for a process killed on timeout.
	TimeoutExitCode = 124
	// CanceledExitCode is reported for a process killed because its parent context ended.
	CanceledExitCode = 130
	// UnknownExitCode is reported when the process state carries no exit code.
	UnknownExitCode = -1

	// lineBuffer is the capacity of the line channel.
	lineBuffer = 64
	// readBufferSize bounds a single emitted line; longer lines are split.
	readBufferSize = 64 * 1024
	// waitDelay bounds how long Wait keeps reading pipes held open by orphaned children.
	waitDelay = 5 * time.Second
)

var (
	// ErrEmptyCommand is returned when no program is given.
	ErrEmptyCommand = errors.New("empty command")
	// ErrStart is returned when the program cannot be started.
	ErrStart = errors.New("start process")
)

// Command describes one external invocation.
type Command struct {
	// Name is the program to run.
	Name string
	// Args are the program arguments.
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Timeout bounds the run; zero means no limit beyond the context.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

// FromArgv builds a Command from a program-and-arguments slice.
func FromArgv(argv []string, dir string, timeout time.Duration) Command {
	if len(argv) == 0 {
		return Command{Dir: dir, Timeout: timeout}
	}

	return Command{
		Name:    argv[0],
		Args:    append([]string(nil), argv[1:]...),
		Dir:     dir,
		Timeout: timeout,
	}
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the terminal outcome of an execution.
type Result struct {
	// ExitCode is the process exit code, or a synthetic code on timeout/cancel.
	ExitCode int
	// TimedOut reports that the step timeout killed the process.
	TimedOut bool
	// Canceled reports that the parent context ended before the process.
	Canceled bool
	// Orphaned reports that a background child still held the output when the
	// process exited; anything it wrote after the wait delay is lost.
	Orphaned bool
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Success reports a zero exit code without timeout or cancellation.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Canceled
}

// Runner starts executions. It is the seam tests use to fake the container runtime.
type Runner interface {
	Start(ctx context.Context, cmd Command) (*Execution, error)
}

// Execution is a started process.
type Execution struct {
	lines  chan string
	done   chan struct{}
	result Result
}

// NewExecution builds an Execution driven by the caller, used by fake runners.
// The returned finish function must be called exactly once after the last send on lines.
func NewExecution() (execution *Execution, lines chan<- string, finish func(Result)) {
	e := &Execution{
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}

	var once sync.Once

	return e, e.lines, func(r Result) {
		once.Do(func() {
			e.result = r
			close(e.lines)
			close(e.done)
		})
	}
}

// Lines returns the merged output stream. It is closed when the output is fully drained.
func (e *Execution) Lines() <-chan string {
	return e.lines
}

// Wait blocks until the process exits and its output has been drained.
// The caller must consume Lines concurrently or before calling Wait.
func (e *Execution) Wait() Result {
	<-e.done

	return e.result
}

// OSRunner runs commands on the local host.
type OSRunner struct{}

// Start launches the command and begins streaming its output.
func (OSRunner) Start(ctx context.Context, c Command) (*Execution, error) {
	return Start(ctx, c)
}

// Start launches the command and begins streaming its output.
func Start(ctx context.Context, c Command) (*Execution, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, ErrEmptyCommand
	}

	runCtx, cancel := context.WithCancel(ctx)
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...) //nolint:gosec // Step commands come from the operator's configuration.
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay

	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	// One pipe for both streams keeps the emission order of the child.
	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer

	started := time.Now()

	if err := cmd.Start(); err != nil {
		cancel()

		return nil, fmt.Errorf("%w %q: %w", ErrStart, c.String(), err)
	}

	execution, lines, finish := NewExecution()

	scanned := make(chan struct{})

	go func() {
		defer close(scanned)

		scanLines(reader, lines)
	}()

	go func() {
		defer cancel()

		waitErr := cmd.Wait()

		// Wait has flushed the child's output into the pipe; EOF lets the scanner finish.
		_ = writer.Close()

		<-scanned

		finish(buildResult(ctx, runCtx, cmd, waitErr, time.Since(started)))
	}()

	return execution, nil
}

// scanLines splits the stream into lines, dropping carriage returns and blank lines.
// Lines longer than the read buffer are emitted in buffer-sized pieces.
func scanLines(r io.ReadCloser, lines chan<- string) {
	defer func() {
		_ = r.Close()
	}()

	br := bufio.NewReaderSize(r, readBufferSize)

	for {
		chunk, _, err := br.ReadLine()
		if err != nil {
			return
		}

		line := strings.TrimRight(string(chunk), "\r\t ")
		if i := strings.LastIndex(line, "\r"); i >= 0 {
			// Progress bars rewrite the line; keep the final state only.
			line = line[i+1:]
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		lines <- line
	}
}

// buildResult maps the wait outcome into a Result.
func buildResult(parent, runCtx context.Context, cmd *exec.Cmd, waitErr error, elapsed time.Duration) Result {
	result := Result{
		ExitCode: UnknownExitCode,
		Duration: elapsed,
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case parent.Err() != nil:
		result.Canceled = true
		result.ExitCode = CanceledExitCode
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// The process itself exited; its exit code stands.
		result.Orphaned = true
	case waitErr != nil && result.ExitCode == 0:
		// Wait failed for I/O reasons although the process exited cleanly.
		result.ExitCode = UnknownExitCode
	}

	return result
}

// Run starts the command, hands every line to onLine in order and returns the result.
func Run(ctx context.Context, runner Runner, c Command, onLine func(string)) (Result, error) {
	if runner == nil {
		runner = OSRunner{}
	}

	execution, err := runner.Start(ctx, c)
	if err != nil {
		return Result{ExitCode: UnknownExitCode}, err
	}

	for line := range execution.Lines() {
		if onLine != nil {
			onLine(line)
		}
	}

	return execution.Wait(), nil
}

// Output runs the command and returns all of its lines joined by newlines.
func Output(ctx context.Context, runner Runner, c Command) (string, Result, error) {
	var b strings.Builder

	result, err := Run(ctx, runner, c, func(line string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}

		b.WriteString(line)
	})

	return b.String(), result, err
}

package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/logger"
	"github.com/oshokin/compose-updater/internal/process"
	"github.com/oshokin/compose-updater/internal/runtime/docker"
	"github.com/oshokin/compose-updater/internal/service/orchestrator"
	"github.com/oshokin/compose-updater/internal/source/github"
)

// Options controls the one-shot version check.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// JSON prints the status as a JSON document instead of a table.
	JSON bool
	// Output receives the report; nil writes to stdout.
	Output io.Writer
	// Runner runs inspection commands; nil runs them on the host.
	Runner process.Runner
}

// ErrCheckIncomplete is returned when the running or the latest version could not be determined.
var ErrCheckIncomplete = errors.New("version check incomplete")

// Run compares the running and the latest version once and prints the result.
// The report is printed even when the check is incomplete.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "compose-updater-check")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	source, err := github.NewClient(
		cfg.GitHub.APIBase,
		github.WithToken(cfg.GitHub.Token),
		github.WithTimeout(cfg.GitHub.Timeout),
	)
	if err != nil {
		return fmt.Errorf("create release client: %w", err)
	}

	orch, err := orchestrator.New(ctx, &orchestrator.Options{
		Unit:   cfg.Unit.ContainerName,
		Repo:   cfg.GitHub.Repo,
		Runner: opts.Runner,
		Inspector: docker.NewInspector(
			opts.Runner,
			docker.WithBinary(cfg.Unit.DockerBinary),
			docker.WithTimeout(cfg.Update.InspectTimeout),
		),
		Source: source,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	defer func() {
		_ = orch.Shutdown(ctx)
	}()

	status := orch.Status(ctx, true)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.JSON {
		err = writeJSON(out, status)
	} else {
		err = writeTable(out, cfg.Unit.ContainerName, status)
	}

	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if status.CurrentError != "" || status.LatestError != "" {
		return ErrCheckIncomplete
	}

	return nil
}

// writeJSON prints the status as an indented document.
func writeJSON(out io.Writer, status *update.VersionStatus) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(status)
}

// writeTable prints the status as aligned key/value rows.
func writeTable(out io.Writer, unit string, status *update.VersionStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	current := status.Current.Display()
	if status.CurrentError != "" {
		current += " (" + status.CurrentError + ")"
	}

	latest := status.Latest.Display()
	if status.LatestError != "" {
		latest += " (" + status.LatestError + ")"
	}

	fmt.Fprintf(w, "Unit:\t%s\n", unit)
	fmt.Fprintf(w, "Container:\t%s\n", status.Container.Status)
	fmt.Fprintf(w, "Running version:\t%s\n", current)
	fmt.Fprintf(w, "Latest version:\t%s\n", latest)
	fmt.Fprintf(w, "Update available:\t%t\n", status.UpdateAvailable)

	return w.Flush()
}

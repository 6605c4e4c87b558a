package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/process"
	"github.com/oshokin/compose-updater/internal/tag"
)

var (
	// ErrUnitNotFound is returned when the runtime does not know the container.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrInspectionFailed is returned for every other inspection failure.
	ErrInspectionFailed = errors.New("unit inspection failed")
)

const (
	// VersionLabel is the OCI label carrying the release of the image.
	VersionLabel = "org.opencontainers.image.version"
	// DefaultBinary is the docker CLI looked up in PATH.
	DefaultBinary = "docker"
	// DefaultTimeout bounds one inspection.
	DefaultTimeout = 15 * time.Second
)

// notFoundMarkers are the runtime messages for an unknown container.
//
//nolint:gochecknoglobals // Read-only lookup list.
var notFoundMarkers = []string{
	"no such container",
	"no such object",
}

// inspectFormat renders only the fields we use, keeping the answer on one short line.
const inspectFormat = `{"image":{{json .Config.Image}},"labels":{{json .Config.Labels}},` +
	`"status":{{json .State.Status}},"running":{{json .State.Running}}}`

// container is the answer rendered by inspectFormat.
type container struct {
	Image   string            `json:"image"`
	Labels  map[string]string `json:"labels"`
	Status  string            `json:"status"`
	Running bool              `json:"running"`
}

// Inspector queries the container runtime.
type Inspector struct {
	// runner starts the CLI processes.
	runner process.Runner
	// binary is the docker executable.
	binary string
	// timeout bounds one inspection.
	timeout time.Duration
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithBinary overrides the docker executable.
func WithBinary(binary string) Option {
	return func(i *Inspector) {
		if binary != "" {
			i.binary = binary
		}
	}
}

// WithTimeout overrides the inspection timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(i *Inspector) {
		if timeout > 0 {
			i.timeout = timeout
		}
	}
}

// NewInspector creates an inspector; a nil runner runs commands on the host.
func NewInspector(runner process.Runner, opts ...Option) *Inspector {
	if runner == nil {
		runner = process.OSRunner{}
	}

	i := &Inspector{
		runner:  runner,
		binary:  DefaultBinary,
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// InspectCurrent returns the release tag of the unit's image. The version
// label wins; the image reference tag is the fallback. Stopped containers
// are inspected too. An image with neither yields an empty (unknown) tag.
func (i *Inspector) InspectCurrent(ctx context.Context, unit string) (tag.Tag, error) {
	c, err := i.inspect(ctx, unit)
	if err != nil {
		return "", err
	}

	if label := tag.Normalize(tag.Tag(c.Labels[VersionLabel])); label != "" {
		return label, nil
	}

	return tag.Normalize(tag.FromImageRef(c.Image)), nil
}

// ContainerState returns the runtime state of the unit. A missing container is
// reported as a state with Exists false, not as an error.
func (i *Inspector) ContainerState(ctx context.Context, unit string) (update.ContainerState, error) {
	c, err := i.inspect(ctx, unit)
	if err != nil {
		if errors.Is(err, ErrUnitNotFound) {
			return update.ContainerState{Status: "not_found"}, nil
		}

		return update.ContainerState{Status: "unknown"}, err
	}

	return update.ContainerState{
		Exists:  true,
		Status:  c.Status,
		Running: c.Running,
	}, nil
}

// inspect runs `docker inspect` and decodes its JSON answer.
func (i *Inspector) inspect(ctx context.Context, unit string) (*container, error) {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return nil, fmt.Errorf("%w: empty unit name", ErrInspectionFailed)
	}

	cmd := process.Command{
		Name:    i.binary,
		Args:    []string{"inspect", "--type", "container", "--format", inspectFormat, unit},
		Timeout: i.timeout,
	}

	output, result, err := process.Output(ctx, i.runner, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInspectionFailed, err)
	}

	if !result.Success() {
		if isNotFound(output) {
			return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unit)
		}

		switch {
		case result.TimedOut:
			return nil, fmt.Errorf("%w: timed out after %s", ErrInspectionFailed, i.timeout)
		case result.Canceled:
			return nil, fmt.Errorf("%w: %w", ErrInspectionFailed, context.Cause(ctx))
		default:
			return nil, fmt.Errorf("%w: exit code %d: %s", ErrInspectionFailed, result.ExitCode, lastLine(output))
		}
	}

	var c container
	if err = json.Unmarshal([]byte(jsonLine(output)), &c); err != nil {
		return nil, fmt.Errorf("%w: decode inspect output: %w", ErrInspectionFailed, err)
	}

	return &c, nil
}

// isNotFound reports whether the CLI output names a missing container.
func isNotFound(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range notFoundMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

// jsonLine picks the JSON document out of output that may carry CLI warnings.
func jsonLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "{") {
			return trimmed
		}
	}

	return output
}

// lastLine returns the final non-empty line, usually the CLI error.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	return strings.TrimSpace(lines[len(lines)-1])
}

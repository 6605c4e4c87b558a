package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the compose-updater process.
type Config struct {
	// ListenAddress is the HTTP address of the dashboard and API.
	ListenAddress string `yaml:"listen_address"`
	// AllowedOrigins limits cross-origin browser access; empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	// GRPCHealthAddress is an optional address of the gRPC health endpoint.
	GRPCHealthAddress string `yaml:"grpc_health_address,omitempty"`
	// StateFile is where the last update run is persisted.
	StateFile string `yaml:"state_file"`
	// ShutdownTimeout is how long a running update may finish after a stop signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Unit describes the managed container.
	Unit Unit `yaml:"unit"`
	// GitHub configures the upstream release source.
	GitHub GitHub `yaml:"github"`
	// Update configures the update pipeline.
	Update Update `yaml:"update"`
	// Stream configures progress streaming.
	Stream Stream `yaml:"stream"`
	// Log configures logging.
	Log Log `yaml:"log"`
}

// Unit identifies the single container managed by this process.
type Unit struct {
	// ContainerName is the runtime name of the container.
	ContainerName string `yaml:"container_name"`
	// ComposeDir is the docker compose project directory used as step working directory.
	ComposeDir string `yaml:"compose_dir"`
	// Image is the upstream base image pulled before the rebuild. Empty pulls the compose services.
	Image string `yaml:"image,omitempty"`
	// DockerBinary is the docker CLI used for inspections.
	DockerBinary string `yaml:"docker_binary,omitempty"`
}

// GitHub configures the release registry client.
type GitHub struct {
	// Repo is the "owner/name" repository whose latest release is tracked.
	Repo string `yaml:"repo"`
	// APIBase is the API root URL.
	APIBase string `yaml:"api_base"`
	// Token is an optional bearer token used to lift anonymous rate limits.
	Token string `yaml:"token,omitempty"`
	// Timeout bounds the release request.
	Timeout time.Duration `yaml:"timeout"`
	// CacheTTL is how long a fetched release is reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Update configures the pipeline and its guard.
type Update struct {
	// Cooldown is the minimum time between the end of one update and the start
	// of the next. Unset means DefaultCooldown; an explicit zero disables it.
	Cooldown *time.Duration `yaml:"cooldown"`
	// InspectTimeout bounds every runtime inspection call.
	InspectTimeout time.Duration `yaml:"inspect_timeout"`
	// Steps holds the pipeline step commands.
	Steps Steps `yaml:"steps"`
	// Verify configures the post-restart verification.
	Verify Verify `yaml:"verify"`
}

// CooldownPeriod returns the configured cooldown, DefaultCooldown when unset.
func (u *Update) CooldownPeriod() time.Duration {
	if u.Cooldown == nil {
		return DefaultCooldown
	}

	return *u.Cooldown
}

// Steps lists the external commands run by the pipeline phases.
type Steps struct {
	Pull    Step `yaml:"pull"`
	Build   Step `yaml:"build"`
	Restart Step `yaml:"restart"`
}

// Step is a single external command with its own timeout.
type Step struct {
	// Command is the program followed by its arguments.
	Command []string `yaml:"command,flow"`
	// Timeout bounds the step; the process is killed when exceeded.
	Timeout time.Duration `yaml:"timeout"`
}

// Verify configures how long the orchestrator waits for the new version to appear.
type Verify struct {
	// Settle is the delay before the first inspection after a restart.
	Settle time.Duration `yaml:"settle"`
	// Timeout is the total budget for polling the running version.
	Timeout time.Duration `yaml:"timeout"`
}

// Stream configures the progress broadcaster.
type Stream struct {
	// Buffer is the per-subscriber event buffer size.
	Buffer int `yaml:"buffer"`
}

// Log configures the process logger.
type Log struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`
	// File is an optional rotated log file.
	File string `yaml:"file,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "compose-updater.yaml"

	// DefaultStateFilename is the default filename of the persisted last run.
	DefaultStateFilename = "compose-updater-state.yaml"

	// DefaultListenAddress is the default dashboard address.
	DefaultListenAddress = ":8080"

	// DefaultGitHubAPIBase is the public GitHub API root.
	DefaultGitHubAPIBase = "https://api.github.com"

	// DefaultShutdownTimeout is how long shutdown waits for a running update.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultSourceTimeout bounds the release request.
	DefaultSourceTimeout = 10 * time.Second

	// DefaultCacheTTL is how long a fetched release is reused.
	DefaultCacheTTL = time.Minute

	// DefaultCooldown separates consecutive updates.
	DefaultCooldown = 5 * time.Minute

	// DefaultInspectTimeout bounds a runtime inspection.
	DefaultInspectTimeout = 15 * time.Second

	// DefaultPullTimeout bounds the pull step.
	DefaultPullTimeout = 10 * time.Minute

	// DefaultBuildTimeout bounds the rebuild step.
	DefaultBuildTimeout = 20 * time.Minute

	// DefaultRestartTimeout bounds the restart step.
	DefaultRestartTimeout = 3 * time.Minute

	// DefaultVerifySettle is the wait before the first post-restart inspection.
	DefaultVerifySettle = 5 * time.Second

	// DefaultVerifyTimeout is the total verification budget.
	DefaultVerifyTimeout = time.Minute

	// DefaultStreamBuffer is the per-subscriber buffer size.
	DefaultStreamBuffer = 256

	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config and state files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errContainerNameRequired is returned when the managed unit is not named.
	errContainerNameRequired = errors.New("unit.container_name must be provided")
	// errComposeDirRequired is returned when the compose project directory is missing.
	errComposeDirRequired = errors.New("unit.compose_dir must be provided")
	// errRepoInvalid is returned for a repository not in owner/name form.
	errRepoInvalid = errors.New("github.repo must look like owner/name")
	// errEmptyStepCommand is returned when a pipeline step has no program.
	errEmptyStepCommand = errors.New("step command must not be empty")
	// errOriginInvalid is returned for an allowed origin that is not scheme://host.
	errOriginInvalid = errors.New("allowed_origins entries must look like scheme://host[:port]")
	// errNegativeCooldown is returned for a negative cooldown.
	errNegativeCooldown = errors.New("update.cooldown must not be negative")
)

// Default returns a configuration for a compose project in /opt/app managing container "app".
func Default() *Config {
	cfg := &Config{
		Unit: Unit{
			ContainerName: "app",
			ComposeDir:    "/opt/app",
		},
		GitHub: GitHub{
			Repo: "owner/app",
		},
	}

	applyDefaults(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may carry a GitHub token.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the provided settings for required fields and formatting.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	applyDefaults(cfg)

	if strings.TrimSpace(cfg.Unit.ContainerName) == "" {
		return errContainerNameRequired
	}

	if strings.TrimSpace(cfg.Unit.ComposeDir) == "" {
		return errComposeDirRequired
	}

	if owner, name, ok := strings.Cut(cfg.GitHub.Repo, "/"); !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", errRepoInvalid, cfg.GitHub.Repo)
	}

	if _, err := url.ParseRequestURI(cfg.GitHub.APIBase); err != nil {
		return fmt.Errorf("invalid github.api_base: %w", err)
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen_address: %w", err)
	}

	if cfg.GRPCHealthAddress != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.GRPCHealthAddress); err != nil {
			return fmt.Errorf("invalid grpc_health_address: %w", err)
		}
	}

	for _, origin := range cfg.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %q", errOriginInvalid, origin)
		}
	}

	if cfg.Update.Cooldown != nil && *cfg.Update.Cooldown < 0 {
		return errNegativeCooldown
	}

	steps := map[string]Step{
		"pull":    cfg.Update.Steps.Pull,
		"build":   cfg.Update.Steps.Build,
		"restart": cfg.Update.Steps.Restart,
	}
	for name, step := range steps {
		if len(step.Command) == 0 || strings.TrimSpace(step.Command[0]) == "" {
			return fmt.Errorf("update.steps.%s: %w", name, errEmptyStepCommand)
		}
	}

	return nil
}

// applyDefaults fills every zero value with its default.
//
//nolint:cyclop // A flat list of defaults reads better than helpers.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}

	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFilename
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.GitHub.APIBase == "" {
		cfg.GitHub.APIBase = DefaultGitHubAPIBase
	}

	if cfg.GitHub.Timeout <= 0 {
		cfg.GitHub.Timeout = DefaultSourceTimeout
	}

	if cfg.GitHub.CacheTTL <= 0 {
		cfg.GitHub.CacheTTL = DefaultCacheTTL
	}

	if cfg.Update.Cooldown == nil {
		cooldown := DefaultCooldown
		cfg.Update.Cooldown = &cooldown
	}

	if cfg.Update.InspectTimeout <= 0 {
		cfg.Update.InspectTimeout = DefaultInspectTimeout
	}

	steps := &cfg.Update.Steps
	if len(steps.Pull.Command) == 0 {
		steps.Pull.Command = defaultPullCommand(cfg.Unit.Image)
	}

	if steps.Pull.Timeout <= 0 {
		steps.Pull.Timeout = DefaultPullTimeout
	}

	if len(steps.Build.Command) == 0 {
		steps.Build.Command = []string{"docker", "compose", "build", "--no-cache"}
	}

	if steps.Build.Timeout <= 0 {
		steps.Build.Timeout = DefaultBuildTimeout
	}

	if len(steps.Restart.Command) == 0 {
		steps.Restart.Command = []string{"docker", "compose", "up", "-d", "--force-recreate"}
	}

	if steps.Restart.Timeout <= 0 {
		steps.Restart.Timeout = DefaultRestartTimeout
	}

	if cfg.Update.Verify.Settle <= 0 {
		cfg.Update.Verify.Settle = DefaultVerifySettle
	}

	if cfg.Update.Verify.Timeout <= 0 {
		cfg.Update.Verify.Timeout = DefaultVerifyTimeout
	}

	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = DefaultStreamBuffer
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// defaultPullCommand pulls the configured base image or, without one, the compose services.
func defaultPullCommand(image string) []string {
	if image == "" {
		return []string{"docker", "compose", "pull", "--ignore-buildable"}
	}

	return []string{"docker", "pull", image}
}

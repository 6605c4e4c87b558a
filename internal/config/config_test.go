package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields and format validations for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Nil config.
	require.Error(t, Validate(nil))

	// Missing container name.
	cfg := &Config{Unit: Unit{ComposeDir: "/opt/app"}, GitHub: GitHub{Repo: "a/b"}}
	require.ErrorIs(t, Validate(cfg), errContainerNameRequired)

	// Missing compose dir.
	cfg = &Config{Unit: Unit{ContainerName: "app"}, GitHub: GitHub{Repo: "a/b"}}
	require.ErrorIs(t, Validate(cfg), errComposeDirRequired)

	// Bad repository.
	for _, repo := range []string{"", "single", "/name", "owner/", "a/b/c"} {
		cfg = &Config{Unit: Unit{ContainerName: "app", ComposeDir: "/opt/app"}, GitHub: GitHub{Repo: repo}}
		require.ErrorIs(t, Validate(cfg), errRepoInvalid, repo)
	}

	// Bad listen address.
	cfg = Default()
	cfg.ListenAddress = "bad:address"
	require.Error(t, Validate(cfg))

	// Negative cooldown.
	cfg = Default()
	cfg.Update.Cooldown = durationPtr(-time.Second)
	require.ErrorIs(t, Validate(cfg), errNegativeCooldown)

	// Origins must be absolute.
	cfg = Default()
	cfg.AllowedOrigins = []string{"http://dashboard.lan:8080", "dashboard.lan"}
	require.ErrorIs(t, Validate(cfg), errOriginInvalid)

	// Empty program in a step.
	cfg = Default()
	cfg.Update.Steps.Build.Command = []string{" "}
	require.ErrorIs(t, Validate(cfg), errEmptyStepCommand)

	require.NoError(t, Validate(Default()))
}

// TestValidate_FillsDefaults ensures zero values are replaced with defaults.
func TestValidate_FillsDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Unit:   Unit{ContainerName: "companion", ComposeDir: "/opt/companion-docker"},
		GitHub: GitHub{Repo: "bitfocus/companion"},
	}

	require.NoError(t, Validate(cfg))
	require.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	require.Equal(t, DefaultGitHubAPIBase, cfg.GitHub.APIBase)
	require.Equal(t, DefaultSourceTimeout, cfg.GitHub.Timeout)
	require.Equal(t, DefaultCacheTTL, cfg.GitHub.CacheTTL)
	require.Equal(t, DefaultCooldown, cfg.Update.CooldownPeriod())
	require.NotNil(t, cfg.Update.Cooldown)
	require.Equal(t, []string{"docker", "compose", "pull", "--ignore-buildable"}, cfg.Update.Steps.Pull.Command)
	require.Equal(t, []string{"docker", "compose", "build", "--no-cache"}, cfg.Update.Steps.Build.Command)
	require.Equal(t, DefaultStreamBuffer, cfg.Stream.Buffer)
	require.Equal(t, DefaultStateFilename, cfg.StateFile)
	require.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)

	// A configured base image switches the pull step to a plain image pull.
	cfg = &Config{
		Unit:   Unit{ContainerName: "companion", ComposeDir: "/opt/companion-docker", Image: "ghcr.io/bitfocus/companion/companion:latest"},
		GitHub: GitHub{Repo: "bitfocus/companion"},
	}

	require.NoError(t, Validate(cfg))
	require.Equal(t, []string{"docker", "pull", "ghcr.io/bitfocus/companion/companion:latest"}, cfg.Update.Steps.Pull.Command)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	cfg := Default()
	cfg.Unit.ContainerName = "companion"
	cfg.Update.Cooldown = durationPtr(90 * time.Second)
	cfg.Update.Steps.Restart.Command = []string{"docker", "compose", "up", "-d"}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())
}

// TestLoad_Errors covers missing files and malformed YAML.
func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unit: ["), DefaultFilePermissions))

	_, err = Load(path)
	require.Error(t, err)

	require.ErrorIs(t, Save(path, nil), errConfigIsNotSet)
}

// TestLoad_ZeroCooldownDisablesIt keeps an explicit zero cooldown and defaults an absent one.
func TestLoad_ZeroCooldownDisablesIt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	disabled := filepath.Join(dir, "disabled.yaml")
	require.NoError(t, os.WriteFile(disabled, []byte(`
unit:
  container_name: app
  compose_dir: /opt/app
github:
  repo: owner/app
update:
  cooldown: 0s
`), DefaultFilePermissions))

	cfg, err := Load(disabled)
	require.NoError(t, err)
	require.NotNil(t, cfg.Update.Cooldown)
	require.Zero(t, cfg.Update.CooldownPeriod())

	unset := filepath.Join(dir, "unset.yaml")
	require.NoError(t, os.WriteFile(unset, []byte(`
unit:
  container_name: app
  compose_dir: /opt/app
github:
  repo: owner/app
`), DefaultFilePermissions))

	cfg, err = Load(unset)
	require.NoError(t, err)
	require.Equal(t, DefaultCooldown, cfg.Update.CooldownPeriod())

	require.Equal(t, DefaultCooldown, (&Update{}).CooldownPeriod())
}

// durationPtr returns a pointer to d.
func durationPtr(d time.Duration) *time.Duration {
	return &d
}

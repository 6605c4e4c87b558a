package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/process"
	"github.com/oshokin/compose-updater/internal/process/processtest"
)

// setup writes a configuration pointing at a release server answering v1.3.0.
func setup(t *testing.T) string {
	t.Helper()

	releases := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v1.3.0"}`))
	}))
	t.Cleanup(releases.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultConfigFilename)

	require.NoError(t, config.Save(path, &config.Config{
		Unit:   config.Unit{ContainerName: "companion", ComposeDir: dir},
		GitHub: config.GitHub{Repo: "bitfocus/companion", APIBase: releases.URL},
	}))

	return path
}

// TestRun_ReportsUpdate prints the comparison as JSON.
func TestRun_ReportsUpdate(t *testing.T) {
	t.Parallel()

	runner := processtest.NewRunner(func(context.Context, process.Command) processtest.Response {
		return processtest.Succeed(`{"image":"ghcr.io/bitfocus/companion:4.1.0","labels":{},"status":"running","running":true}`)
	})

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		ConfigPath: setup(t),
		JSON:       true,
		Output:     &out,
		Runner:     runner,
	})
	require.NoError(t, err)

	var status update.VersionStatus

	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	require.Equal(t, "4.1.0", status.Current.String())
	require.Equal(t, "1.3.0", status.Latest.String())
	require.False(t, status.UpdateAvailable)
	require.True(t, status.Container.Running)
}

// TestRun_IncompleteCheck prints the table and fails when the unit is missing.
func TestRun_IncompleteCheck(t *testing.T) {
	t.Parallel()

	runner := processtest.NewRunner(func(context.Context, process.Command) processtest.Response {
		return processtest.Fail(1, "Error: No such object: companion")
	})

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		ConfigPath: setup(t),
		Output:     &out,
		Runner:     runner,
	})
	require.ErrorIs(t, err, ErrCheckIncomplete)
	require.Contains(t, out.String(), "Unknown (")
	require.Contains(t, out.String(), "v1.3.0")
}

// TestRun_MissingConfig fails before any check.
func TestRun_MissingConfig(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), &Options{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCheckIncomplete)
}

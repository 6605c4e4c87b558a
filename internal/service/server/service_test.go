package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/process"
	"github.com/oshokin/compose-updater/internal/process/processtest"
	repository "github.com/oshokin/compose-updater/internal/repository/run"
)

// fakeHost answers docker inspections with the running version and switches
// it to the latest one when the restart step runs.
type fakeHost struct {
	running atomic.Value
}

func newFakeHost(version string) *fakeHost {
	h := new(fakeHost)
	h.running.Store(version)

	return h
}

// runner returns a scripted runner for the configured commands.
func (h *fakeHost) runner() *processtest.Runner {
	return processtest.NewRunner(func(_ context.Context, cmd process.Command) processtest.Response {
		switch cmd.Name {
		case "docker":
			return processtest.Succeed(fmt.Sprintf(
				`{"image":"ghcr.io/owner/app:%s","labels":{},"status":"running","running":true}`,
				h.running.Load(),
			))
		case "restart-step":
			h.running.Store("1.3.0")
		}

		return processtest.Succeed("step output")
	})
}

// newReleaseServer serves a latest release of v1.3.0.
func newReleaseServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v1.3.0","name":"Release 1.3.0"}`))
	}))
	t.Cleanup(server.Close)

	return server
}

// writeConfig saves a configuration pointing at the release server.
func writeConfig(t *testing.T, apiBase string) (string, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		ListenAddress: "127.0.0.1:0",
		StateFile:     filepath.Join(dir, "state.yaml"),
		Unit:          config.Unit{ContainerName: "app", ComposeDir: dir},
		GitHub:        config.GitHub{Repo: "owner/app", APIBase: apiBase},
		Update: config.Update{
			Steps: config.Steps{
				Pull:    config.Step{Command: []string{"pull-step"}},
				Build:   config.Step{Command: []string{"build-step"}},
				Restart: config.Step{Command: []string{"restart-step"}},
			},
			Verify: config.Verify{Settle: time.Millisecond, Timeout: time.Second},
		},
	}

	path := filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(path, cfg))

	return path, cfg
}

// TestLoadSettings_Overrides applies command line overrides and validates them.
func TestLoadSettings_Overrides(t *testing.T) {
	t.Parallel()

	path, _ := writeConfig(t, "https://api.github.com")

	cfg, err := loadSettings(&Options{
		ConfigPath:        path,
		ListenAddress:     "127.0.0.1:9090",
		GRPCHealthAddress: "127.0.0.1:9091",
		LogLevel:          "debug",
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddress)
	require.Equal(t, "127.0.0.1:9091", cfg.GRPCHealthAddress)
	require.Equal(t, "debug", cfg.Log.Level)

	_, err = loadSettings(&Options{ConfigPath: path, ListenAddress: "bad:address"})
	require.Error(t, err)

	_, err = loadSettings(&Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

// TestNewService_RestoresLastRun loads the persisted run and enables gRPC health when configured.
func TestNewService_RestoresLastRun(t *testing.T) {
	t.Parallel()

	_, cfg := writeConfig(t, "https://api.github.com")
	cfg.GRPCHealthAddress = "127.0.0.1:0"

	ended := time.Now()
	code := 1
	require.NoError(t, repository.NewFileRepository(cfg.StateFile).Save(context.Background(), &update.Run{
		ID:           "previous",
		StartedAt:    ended.Add(-time.Minute),
		EndedAt:      &ended,
		Phase:        update.PhaseFailed,
		FailedPhase:  update.PhaseBuilding,
		ExitCode:     &code,
		ErrorKind:    update.ErrorKindStepFailed,
		ErrorMessage: "building exited with code 1",
		Log:          []string{"Update failed: building exited with code 1"},
	}))

	svc, err := newService(context.Background(), cfg, newFakeHost("1.2.0").runner())
	require.NoError(t, err)
	require.NotNil(t, svc.health)
	require.NotNil(t, svc.handler)

	last := svc.orchestrator.LastRun()
	require.NotNil(t, last)
	require.Equal(t, "previous", last.ID)
	require.Equal(t, update.PhaseFailed, last.Phase)

	require.NoError(t, svc.orchestrator.Shutdown(context.Background()))
}

// TestRun_UpdatesEndToEnd serves the API, runs a full update and stops on cancellation.
func TestRun_UpdatesEndToEnd(t *testing.T) {
	t.Parallel()

	releases := newReleaseServer(t)
	path, cfg := writeConfig(t, releases.URL)
	host := newFakeHost("1.2.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)

	go func() {
		done <- Run(ctx, &Options{
			ConfigPath: path,
			Runner:     host.runner(),
			Ready: func(addr net.Addr) {
				ready <- addr
			},
		})
	}()

	var base string

	select {
	case addr := <-ready:
		base = "http://" + addr.String()
	case err := <-done:
		require.NoError(t, err)
		t.Fatal("server stopped before listening")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	status := getJSON(t, base+"/api/status")
	require.Equal(t, "v1.2.0", status["current_version"])
	require.Equal(t, "v1.3.0", status["latest_version"])
	require.Equal(t, true, status["update_available"])

	resp, err := http.Post(base+"/api/update", "application/json", nil) //nolint:noctx // Test request.
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run update.Run

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/runs/last") //nolint:noctx // Test request.
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return false
		}

		return json.NewDecoder(resp.Body).Decode(&run) == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, update.PhaseSucceeded, run.Phase)
	require.Equal(t, "1.3.0", run.After.String())

	// A second trigger falls into the cooldown.
	resp, err = http.Post(base+"/api/update", "application/json", nil) //nolint:noctx // Test request.
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// The run is persisted right after it is published.
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.StateFile)

		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// getJSON fetches url and decodes a JSON object.
func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()

	resp, err := http.Get(url) //nolint:noctx // Test request.
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/oshokin/compose-updater/internal/api/grpc/health"
	"github.com/oshokin/compose-updater/internal/api/rest"
	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/metrics"
	"github.com/oshokin/compose-updater/internal/process"
	repository "github.com/oshokin/compose-updater/internal/repository/run"
	"github.com/oshokin/compose-updater/internal/runtime/docker"
	"github.com/oshokin/compose-updater/internal/service/broadcast"
	"github.com/oshokin/compose-updater/internal/service/orchestrator"
	"github.com/oshokin/compose-updater/internal/source/github"
)

// service wires every component of the process from the configuration.
type service struct {
	// orchestrator owns the update pipeline.
	orchestrator *orchestrator.Orchestrator
	// health is the gRPC health reporter, nil when the endpoint is disabled.
	health *health.Server
	// handler serves the dashboard and the API.
	handler http.Handler
}

// newService builds the components. A nil runner runs commands on the host.
func newService(ctx context.Context, cfg *config.Config, runner process.Runner) (*service, error) {
	if runner == nil {
		runner = process.OSRunner{}
	}

	source, err := github.NewClient(
		cfg.GitHub.APIBase,
		github.WithToken(cfg.GitHub.Token),
		github.WithTimeout(cfg.GitHub.Timeout),
		github.WithCacheTTL(cfg.GitHub.CacheTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("create release client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := metrics.New(registry)
	observers := []orchestrator.Observer{collector}

	var healthServer *health.Server
	if cfg.GRPCHealthAddress != "" {
		healthServer = health.NewServer(cfg.Unit.ContainerName)
		observers = append(observers, healthServer)
	}

	steps := cfg.Update.Steps

	orch, err := orchestrator.New(ctx, &orchestrator.Options{
		Unit: cfg.Unit.ContainerName,
		Repo: cfg.GitHub.Repo,
		Steps: orchestrator.Steps{
			Pull:    process.FromArgv(steps.Pull.Command, cfg.Unit.ComposeDir, steps.Pull.Timeout),
			Build:   process.FromArgv(steps.Build.Command, cfg.Unit.ComposeDir, steps.Build.Timeout),
			Restart: process.FromArgv(steps.Restart.Command, cfg.Unit.ComposeDir, steps.Restart.Timeout),
		},
		Cooldown:      cfg.Update.CooldownPeriod(),
		VerifySettle:  cfg.Update.Verify.Settle,
		VerifyTimeout: cfg.Update.Verify.Timeout,
		Runner:        runner,
		Inspector: docker.NewInspector(
			runner,
			docker.WithBinary(cfg.Unit.DockerBinary),
			docker.WithTimeout(cfg.Update.InspectTimeout),
		),
		Source:      source,
		Repository:  repository.NewFileRepository(cfg.StateFile),
		Broadcaster: broadcast.New(cfg.Stream.Buffer, broadcast.WithDropHook(collector.EventsDropped)),
		Observers:   observers,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	// The unit health reflects the outcome of the last run across restarts.
	if last := orch.LastRun(); healthServer != nil && last != nil {
		healthServer.RunFinished(last)
	}

	handler, err := rest.NewHandler(&rest.Options{
		Service:        orch,
		Metrics:        collector,
		Gatherer:       registry,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("create http handler: %w", err)
	}

	return &service{
		orchestrator: orch,
		health:       healthServer,
		handler:      handler,
	}, nil
}

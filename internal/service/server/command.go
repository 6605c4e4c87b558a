package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/logger"
	"github.com/oshokin/compose-updater/internal/process"
)

// Options controls the compose-updater process.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress overrides the dashboard address from the configuration.
	ListenAddress string
	// GRPCHealthAddress overrides the gRPC health address from the configuration.
	GRPCHealthAddress string
	// LogLevel overrides the configured log level.
	LogLevel string
	// Runner runs pipeline and inspection commands; nil runs them on the host.
	Runner process.Runner
	// Ready, when set, receives the bound dashboard address once the server listens.
	Ready func(addr net.Addr)
}

// readHeaderTimeout bounds reading request headers.
const readHeaderTimeout = 10 * time.Second

// Run starts the dashboard and the optional gRPC health endpoint and blocks
// until ctx is canceled. On cancellation a running update gets the configured
// shutdown timeout to finish before its step is killed.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "compose-updater")

	cfg, err := loadSettings(opts)
	if err != nil {
		return err
	}

	if err := logger.Configure(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File}); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	svc, err := newService(ctx, cfg, opts.Runner)
	if err != nil {
		return fmt.Errorf("initialise service: %w", err)
	}

	lc := net.ListenConfig{}

	httpListener, err := lc.Listen(ctx, "tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}

	var (
		grpcServer   *grpc.Server
		grpcListener net.Listener
	)

	if svc.health != nil {
		grpcListener, err = lc.Listen(ctx, "tcp", cfg.GRPCHealthAddress)
		if err != nil {
			_ = httpListener.Close()

			return fmt.Errorf("listen on %s: %w", cfg.GRPCHealthAddress, err)
		}

		grpcServer = grpc.NewServer()
		svc.health.Register(grpcServer)
	}

	httpServer := &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		// Requests keep the logger but must outlive the stop signal while streams drain.
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	logger.InfoKV(ctx, "Compose updater listening",
		"listen_address", httpListener.Addr().String(),
		"grpc_health_address", cfg.GRPCHealthAddress,
		"unit", cfg.Unit.ContainerName,
		"repo", cfg.GitHub.Repo,
		"state_file", cfg.StateFile,
	)

	if opts.Ready != nil {
		opts.Ready(httpListener.Addr())
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}

		return nil
	})

	if grpcServer != nil {
		group.Go(func() error {
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve gRPC: %w", err)
			}

			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		return svc.shutdown(ctx, cfg.ShutdownTimeout, httpServer, grpcServer)
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info(ctx, "Compose updater stopped")

	return nil
}

// shutdown stops the orchestrator first so streams end with the run, then the servers.
func (s *service) shutdown(ctx context.Context, timeout time.Duration, httpServer *http.Server, grpcServer *grpc.Server) error {
	logger.InfoKV(ctx, "Shutting down", "timeout", timeout.String())

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error

	if err := s.orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.WarnKV(ctx, "Running update was interrupted", "error", err)
	}

	// The orchestrator may have used the whole budget; the servers get a fresh one.
	serverCtx, serverCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer serverCancel()

	if err := httpServer.Shutdown(serverCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown HTTP: %w", err))
	}

	if grpcServer != nil {
		s.health.Shutdown()
		grpcServer.GracefulStop()
	}

	return errors.Join(errs...)
}

// loadSettings reads the configuration and applies command line overrides.
func loadSettings(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.ListenAddress != "" {
		cfg.ListenAddress = opts.ListenAddress
	}

	if opts.GRPCHealthAddress != "" {
		cfg.GRPCHealthAddress = opts.GRPCHealthAddress
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	// Overrides go through the same checks as the file.
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

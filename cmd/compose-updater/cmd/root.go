package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/compose-updater/internal/api/grpc/health"
	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/service/checker"
	"github.com/oshokin/compose-updater/internal/service/server"
	"github.com/oshokin/compose-updater/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// listenAddress overrides the dashboard address.
	listenAddress string
	// grpcHealthAddress overrides the gRPC health address.
	grpcHealthAddress string
	// logLevel overrides the configured log level.
	logLevel string
	// checkJSON prints the check result as JSON.
	checkJSON bool
	// forceInit overwrites an existing configuration file.
	forceInit bool
	// probeUnit checks the managed unit instead of the process.
	probeUnit bool

	// rootCmd serves the dashboard and runs updates on request.
	rootCmd = &cobra.Command{
		Use:   "compose-updater",
		Short: "Update a docker compose container to its latest upstream release.",
		Long: `Serves a small dashboard that compares the running version of one docker
compose container with the latest upstream release and, on request, pulls,
rebuilds without cache, recreates and verifies the container.

Progress is streamed to the browser over Server-Sent Events or WebSocket.
Only one update runs at a time and a cooldown separates consecutive updates.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return server.Run(ctx, &server.Options{
				ConfigPath:        configPath,
				ListenAddress:     listenAddress,
				GRPCHealthAddress: grpcHealthAddress,
				LogLevel:          logLevel,
			})
		},
	}

	// checkCmd prints the version comparison once.
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Print the running and the latest version and exit.",
		Long: `Compares the running version of the managed container with the latest
upstream release once. Exits with a non-zero status when either version could
not be determined.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return checker.Run(ctx, &checker.Options{
				ConfigPath: configPath,
				JSON:       checkJSON,
				Output:     cmd.OutOrStdout(),
			})
		},
	}

	// initConfigCmd writes a configuration with every default filled in.
	initConfigCmd = &cobra.Command{
		Use:   "init-config",
		Short: "Write a configuration file with default settings.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigFilename
			}

			if _, err := os.Stat(path); err == nil && !forceInit {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", path, err)
			}

			if err := config.Save(path, config.Default()); err != nil {
				return err
			}

			cmd.Printf("Configuration written to %s\n", path)

			return nil
		},
	}

	// healthcheckCmd probes the gRPC health endpoint of a running instance.
	healthcheckCmd = &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the gRPC health endpoint of a running instance.",
		Long: `Queries grpc.health.v1.Health on grpc_health_address (or --grpc-health)
and exits with a non-zero status unless the process, or with --unit the
managed container, reports SERVING. Suitable for a container HEALTHCHECK.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			address := grpcHealthAddress
			if address == "" {
				address = cfg.GRPCHealthAddress
			}

			if address == "" {
				return errNoHealthAddress
			}

			client, err := health.Dial(localAddress(address))
			if err != nil {
				return err
			}

			defer func() {
				_ = client.Close()
			}()

			service := ""
			if probeUnit {
				service = cfg.Unit.ContainerName
			}

			return client.Probe(cmd.Context(), service)
		},
	}
)

// errNoHealthAddress is returned by healthcheck when no endpoint is configured.
var errNoHealthAddress = errors.New("grpc_health_address is not configured")

// localAddress turns a wildcard listen address (":9091", "0.0.0.0:9091") into a loopback one.
func localAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}

	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return address
	}

	return net.JoinHostPort("127.0.0.1", port)
}

// Execute runs the compose-updater CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")

	rootCmd.Flags().StringVarP(&listenAddress, "listen", "l", "", "dashboard listen address, overrides listen_address")
	rootCmd.PersistentFlags().
		StringVar(&grpcHealthAddress, "grpc-health", "", "gRPC health address, overrides grpc_health_address")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print the result as JSON")
	initConfigCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing configuration file")
	healthcheckCmd.Flags().BoolVar(&probeUnit, "unit", false, "probe the managed container instead of the process")

	rootCmd.AddCommand(checkCmd, initConfigCmd, healthcheckCmd)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/internal/observability"
	"github.com/3leaps/simrunner/internal/server"
	"github.com/3leaps/simrunner/internal/server/handlers"
	"github.com/3leaps/simrunner/pkg/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control plane",
	Long: `Start an engine and serve its HTTP control plane.

Jobs and batch manifests are submitted over HTTP; results are read back
from the same ledger "simrunner results" uses. On SIGINT or SIGTERM the
server stops accepting requests, the engine drains running jobs for up to
--drain-timeout, and whatever is still running after that is terminated.

Endpoints:
  GET  /health, /health/live, /health/ready, /health/startup, /version
  POST /jobs, GET /jobs, GET /jobs/{id}, POST /jobs/{id}/cancel
  POST /batches, GET /batches/{name}, POST /batches/{name}/cancel
  GET  /results, /results/aggregate, /summary, /processes`,
	RunE: runServe,
}

var (
	serveHost         string
	servePort         int
	serveDrainTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override server.port")
	serveCmd.Flags().DurationVar(&serveDrainTimeout, "drain-timeout", 30*time.Second, "How long running jobs may finish on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	cfg, err := loadedConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	store, err := openStore(ctx, cfg, uuid.New().String())
	if err != nil {
		observability.CLILogger.Error("Failed to open result ledger", zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Failed to open result ledger", err)
	}
	defer func() { _ = store.Close() }()

	e, err := engine.New(cfg.ToEngineConfig(),
		engine.WithLogger(observability.CLILogger.Named("engine")),
		engine.WithStore(store))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid engine configuration", err)
	}
	if err := e.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start engine", err)
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("engine", engineHealthChecker{engine: e})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	srv := server.New(host, port,
		server.WithEngine(e),
		server.WithLogger(observability.CLILogger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}))

	observability.CLILogger.Info("Starting server",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("version", versionInfo.Version))

	serveErr := srv.Start(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), serveDrainTimeout)
	defer cancel()
	if err := e.Drain(drainCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			observability.CLILogger.Warn("Drain timed out; running jobs were terminated",
				zap.Duration("drain_timeout", serveDrainTimeout))
		} else {
			observability.CLILogger.Warn("Engine shutdown reported an error", zap.Error(err))
		}
	}

	if serveErr != nil {
		observability.CLILogger.Error("Server failed", zap.Error(serveErr))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", serveErr)
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}

// engineHealthChecker fails once the engine stops accepting jobs.
type engineHealthChecker struct {
	engine *engine.Engine
}

func (c engineHealthChecker) CheckHealth(ctx context.Context) error {
	if c.engine == nil {
		return errors.New("engine not initialized")
	}
	if st := c.engine.State(); st != engine.StateAccepting {
		return fmt.Errorf("engine is %s", st)
	}
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return errors.New("identity missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("identity missing env prefix")
	}
	if c.configName == "" {
		return errors.New("identity missing config name")
	}
	return nil
}

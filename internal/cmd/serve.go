package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/worklets/internal/config"
	"github.com/3leaps/worklets/internal/observability"
	"github.com/3leaps/worklets/internal/server"
	"github.com/3leaps/worklets/internal/server/handlers"
	"github.com/3leaps/worklets/pkg/manifest"
	"github.com/3leaps/worklets/pkg/output"
	"github.com/3leaps/worklets/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a scene over HTTP",
	Long: `Load a scene manifest and serve it over HTTP. Frames are rendered on
demand, one per request:

  GET /v1/worklets          registered worklets and their contexts
  GET /v1/frames/{index}    render frame <index> and return its jobs
  GET /v1/stats             totals since start
  GET /health, /version     service endpoints
  GET /metrics              metric snapshot (metrics.enabled)

Example:
  worklets serve --scene scene.yaml --port 8080
  worklets serve --scene scene.yaml --metrics-port 9090 --output file:frames.jsonl`,
	RunE: runServe,
}

var (
	serveScenePath string
	serveOutput    string
	serveFilter    string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveScenePath, "scene", "s", "", "Path to scene manifest (required)")
	serveCmd.Flags().StringVarP(&serveOutput, "output", "o", "", "Also write rendered frames as JSONL (stdout or file:PATH)")
	serveCmd.Flags().StringVar(&serveFilter, "filter", "", "Only register painters whose name matches this glob")
	serveCmd.Flags().String("host", "localhost", "Listen host")
	serveCmd.Flags().Int("port", 8080, "Listen port")
	serveCmd.Flags().Int("metrics-port", 9090, "Metrics listen port (0 or the listen port mounts /metrics on the main server)")
	bindFlag(serveCmd.Flags(), "host", "server.host")
	bindFlag(serveCmd.Flags(), "port", "server.port")
	bindFlag(serveCmd.Flags(), "metrics-port", "metrics.port")

	_ = serveCmd.MarkFlagRequired("scene")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	m, err := manifest.Load(serveScenePath)
	if err != nil {
		logger.Error("Failed to load manifest", zap.String("path", serveScenePath), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if cfg.Dispatch.ImagesDir != "" && m.Output.ImagesDir == "" {
		m.Output.ImagesDir = cfg.Dispatch.ImagesDir
	}
	m.ApplyDefaults()

	if cfg.Metrics.Enabled {
		observability.InitTelemetry(GetAppIdentity().BinaryName)
	}

	runID := uuid.New().String()
	writer := output.Discard
	if serveOutput != "" {
		w, cleanup, err := createWriter(serveOutput, runID, serveScenePath)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
		}
		defer cleanup()
		writer = w
	}

	sess, err := session.New(ctx, m,
		session.WithLogger(logger),
		session.WithMeter(observability.Meter()),
		session.WithWriter(writer),
		session.WithRunID(runID),
		session.WithWorkletFilter(serveFilter),
		session.WithoutPacing(),
	)
	if err != nil {
		logger.Error("Failed to start session", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Failed to start scene", err)
	}

	registerHealthCheckers(cfg, sess)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithSource(sess),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Debug.PprofEnabled {
		opts = append(opts, server.WithProfiler())
	}
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port
	if cfg.Metrics.Enabled && !separateMetrics {
		opts = append(opts, server.WithMetrics())
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	var metricsSrv *http.Server
	if separateMetrics {
		metricsSrv = newMetricsServer(cfg.Server.Host, cfg.Metrics.Port)
	}

	logger.Info("Serving scene",
		zap.String("run_id", runID),
		zap.String("scene", serveScenePath),
		zap.String("addr", srv.Addr()),
		zap.Int("worklets", len(m.Worklets)),
		zap.Int("layers", len(m.Layers)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", metricsSrv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		err := srv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return errors.Join(err, sess.Close(shutdownCtx))
	})

	err = g.Wait()
	stats := sess.Stats()
	logger.Info("Server stopped",
		zap.String("run_id", runID),
		zap.Int("frames", stats.Frames),
		zap.Int("jobs", stats.Jobs),
		zap.Int64("errors", stats.Errors))
	_ = observability.ShutdownTelemetry(context.WithoutCancel(ctx))

	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

func registerHealthCheckers(cfg *config.Config, src handlers.FrameSource) {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	if !cfg.Health.Enabled {
		return
	}
	id := GetAppIdentity()
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("scene", sceneHealthChecker{source: src})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
}

func newMetricsServer(host string, port int) *http.Server {
	r := chi.NewRouter()
	r.Get("/metrics", handlers.Metrics)
	return &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// signalHealthChecker reports the process signal handling. Signals are
// wired through the root context, so it is always healthy.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.MetricsReader == nil {
		return observability.ErrTelemetryNotInitialized
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

// sceneHealthChecker fails once the session is closed.
type sceneHealthChecker struct {
	source handlers.FrameSource
}

func (c sceneHealthChecker) CheckHealth(ctx context.Context) error {
	if _, err := c.source.Worklets(ctx); err != nil {
		return fmt.Errorf("scene: %w", err)
	}
	return nil
}

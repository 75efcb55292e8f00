// Package daemonrun assembles the vigil daemon from configuration and runs it
// until the process is signalled.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"vigil/internal/artifacts"
	"vigil/internal/config"
	"vigil/internal/daemon"
	"vigil/internal/deps"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/notifications"
	"vigil/internal/occupancy"
	"vigil/internal/preflight"
	"vigil/internal/procrun"
	"vigil/internal/streamproxy"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the vigil daemon and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(signalCtx, logger, cfg)
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobstore.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}

	sinks := occupancy.Open(signalCtx, cfg, logger)
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("close occupancy sinks", logging.Error(err))
		}
	}()
	live := livecount.New(logger, livecount.Options{
		SubscriberBuffer: cfg.Live.SubscriberBuffer,
		ForwardBuffer:    cfg.Live.ForwardBuffer,
	}, sinks.Forwarders()...)

	artifactStore, err := artifacts.New(signalCtx, cfg, logger)
	if err != nil {
		logging.WarnWithContext(logger, "artifact storage unavailable", "artifacts_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check artifacts endpoint, bucket, and credentials"),
			logging.String(logging.FieldImpact, "job outputs stay on local disk only"),
		)
		artifactStore = artifacts.Noop{}
	}

	notifier := notifications.NewService(cfg)
	runner := procrun.New(logger)
	proxy := streamproxy.New(cfg, runner, live, logger)
	engine := jobengine.New(cfg, store, runner, logger,
		jobengine.WithPublisher(live),
		jobengine.WithArtifacts(artifactStore),
		jobengine.WithNotifier(notifier),
	)

	d, err := daemon.New(cfg, store, engine, proxy, live, runner, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check the api bind address and that no other daemon holds the lock"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("vigil daemon shutting down")
	return nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	if strings.TrimSpace(opts.LogLevel) == "" && !opts.Development {
		return logging.NewFromConfig(cfg)
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	outputs := []string{"stdout"}
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		outputs = append(outputs, filepath.Join(cfg.Paths.LogDir, "vigil.log"))
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Development: opts.Development,
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	statuses := preflight.CheckSystemDeps(ctx, cfg)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("simulation_mode", cfg.Engine.SimulationMode),
		logging.Bool("auth_enabled", cfg.AuthEnabled()),
		logging.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		logging.Bool("amqp_enabled", cfg.AMQP.Enabled),
		logging.Bool("postgres_enabled", cfg.Postgres.Enabled),
		logging.Bool("artifacts_enabled", cfg.Artifacts.Enabled),
	}
	for _, status := range statuses {
		attrs = append(attrs, logging.Bool(status.Name+"_available", status.Available))
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)

	for _, missing := range deps.Missing(statuses) {
		logging.WarnWithContext(logger, "dependency unavailable", "dependency_missing",
			logging.String("dependency", missing.Name),
			logging.String("command", missing.Command),
			logging.String("detail", missing.Detail),
			logging.String(logging.FieldImpact, missing.Description+" will fail"),
		)
	}
}

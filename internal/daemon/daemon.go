package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vigil/internal/api"
	"vigil/internal/config"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/notifications"
	"vigil/internal/preflight"
	"vigil/internal/procrun"
	"vigil/internal/streamproxy"
)

const shutdownTimeout = 30 * time.Second

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *jobstore.Store
	engine   *jobengine.Engine
	proxy    *streamproxy.Proxy
	live     *livecount.Broadcaster
	runner   *procrun.Runner
	notifier notifications.Service
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *jobstore.Store, engine *jobengine.Engine, proxy *streamproxy.Proxy, live *livecount.Broadcaster, runner *procrun.Runner, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || engine == nil || proxy == nil || live == nil || runner == nil {
		return nil, errors.New("daemon requires config, store, engine, proxy, broadcaster, and runner")
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		engine:   engine,
		proxy:    proxy,
		live:     live,
		runner:   runner,
		notifier: notifications.NewService(cfg),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, recovers interrupted jobs, and starts serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another vigil daemon instance is already running")
	}

	recovered, err := d.store.FailInterrupted(ctx)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		logging.WarnWithContext(d.logger, "failed jobs interrupted by previous run", "jobs_interrupted",
			logging.Int("count", recovered),
			logging.String(logging.FieldImpact, "interrupted jobs must be resubmitted"),
		)
	}

	for _, check := range preflight.Failed(preflight.RunAll(ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
		)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(serveCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("vigil daemon started",
		logging.String("lock", d.lockPath),
		logging.String("address", d.api.address()),
		logging.Bool("auth", d.cfg.AuthEnabled()),
	)
	if err := d.notifier.Publish(ctx, notifications.EventDaemonStarted, notifications.Payload{"bind": d.api.address()}); err != nil {
		d.logger.Debug("startup notification failed", logging.Error(err))
	}
	return nil
}

// Stop stops serving, cancels running jobs, stops streams, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.proxy.Shutdown()
	if err := d.engine.Shutdown(ctx); err != nil {
		logging.WarnWithContext(d.logger, "jobs still running at shutdown", "shutdown_timeout",
			logging.Error(err),
			logging.String(logging.FieldImpact, "remaining jobs are failed on next start"),
		)
	}
	d.runner.Shutdown(d.cfg.Engine.CancelGrace())
	d.live.Close()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("vigil daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Address returns the bound API address once started.
func (d *Daemon) Address() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StorePath:    d.store.Path(),
		LockFilePath: d.lockPath,
		Sessions:     api.FromSessions(d.proxy.Sessions()),
		Live:         api.FromLiveStats(d.live.Stats()),
		Dependencies: api.FromDependencies(preflight.CheckSystemDeps(ctx, d.cfg)),
	}
	if status.Running {
		status.StartedAt = d.startedAt.UTC().Format(time.RFC3339)
	}

	counts, err := d.store.Health(ctx)
	if err != nil {
		d.logger.Warn("job stats unavailable", logging.Error(err))
	}
	status.Engine = api.FromEngineSummary(d.engine.Status(), counts)

	var samples []procrun.Stats
	for _, handle := range d.runner.Active() {
		sample, err := handle.Stats()
		if err != nil {
			continue
		}
		samples = append(samples, sample)
	}
	status.Processes = api.FromProcessStats(samples)
	return status
}

// Health reports store liveness for the unauthenticated health endpoint.
func (d *Daemon) Health(ctx context.Context) api.HealthResponse {
	health, err := d.store.CheckHealth(ctx)
	resp := api.HealthResponse{
		Status:         "ok",
		DatabaseOK:     health.DatabaseReadable && health.TableExists,
		SchemaVersion:  health.SchemaVersion,
		IntegrityCheck: health.IntegrityCheck,
		Error:          health.Error,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if !resp.DatabaseOK || !resp.IntegrityCheck || resp.Error != "" {
		resp.Status = "degraded"
	}
	return resp
}

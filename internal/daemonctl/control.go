// Package daemonctl launches, stops, and inspects a background vigil daemon
// from the CLI.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vigil/internal/api"
	"vigil/internal/apiclient"
	"vigil/internal/config"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/preflight"
)

const pollInterval = 200 * time.Millisecond

// ErrDaemonNotRunning indicates the daemon API is unreachable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	Signalled  bool
	ForcedKill bool
	PID        int
}

// Launch starts a detached `vigil daemon` process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForHealthy polls the health endpoint until it answers or timeout elapses.
func WaitForHealthy(ctx context.Context, client *apiclient.Client, timeout time.Duration) (api.HealthResponse, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		health, err := client.Health(ctx)
		if err == nil {
			return health, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return api.HealthResponse{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return api.HealthResponse{}, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless its API already answers.
func EnsureStarted(ctx context.Context, client *apiclient.Client, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if _, err := client.Health(ctx); err == nil {
		return StartResult{State: StartStateAlreadyRunning}, nil
	} else if !apiclient.IsUnavailable(err) {
		return StartResult{}, err
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	if _, err := WaitForHealthy(ctx, client, waitTimeout); err != nil {
		return StartResult{}, err
	}
	result := StartResult{State: StartStateStarted}
	if status, err := client.Status(ctx); err == nil {
		result.PID = status.PID
	}
	return result, nil
}

// WaitForShutdown waits until the daemon API stops answering.
func WaitForShutdown(ctx context.Context, client *apiclient.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := client.Health(ctx); apiclient.IsUnavailable(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ReadPID returns the pid recorded in path, or 0 when the file is absent.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read daemon pid file %q: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon pid file %q is malformed", path)
	}
	return pid, nil
}

// StopAndTerminate sends SIGTERM to the daemon and escalates to SIGKILL when
// the API is still reachable after gracePeriod.
func StopAndTerminate(ctx context.Context, client *apiclient.Client, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	status, err := client.Status(ctx)
	if apiclient.IsUnavailable(err) {
		return StopResult{}, ErrDaemonNotRunning
	}
	pid := status.PID
	if pid == 0 {
		// Status needs auth; the pid file does not.
		if pid, err = ReadPID(cfg.PIDPath()); err != nil {
			return StopResult{}, err
		}
	}
	if pid <= 0 {
		return StopResult{}, fmt.Errorf("unable to determine daemon pid (pid file: %s)", cfg.PIDPath())
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return StopResult{}, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return StopResult{}, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	result := StopResult{Signalled: true, PID: pid}

	if err := WaitForShutdown(ctx, client, gracePeriod); err == nil {
		return result, nil
	}
	if err := proc.Kill(); err != nil {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	_ = os.Remove(cfg.PIDPath())
	result.ForcedKill = true
	return result, nil
}

// BuildStatusSnapshot returns the daemon's own status when it answers, and
// otherwise an offline status read directly from the job store and preflight
// checks.
func BuildStatusSnapshot(ctx context.Context, client *apiclient.Client, cfg *config.Config) (api.DaemonStatus, error) {
	if cfg == nil {
		return api.DaemonStatus{}, errors.New("configuration not available")
	}
	status, err := client.Status(ctx)
	if err == nil {
		return status, nil
	}
	if !apiclient.IsUnavailable(err) {
		return api.DaemonStatus{}, err
	}

	offline := api.DaemonStatus{
		StorePath:    cfg.StorePath(),
		LockFilePath: cfg.LockPath(),
		Dependencies: api.FromDependencies(preflight.CheckSystemDeps(ctx, cfg)),
		Checks:       api.FromChecks(preflight.RunAll(ctx, cfg)),
	}
	counts := jobstore.HealthSummary{}
	if _, statErr := os.Stat(cfg.StorePath()); statErr == nil {
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if store, openErr := jobstore.Open(cfg); openErr == nil {
			if summary, healthErr := store.Health(queryCtx); healthErr == nil {
				counts = summary
			}
			_ = store.Close()
		}
	}
	offline.Engine = api.FromEngineSummary(jobengine.Summary{Slots: cfg.Engine.MaxConcurrentJobs}, counts)
	return offline, nil
}

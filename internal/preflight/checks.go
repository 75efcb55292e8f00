package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"vigil/internal/config"
	"vigil/internal/deps"
)

const endpointTimeout = 3 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckEndpoint dials the host behind target over TCP. target may be a URL,
// a DSN URL, or a bare host[:port]; defaultPort applies when none is given.
func CheckEndpoint(ctx context.Context, name, target, defaultPort string) Result {
	address, err := dialAddress(target, defaultPort)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, endpointTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(checkCtx, "tcp", address)
	if err != nil {
		return Result{Name: name, Detail: summarizeDialError(address, err)}
	}
	_ = conn.Close()
	return Result{Name: name, Passed: true, Detail: address + " reachable"}
}

func dialAddress(target, defaultPort string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("missing address")
	}
	host := target
	if strings.Contains(target, "://") {
		parsed, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("invalid address: %v", err)
		}
		host = parsed.Host
		if host == "" {
			return "", errors.New("address has no host")
		}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultPort)
	}
	return host, nil
}

func summarizeDialError(address string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return address + " timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return address + " timed out"
	}
	return fmt.Sprintf("%s unreachable (%v)", address, err)
}

// CheckSystemDeps evaluates the external binaries for the given config.
// Both the daemon and the CLI status command use this to avoid duplicating
// the requirements list. Worker binaries are optional in simulation mode.
func CheckSystemDeps(ctx context.Context, cfg *config.Config) []deps.Status {
	statuses := []deps.Status{
		deps.ProbeFFmpeg(ctx, "FFmpeg (stream)", cfg.Stream.FFmpegBinary, "Required for live MJPEG proxying"),
	}
	if strings.TrimSpace(cfg.Workers.CaptureBinary) != strings.TrimSpace(cfg.Stream.FFmpegBinary) {
		statuses = append(statuses, deps.ProbeFFmpeg(ctx, "FFmpeg (capture)", cfg.Workers.CaptureBinary, "Required for stream job capture"))
	}

	names := make([]string, 0, len(cfg.Workers.Models))
	for name := range cfg.Workers.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	requirements := make([]deps.Requirement, 0, len(names))
	for _, name := range names {
		requirements = append(requirements, deps.Requirement{
			Name:        "Worker " + name,
			Command:     cfg.Workers.Models[name].Binary,
			Description: "Analytics worker for model " + name,
			Optional:    cfg.Engine.SimulationMode,
		})
	}
	return append(statuses, deps.CheckBinaries(requirements)...)
}

package procrun

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Handle is one supervised process.
type Handle struct {
	label     string
	command   string
	pid       int
	startedAt time.Time
	timeout   time.Duration

	exited chan struct{}
	done   chan struct{}

	canceled atomic.Bool
	timedOut atomic.Bool
	cancelMu sync.Mutex

	mu   sync.Mutex
	tail *tailBuffer

	// Set before done is closed.
	exitCode int
	err      error
}

// Label returns the caller-supplied process label.
func (h *Handle) Label() string { return h.label }

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and every output line has been
// delivered to the callbacks.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsAlive reports whether the OS process has not yet been reaped.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and all output was dispatched. Repeated
// calls return the same outcome.
func (h *Handle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.err
}

// Cancel terminates the process: SIGTERM to its process group, up to grace for
// a clean exit, then SIGKILL. It returns once the process is reaped, or after
// the kill was issued and a short reap window elapsed. Cancel on an exited
// handle is a no-op.
func (h *Handle) Cancel(grace time.Duration) {
	if !h.IsAlive() {
		return
	}
	if !h.timedOut.Load() {
		h.canceled.Store(true)
	}
	h.terminate(grace)
}

func (h *Handle) terminate(grace time.Duration) {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	if !h.IsAlive() {
		return
	}
	h.signal(unix.SIGTERM)
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.exited:
			return
		case <-timer.C:
		}
	}
	h.signal(unix.SIGKILL)
	select {
	case <-h.exited:
	case <-time.After(killWait):
	}
}

func (h *Handle) signal(sig syscall.Signal) {
	if err := unix.Kill(-h.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		if proc, findErr := os.FindProcess(h.pid); findErr == nil {
			_ = proc.Signal(sig)
		}
	}
}

// StderrTail returns the most recent stderr lines.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tail.snapshot()
}

func (h *Handle) classify(waitErr error, state *os.ProcessState) error {
	switch {
	case h.timedOut.Load():
		return &TimeoutError{Command: h.command, After: h.timeout}
	case h.canceled.Load():
		return ErrCanceled
	case waitErr == nil:
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return waitErr
	}
	out := &ExitError{Command: h.command, Code: state.ExitCode(), Stderr: h.StderrTail()}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		out.Signal = status.Signal().String()
	}
	return out
}

// Stats is a point-in-time resource sample of a live process.
type Stats struct {
	Label      string
	PID        int
	StartedAt  time.Time
	CPUPercent float64
	RSSBytes   uint64
}

// Stats samples CPU and memory usage. It fails once the process has exited.
func (h *Handle) Stats() (Stats, error) {
	out := Stats{Label: h.label, PID: h.pid, StartedAt: h.startedAt}
	proc, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return out, err
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		out.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	return out, nil
}

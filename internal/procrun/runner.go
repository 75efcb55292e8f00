package procrun

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"vigil/internal/logging"
)

const (
	lineBuffer       = 64
	maxLineBytes     = 1 << 20
	maxChunkBytes    = 8 << 20
	defaultTailLines = 20
	killWait         = 5 * time.Second
)

// Spec describes one process to start.
type Spec struct {
	// Label identifies the process in logs and status output (e.g. "capture:<job>").
	Label   string
	Command string
	Args    []string
	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string
	Dir string

	OnStdout func(line string)
	OnStderr func(line string)
	// StdoutSplit replaces line splitting for binary stdout such as MJPEG frames.
	StdoutSplit bufio.SplitFunc

	// Timeout is a hard wall-clock limit; reaching it behaves as Cancel(Grace).
	Timeout time.Duration
	// Grace is the SIGTERM-to-SIGKILL window used by timeout and context cancellation.
	Grace time.Duration
	// StderrTail is how many stderr lines ExitError carries (default 20).
	StderrTail int
}

// Runner starts and tracks supervised processes.
type Runner struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[*Handle]struct{}
}

// New constructs a Runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logging.NewComponentLogger(logger, "procrun"),
		active: make(map[*Handle]struct{}),
	}
}

type outputLine struct {
	stderr bool
	text   string
}

// Start spawns exactly one OS process for spec. Cancelling ctx cancels the
// process with spec.Grace. Spawn failures are returned as *SpawnError and no
// handle is created.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, &SpawnError{Command: "<empty>", Err: errors.New("no command")}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	tailSize := spec.StderrTail
	if tailSize <= 0 {
		tailSize = defaultTailLines
	}
	label := spec.Label
	if label == "" {
		label = filepath.Base(command)
	}

	h := &Handle{
		label:     label,
		command:   filepath.Base(command),
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		tail:      newTailBuffer(tailSize),
		timeout:   spec.Timeout,
	}
	r.track(h)

	logger := r.logger.With(logging.String("process", label), logging.PID(h.pid))
	logger.Debug("process started", logging.String("command", path), logging.Any("args", spec.Args))

	lines := make(chan outputLine, lineBuffer)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		readPipe(stdout, spec.StdoutSplit, false, lines)
	}()
	go func() {
		defer readers.Done()
		readPipe(stderr, nil, true, lines)
	}()
	go func() {
		readers.Wait()
		close(lines)
	}()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for line := range lines {
			if line.stderr {
				if strings.TrimSpace(line.text) != "" {
					h.mu.Lock()
					h.tail.add(line.text)
					h.mu.Unlock()
				}
				if spec.OnStderr != nil {
					spec.OnStderr(line.text)
				}
				continue
			}
			if spec.OnStdout != nil {
				spec.OnStdout(line.text)
			}
		}
	}()

	var timer *time.Timer
	if spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, func() {
			h.timedOut.Store(true)
			h.terminate(spec.Grace)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			h.Cancel(spec.Grace)
		case <-h.exited:
		}
	}()

	go func() {
		// Wait must follow the final pipe read.
		readers.Wait()
		waitErr := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		close(h.exited)
		<-dispatched

		h.exitCode = cmd.ProcessState.ExitCode()
		h.err = h.classify(waitErr, cmd.ProcessState)
		r.untrack(h)
		logger.Debug("process exited",
			logging.Int("exit_code", h.exitCode),
			logging.Duration("elapsed", time.Since(h.startedAt)),
			logging.Bool("canceled", h.canceled.Load()),
			logging.Bool("timed_out", h.timedOut.Load()),
		)
		close(h.done)
	}()

	return h, nil
}

func readPipe(pipe io.Reader, split bufio.SplitFunc, isStderr bool, out chan<- outputLine) {
	scanner := bufio.NewScanner(pipe)
	limit := maxLineBytes
	if split != nil {
		scanner.Split(split)
		limit = maxChunkBytes
	}
	scanner.Buffer(make([]byte, 0, 64*1024), limit)
	for scanner.Scan() {
		out <- outputLine{stderr: isStderr, text: scanner.Text()}
	}
	if scanner.Err() != nil {
		// Keep the pipe drained so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pipe)
	}
}

// Active lists live processes sorted by start time.
func (r *Runner) Active() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.active))
	for h := range r.active {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

// Shutdown cancels every live process concurrently and returns once all have
// been signalled and reaped or force-killed.
func (r *Runner) Shutdown(grace time.Duration) {
	var wg sync.WaitGroup
	for _, h := range r.Active() {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Cancel(grace)
		}(h)
	}
	wg.Wait()
}

func (r *Runner) track(h *Handle) {
	r.mu.Lock()
	r.active[h] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(h *Handle) {
	r.mu.Lock()
	delete(r.active, h)
	r.mu.Unlock()
}

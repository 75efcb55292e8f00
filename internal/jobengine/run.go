package jobengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vigil/internal/jobstore"
	"vigil/internal/logging"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/workerproto"
)

const (
	phaseWaiting   = "waiting"
	phaseCapturing = "capturing"
	phaseAnalyzing = "analyzing"
	phaseFinishing = "finishing"
)

// Run starts executing a queued job in the background. It returns once the
// job is marked processing.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	r, err := e.register(jobID)
	if err != nil {
		return err
	}

	job, err := e.store.Get(ctx, jobID)
	if err == nil && job == nil {
		err = notFound(jobID)
	}
	if err == nil && job.Status != jobstore.StatusQueued {
		err = ErrNotQueued
	}
	if err == nil {
		var ok bool
		ok, err = e.store.UpdateStatus(ctx, jobID, jobstore.Transition{
			Status: jobstore.StatusProcessing,
			From:   jobstore.StatusQueued,
		})
		if err == nil && !ok {
			err = ErrNotQueued
		}
	}
	if err != nil {
		e.unregister(r)
		close(r.done)
		return err
	}

	job.Status = jobstore.StatusProcessing
	e.wg.Add(1)
	go e.execute(r, job)
	return nil
}

func (e *Engine) register(jobID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return nil, ErrShuttingDown
	}
	if _, exists := e.runs[jobID]; exists {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		jobID:     jobID,
		startedAt: time.Now(),
		ctx:       services.WithJobID(ctx, jobID),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.setPhase(phaseWaiting)
	e.runs[jobID] = r
	return r, nil
}

func (e *Engine) unregister(r *run) {
	e.mu.Lock()
	if e.runs[r.jobID] == r {
		delete(e.runs, r.jobID)
	}
	e.mu.Unlock()
	r.cancel()
}

func (e *Engine) lookup(jobID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[jobID]
}

func (e *Engine) execute(r *run, job *jobstore.Job) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.unregister(r)

	logger := e.logger.With(
		logging.JobID(job.ID),
		logging.TenantID(job.TenantID),
		logging.String("kind", string(job.Kind)),
		logging.String("model", job.ModelType),
	)

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-r.ctx.Done():
		e.finish(r, job, nil, procrun.ErrCanceled, logger)
		return
	}

	logger.Info("job started", logging.String(logging.FieldEventType, "job_started"))
	result, err := e.process(r, job, logger)
	r.setPhase(phaseFinishing)
	e.finish(r, job, result, err, logger)
}

func (e *Engine) process(r *run, job *jobstore.Job, logger *slog.Logger) (*workerproto.Result, error) {
	if r.ctx.Err() != nil {
		return nil, procrun.ErrCanceled
	}
	input := job.SourceRef
	if job.Kind == jobstore.KindStream {
		r.setPhase(phaseCapturing)
		clip, err := e.capture(r, job, logger)
		if clip != "" {
			defer removeQuietly(clip, logger)
		}
		if err != nil {
			if errors.Is(err, services.ErrProcessSpawn) && e.cfg.Engine.SimulationMode {
				return e.simulate(logger, err)
			}
			return nil, err
		}
		input = clip
	}
	if r.ctx.Err() != nil {
		return nil, procrun.ErrCanceled
	}
	r.setPhase(phaseAnalyzing)
	return e.analyze(r, job, input, logger)
}

// CaptureArgs builds the ffmpeg arguments that record a bounded clip of
// sourceURL into outPath.
func CaptureArgs(sourceURL string, durationSeconds int, outPath string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(strings.ToLower(sourceURL), "rtsp") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args,
		"-i", sourceURL,
		"-t", strconv.Itoa(durationSeconds),
		"-c", "copy",
		"-f", "mp4",
		outPath,
	)
}

func (e *Engine) capturePath(jobID string) string {
	return filepath.Join(e.cfg.Paths.CaptureDir, jobID+"-capture.mp4")
}

// capture records the stream clip and returns its path. The path is returned
// even on failure so the caller can remove partial output.
func (e *Engine) capture(r *run, job *jobstore.Job, logger *slog.Logger) (string, error) {
	clip := e.capturePath(job.ID)
	duration := time.Duration(job.DurationSeconds) * time.Second
	handle, err := e.runner.Start(r.ctx, procrun.Spec{
		Label:   "capture:" + job.ID,
		Command: e.cfg.Workers.CaptureBinary,
		Args:    CaptureArgs(job.SourceRef, job.DurationSeconds, clip),
		Timeout: duration + e.cfg.Engine.CaptureGrace(),
		Grace:   e.cfg.Engine.CancelGrace(),
		OnStderr: func(line string) {
			logger.Debug("capture output", logging.String("line", line))
		},
	})
	if err != nil {
		return clip, err
	}
	logger.Info("capture started",
		logging.PID(handle.PID()),
		logging.Duration("duration", duration),
	)
	_, waitErr := handle.Wait()
	if errors.Is(waitErr, procrun.ErrCanceled) {
		return clip, waitErr
	}

	info, statErr := os.Stat(clip)
	if statErr != nil || info.Size() == 0 {
		detail := "capture produced no data"
		if waitErr != nil {
			detail = fmt.Sprintf("%s (%v)", detail, waitErr)
		}
		return clip, services.Wrap(services.ErrCaptureEmpty, "jobengine", "capture", detail, nil)
	}
	if waitErr != nil {
		// ffmpeg often exits non-zero when a live source drops at the end of
		// the window; the clip is still usable.
		logging.WarnWithContext(logger, "capture exited with error but produced data", "capture_nonzero_exit",
			logging.Error(waitErr),
			logging.Int64("bytes", info.Size()),
		)
	}
	return clip, nil
}

func (e *Engine) analyze(r *run, job *jobstore.Job, input string, logger *slog.Logger) (*workerproto.Result, error) {
	model, ok := e.cfg.Model(job.ModelType)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "jobengine", "analyze", "model "+job.ModelType+" is no longer configured", nil)
	}
	outDir := e.jobArtifactsDir(job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, "jobengine", "analyze", "create output directory", err)
	}

	args := append([]string{"--input", input, "--output-dir", outDir, "--job-id", job.ID}, model.Args...)
	parser := workerproto.NewParser()
	progress := &workerproto.Progress{}
	sampler := logging.NewProgressSampler(10)
	events := 0
	publishEvents := job.Kind == jobstore.KindStream && e.publisher != nil

	handle, err := e.runner.Start(r.ctx, procrun.Spec{
		Label:   "analyze:" + job.ID,
		Command: model.Binary,
		Args:    args,
		Timeout: e.cfg.Engine.JobTimeout(),
		Grace:   e.cfg.Engine.CancelGrace(),
		OnStdout: func(line string) {
			parsed := parser.Feed(line)
			switch parsed.Kind {
			case workerproto.KindProgress:
				value, advanced := progress.Observe(parsed.Progress)
				if !advanced {
					return
				}
				if err := e.store.UpdateProgress(context.Background(), job.ID, value); err != nil {
					logging.WarnWithContext(logger, "progress update failed", "progress_persist_failed", logging.Error(err))
				}
				if sampler.ShouldLog(value) {
					logger.Info("job progress", logging.Int("percent", value))
				}
			case workerproto.KindEvent:
				events++
				if publishEvents {
					e.publisher.Publish(job.StreamID, parsed.Event)
				}
			case workerproto.KindLog:
				if parsed.Text != "" {
					logger.Debug("worker output", logging.String("line", parsed.Text))
				}
			}
		},
		OnStderr: func(line string) {
			logger.Debug("worker stderr", logging.String("line", line))
		},
	})
	if err != nil {
		if errors.Is(err, services.ErrProcessSpawn) && e.cfg.Engine.SimulationMode {
			return e.simulate(logger, err)
		}
		return nil, err
	}
	logger.Info("worker started",
		logging.PID(handle.PID()),
		logging.String("binary", model.Binary),
	)

	_, waitErr := handle.Wait()
	if publishEvents {
		e.publisher.CloseStream(job.StreamID)
	}
	if waitErr != nil {
		return nil, waitErr
	}
	for _, violation := range parser.Violations() {
		logging.WarnWithContext(logger, "worker protocol violation", "protocol_violation", logging.String("detail", violation))
	}
	result, err := parser.Result()
	if err != nil {
		return nil, err
	}
	logger.Debug("worker finished", logging.Int("events", events))
	return result, nil
}

func (e *Engine) simulate(logger *slog.Logger, cause error) (*workerproto.Result, error) {
	logging.WarnWithContext(logger, "worker binary unavailable; producing simulated result", "simulated_result",
		logging.Error(cause),
		logging.String(logging.FieldImpact, "job result does not reflect real analytics"),
	)
	return &workerproto.Result{
		Raw:    []byte(`{"simulated":true,"total_counted":0}`),
		Fields: map[string]any{workerproto.KeySimulated: true, workerproto.KeyTotalCounted: float64(0)},
	}, nil
}

func (e *Engine) jobArtifactsDir(jobID string) string {
	return filepath.Join(e.cfg.Paths.ArtifactsDir, jobID)
}

func removeQuietly(path string, logger *slog.Logger) {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		logging.WarnWithContext(logger, "failed to remove temporary file", "cleanup_failed",
			logging.String("path", path),
			logging.Error(err),
		)
	}
}

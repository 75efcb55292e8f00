package jobengine

import (
	"context"
	"path/filepath"
	"strings"

	"vigil/internal/jobstore"
	"vigil/internal/logging"
	"vigil/internal/services"
	"vigil/internal/workerproto"
)

// Cancel stops a job. Queued jobs become cancelled immediately; processing
// jobs have their processes terminated and Cancel waits until the run has
// recorded the outcome. Terminal jobs are returned unchanged.
func (e *Engine) Cancel(ctx context.Context, caller Caller, id string) (*jobstore.Job, error) {
	job, err := e.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, nil
	}
	if err := e.cancel(ctx, job); err != nil {
		return nil, err
	}
	return e.Get(ctx, caller, id)
}

func (e *Engine) cancel(ctx context.Context, job *jobstore.Job) error {
	if job.Status == jobstore.StatusQueued {
		ok, err := e.store.UpdateStatus(ctx, job.ID, jobstore.Transition{
			Status: jobstore.StatusCancelled,
			From:   jobstore.StatusQueued,
		})
		if err != nil {
			return err
		}
		if ok {
			e.logger.Info("queued job cancelled", logging.JobID(job.ID))
			return nil
		}
	}

	if r := e.lookup(job.ID); r != nil {
		r.cancelled.Store(true)
		r.cancel()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return services.Wrap(services.ErrTransient, "jobengine", "cancel", "timed out waiting for job to stop", ctx.Err())
		}
	}

	// Processing without a live run means the owning run already exited or
	// never existed in this process.
	_, err := e.store.UpdateStatus(ctx, job.ID, jobstore.Transition{
		Status: jobstore.StatusCancelled,
		From:   jobstore.StatusProcessing,
	})
	return err
}

// Delete cancels the job if needed, then removes its record and artifacts.
func (e *Engine) Delete(ctx context.Context, caller Caller, id string) error {
	job, err := e.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		if err := e.cancel(ctx, job); err != nil {
			return err
		}
		if refreshed, err := e.store.Get(ctx, id); err == nil && refreshed != nil {
			job = refreshed
		}
	}

	logger := e.logger.With(logging.JobID(id))
	if result, err := workerproto.ParseResult(job.Result); err == nil && result != nil {
		for _, path := range []string{result.OutputPath(), result.ImagesDir()} {
			if e.ownedPath(path) {
				removeQuietly(path, logger)
			}
		}
	}
	removeQuietly(e.jobArtifactsDir(id), logger)
	removeQuietly(e.capturePath(id), logger)
	if err := e.artifacts.Remove(ctx, id); err != nil {
		logging.WarnWithContext(logger, "remote artifact removal failed", "artifact_remove_failed", logging.Error(err))
	}

	removed, err := e.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return notFound(id)
	}
	logger.Info("job deleted", logging.String(logging.FieldEventType, "job_deleted"))
	return nil
}

// ownedPath reports whether path lies inside the artifacts or capture
// directory; worker-reported paths elsewhere are never removed.
func (e *Engine) ownedPath(path string) bool {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	for _, root := range []string{e.cfg.Paths.ArtifactsDir, e.cfg.Paths.CaptureDir} {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Shutdown cancels every running job and waits for the runs to record their
// outcome or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancelled.Store(true)
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

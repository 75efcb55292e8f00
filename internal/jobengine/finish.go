package jobengine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"vigil/internal/jobstore"
	"vigil/internal/logging"
	"vigil/internal/notifications"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/workerproto"
)

const finalizeTimeout = 30 * time.Second

func (e *Engine) finish(r *run, job *jobstore.Job, result *workerproto.Result, runErr error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var transition jobstore.Transition
	switch {
	case r.cancelled.Load() || errors.Is(runErr, procrun.ErrCanceled):
		transition = jobstore.Transition{Status: jobstore.StatusCancelled}
	case runErr != nil:
		transition = jobstore.Transition{
			Status:       jobstore.StatusFailed,
			ErrorMessage: runErr.Error(),
			ErrorKind:    services.KindOf(runErr),
		}
	default:
		result = e.publishArtifacts(ctx, job, result, logger)
		transition = jobstore.Transition{Status: jobstore.StatusCompleted, Result: result.Raw}
	}
	transition.From = jobstore.StatusProcessing

	updated, err := e.store.UpdateStatus(ctx, job.ID, transition)
	if err != nil {
		e.setLastError(err)
		logging.ErrorWithContext(logger, "failed to persist job outcome", "job_persist_failed",
			logging.String("status", string(transition.Status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the state directory is writable"),
		)
		return
	}
	if !updated {
		logging.WarnWithContext(logger, "job left processing before completion was recorded", "job_state_conflict",
			logging.String("status", string(transition.Status)),
		)
		return
	}

	elapsed := time.Since(r.startedAt)
	switch transition.Status {
	case jobstore.StatusCompleted:
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "job_completed"),
			logging.Duration("elapsed", elapsed),
		}
		if total, ok := result.TotalCounted(); ok {
			attrs = append(attrs, logging.Int("total_counted", total))
		}
		logger.Info("job completed", logging.Args(attrs...)...)
		e.notify(ctx, notifications.EventJobCompleted, job, result, nil, logger)
	case jobstore.StatusFailed:
		e.setLastError(runErr)
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.String("error_kind", transition.ErrorKind),
			logging.Error(runErr),
			logging.Duration("elapsed", elapsed),
			logging.String(logging.FieldErrorHint, failureHint(runErr)),
		)
		e.notify(ctx, notifications.EventJobFailed, job, nil, runErr, logger)
	case jobstore.StatusCancelled:
		logger.Info("job cancelled",
			logging.String(logging.FieldEventType, "job_cancelled"),
			logging.Duration("elapsed", elapsed),
		)
	}
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrProcessSpawn):
		return "check the worker binary path or enable engine.simulation_mode"
	case errors.Is(err, services.ErrCaptureEmpty):
		return "verify the stream URL is reachable from the daemon host"
	case errors.Is(err, services.ErrProcessTimeout):
		return "raise engine.job_timeout_seconds or shorten the input"
	case errors.Is(err, services.ErrParse):
		return "worker must end stdout with a JSON result object"
	default:
		return "inspect the worker stderr in the job error message"
	}
}

// publishArtifacts uploads the reported output file and records its URL.
// Upload failures keep the local result.
func (e *Engine) publishArtifacts(ctx context.Context, job *jobstore.Job, result *workerproto.Result, logger *slog.Logger) *workerproto.Result {
	output := result.OutputPath()
	if output == "" {
		return result
	}
	if _, err := os.Stat(output); err != nil {
		return result
	}
	link, err := e.artifacts.Upload(ctx, job.ID, output)
	if err != nil {
		logging.WarnWithContext(logger, "artifact upload failed", "artifact_upload_failed",
			logging.String("path", output),
			logging.Error(err),
			logging.String(logging.FieldImpact, "result keeps the local output path only"),
		)
		return result
	}
	if link == "" {
		return result
	}
	updated, err := result.With(workerproto.KeyArtifactURL, link)
	if err != nil {
		return result
	}
	return updated
}

func (e *Engine) notify(ctx context.Context, event notifications.Event, job *jobstore.Job, result *workerproto.Result, runErr error, logger *slog.Logger) {
	if e.notifier == nil {
		return
	}
	payload := notifications.Payload{
		"jobId":     job.ID,
		"kind":      string(job.Kind),
		"modelType": job.ModelType,
	}
	if total, ok := result.TotalCounted(); ok {
		payload["totalCounted"] = total
	}
	if result != nil {
		if link, _ := result.Fields[workerproto.KeyArtifactURL].(string); link != "" {
			payload["artifactUrl"] = link
		}
	}
	if runErr != nil {
		payload["errorMessage"] = runErr.Error()
		payload["errorKind"] = services.KindOf(runErr)
	}
	if err := e.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
		)
	}
}

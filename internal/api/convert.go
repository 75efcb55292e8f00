package api

import (
	"time"

	"vigil/internal/deps"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/livecount"
	"vigil/internal/preflight"
	"vigil/internal/procrun"
	"vigil/internal/streamproxy"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// FromJob converts a job record to its API representation.
func FromJob(job *jobstore.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		TenantID:        job.TenantID,
		Kind:            string(job.Kind),
		SourceRef:       job.SourceRef,
		DurationSeconds: job.DurationSeconds,
		ModelType:       job.ModelType,
		StreamID:        job.StreamID,
		Status:          string(job.Status),
		Progress:        job.Progress,
		Result:          job.Result,
		ErrorMessage:    job.ErrorMessage,
		ErrorKind:       job.ErrorKind,
		CreatedAt:       formatTime(job.CreatedAt),
		StartedAt:       formatTimePtr(job.StartedAt),
		CompletedAt:     formatTimePtr(job.CompletedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
	}
}

// FromJobs converts a slice of job records. It never returns nil so the
// list encodes as [].
func FromJobs(jobs []*jobstore.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromSession converts proxy session info.
func FromSession(info streamproxy.Info) StreamSession {
	return StreamSession{
		StreamID:    info.StreamID,
		SourceURL:   info.SourceURL,
		Status:      string(info.Status),
		Subscribers: info.Subscribers,
		Frames:      info.Frames,
		FPS:         info.Options.FPS,
		Resolution:  info.Options.Resolution,
		LiveCount:   info.Options.LiveCount,
		LastError:   info.LastError,
		PID:         info.PID,
		CounterPID:  info.CounterPID,
		StartedAt:   formatTime(info.StartedAt),
		LastFrameAt: formatTime(info.LastFrameAt),
	}
}

// FromSessions converts a session list.
func FromSessions(infos []streamproxy.Info) []StreamSession {
	out := make([]StreamSession, 0, len(infos))
	for _, info := range infos {
		out = append(out, FromSession(info))
	}
	return out
}

// FromProcessStats converts process resource samples.
func FromProcessStats(stats []procrun.Stats) []ProcessStatus {
	out := make([]ProcessStatus, 0, len(stats))
	for _, s := range stats {
		out = append(out, ProcessStatus{
			Label:      s.Label,
			PID:        s.PID,
			StartedAt:  formatTime(s.StartedAt),
			CPUPercent: s.CPUPercent,
			RSSBytes:   s.RSSBytes,
		})
	}
	return out
}

// FromEngineSummary converts the engine summary plus per-status counts.
func FromEngineSummary(summary jobengine.Summary, counts jobstore.HealthSummary) EngineStatus {
	running := make([]RunningJob, 0, len(summary.Running))
	for _, r := range summary.Running {
		running = append(running, RunningJob{JobID: r.JobID, Phase: r.Phase, StartedAt: formatTime(r.StartedAt)})
	}
	return EngineStatus{
		JobStats: map[string]int{
			string(jobstore.StatusQueued):     counts.Queued,
			string(jobstore.StatusProcessing): counts.Processing,
			string(jobstore.StatusCompleted):  counts.Completed,
			string(jobstore.StatusFailed):     counts.Failed,
			string(jobstore.StatusCancelled):  counts.Cancelled,
		},
		Running:   running,
		Slots:     summary.Slots,
		SlotsUsed: summary.SlotsUsed,
		LastError: summary.LastError,
	}
}

// FromLiveStats converts broadcaster stats.
func FromLiveStats(stats livecount.Stats) LiveStatus {
	streams := make([]LiveStream, 0, len(stats.Streams))
	for _, s := range stats.Streams {
		streams = append(streams, LiveStream(s))
	}
	return LiveStatus{Streams: streams, ForwardDropped: stats.ForwardDropped, Sinks: stats.Sinks}
}

// FromDependencies converts dependency statuses.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus(s))
	}
	return out
}

// FromChecks converts preflight results.
func FromChecks(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, 0, len(results))
	for _, r := range results {
		out = append(out, CheckResult(r))
	}
	return out
}

package jobengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vigil/internal/artifacts"
	"vigil/internal/config"
	"vigil/internal/jobstore"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/notifications"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/streamproxy"
)

var (
	// ErrAlreadyRunning rejects a second Run for a job that is executing.
	ErrAlreadyRunning = fmt.Errorf("%w: job is already running", services.ErrConflict)
	// ErrNotQueued rejects Run for a job that left the queued state.
	ErrNotQueued = fmt.Errorf("%w: job is not queued", services.ErrConflict)
	// ErrShuttingDown rejects new runs once Shutdown began.
	ErrShuttingDown = fmt.Errorf("%w: engine is shutting down", services.ErrConflict)
)

// Caller identifies who performs an operation.
type Caller struct {
	TenantID string
	OwnerID  string
	Admin    bool
}

// LocalCaller is used when authentication is disabled.
var LocalCaller = Caller{TenantID: "local", OwnerID: "local", Admin: true}

// Publisher receives live detection events of stream jobs.
type Publisher interface {
	Publish(streamID string, event livecount.DetectionEvent) livecount.Message
	CloseStream(streamID string)
}

// CreateRequest describes a new job.
type CreateRequest struct {
	Kind            string `json:"kind"`
	SourceRef       string `json:"sourceRef"`
	ModelType       string `json:"modelType"`
	DurationSeconds int    `json:"duration,omitempty"`
	StreamID        string `json:"streamId,omitempty"`
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithPublisher routes stream job events to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithArtifacts uploads job outputs to store.
func WithArtifacts(store artifacts.Store) Option {
	return func(e *Engine) { e.artifacts = store }
}

// WithNotifier sends terminal job notifications through n.
func WithNotifier(n notifications.Service) Option {
	return func(e *Engine) { e.notifier = n }
}

// Engine runs jobs and owns the in-memory run registry.
type Engine struct {
	cfg       *config.Config
	store     *jobstore.Store
	runner    *procrun.Runner
	logger    *slog.Logger
	publisher Publisher
	artifacts artifacts.Store
	notifier  notifications.Service

	slots chan struct{}

	mu      sync.Mutex
	runs    map[string]*run
	closing bool
	lastErr error
	wg      sync.WaitGroup
}

type run struct {
	jobID     string
	startedAt time.Time
	cancel    context.CancelFunc
	ctx       context.Context
	cancelled atomic.Bool
	phase     atomic.Value
	done      chan struct{}
}

func (r *run) setPhase(phase string) { r.phase.Store(phase) }

func (r *run) currentPhase() string {
	if v, ok := r.phase.Load().(string); ok {
		return v
	}
	return ""
}

// New constructs an Engine.
func New(cfg *config.Config, store *jobstore.Store, runner *procrun.Runner, logger *slog.Logger, opts ...Option) *Engine {
	limit := cfg.Engine.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		runner:    runner,
		logger:    logging.NewComponentLogger(logger, "jobengine"),
		artifacts: artifacts.Noop{},
		notifier:  notifications.NewService(cfg),
		slots:     make(chan struct{}, limit),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func notFound(id string) error {
	return services.Wrap(services.ErrNotFound, "jobengine", "lookup", "job "+id+" not found", nil)
}

func authorize(caller Caller, job *jobstore.Job) error {
	if caller.TenantID == "" || job.TenantID != caller.TenantID {
		return services.Wrap(services.ErrAuthorization, "jobengine", "authorize", "job belongs to another tenant", nil)
	}
	if !caller.Admin && job.OwnerID != caller.OwnerID {
		return services.Wrap(services.ErrAuthorization, "jobengine", "authorize", "job belongs to another owner", nil)
	}
	return nil
}

func invalid(message string) error {
	return services.Wrap(services.ErrValidation, "jobengine", "create", message, nil)
}

// Create validates req and persists a queued job owned by caller.
func (e *Engine) Create(ctx context.Context, caller Caller, req CreateRequest) (*jobstore.Job, error) {
	if strings.TrimSpace(caller.TenantID) == "" {
		return nil, services.Wrap(services.ErrAuthorization, "jobengine", "create", "caller has no tenant", nil)
	}
	kind, ok := jobstore.ParseKind(req.Kind)
	if !ok {
		return nil, invalid(fmt.Sprintf("kind must be upload or stream, got %q", req.Kind))
	}
	modelType := strings.TrimSpace(req.ModelType)
	if _, ok := e.cfg.Model(modelType); !ok {
		return nil, invalid(fmt.Sprintf("unknown modelType %q (available: %s)", modelType, strings.Join(e.cfg.ModelTypes(), ", ")))
	}
	source := strings.TrimSpace(req.SourceRef)
	if source == "" {
		return nil, invalid("sourceRef is required")
	}

	job := &jobstore.Job{
		ID:        uuid.NewString(),
		OwnerID:   caller.OwnerID,
		TenantID:  caller.TenantID,
		Kind:      kind,
		SourceRef: source,
		ModelType: modelType,
		Status:    jobstore.StatusQueued,
	}

	switch kind {
	case jobstore.KindUpload:
		if !filepath.IsAbs(source) {
			return nil, invalid("upload sourceRef must be an absolute path")
		}
		info, err := os.Stat(source)
		if err != nil {
			return nil, invalid(fmt.Sprintf("upload sourceRef %s is not readable: %v", source, err))
		}
		if !info.Mode().IsRegular() {
			return nil, invalid(fmt.Sprintf("upload sourceRef %s is not a regular file", source))
		}
	case jobstore.KindStream:
		if err := streamproxy.ValidateSourceURL(source); err != nil {
			return nil, err
		}
		if req.DurationSeconds < 1 || req.DurationSeconds > e.cfg.Engine.MaxCaptureSeconds {
			return nil, invalid(fmt.Sprintf("duration must be between 1 and %d seconds", e.cfg.Engine.MaxCaptureSeconds))
		}
		job.DurationSeconds = req.DurationSeconds
		job.StreamID = strings.TrimSpace(req.StreamID)
		if job.StreamID == "" {
			job.StreamID = job.ID
		}
	}

	if err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}
	e.logger.Info("job created",
		logging.JobID(job.ID),
		logging.TenantID(job.TenantID),
		logging.String("kind", string(job.Kind)),
		logging.String("model", job.ModelType),
	)
	return job, nil
}

// Get returns a job visible to caller.
func (e *Engine) Get(ctx context.Context, caller Caller, id string) (*jobstore.Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, notFound(id)
	}
	if err := authorize(caller, job); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns caller's jobs. Non-admin callers only see their own jobs.
func (e *Engine) List(ctx context.Context, caller Caller, filter jobstore.Filter, page jobstore.Page) ([]*jobstore.Job, int, error) {
	if caller.TenantID == "" {
		return nil, 0, services.Wrap(services.ErrAuthorization, "jobengine", "list", "caller has no tenant", nil)
	}
	filter.TenantID = caller.TenantID
	if !caller.Admin {
		filter.OwnerID = caller.OwnerID
	}
	return e.store.List(ctx, filter, page)
}

// RunInfo describes an executing job for status output.
type RunInfo struct {
	JobID     string    `json:"jobId"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
}

// Summary reports engine state for the status endpoint.
type Summary struct {
	Running   []RunInfo `json:"running"`
	Slots     int       `json:"slots"`
	SlotsUsed int       `json:"slotsUsed"`
	LastError string    `json:"lastError,omitempty"`
}

// Status returns a snapshot of running jobs.
func (e *Engine) Status() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Summary{Slots: cap(e.slots), SlotsUsed: len(e.slots)}
	for _, r := range e.runs {
		out.Running = append(out.Running, RunInfo{JobID: r.jobID, Phase: r.currentPhase(), StartedAt: r.startedAt})
	}
	if e.lastErr != nil {
		out.LastError = e.lastErr.Error()
	}
	sort.Slice(out.Running, func(i, j int) bool {
		return out.Running[i].StartedAt.Before(out.Running[j].StartedAt)
	})
	return out
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

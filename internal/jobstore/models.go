package jobstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// InterruptedMessage is recorded on jobs left processing by a previous daemon run.
const InterruptedMessage = "interrupted by daemon restart"

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts user input into a Status.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(value)))
	if candidate == "canceled" {
		candidate = StatusCancelled
	}
	for _, status := range allStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// Kind selects how a job acquires its input.
type Kind string

const (
	KindUpload Kind = "upload"
	KindStream Kind = "stream"
)

// ParseKind converts user input into a Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindUpload:
		return KindUpload, true
	case KindStream:
		return KindStream, true
	default:
		return "", false
	}
}

// Job is one analytics request and its outcome.
type Job struct {
	ID              string          `json:"jobId"`
	OwnerID         string          `json:"ownerId"`
	TenantID        string          `json:"tenantId"`
	Kind            Kind            `json:"kind"`
	SourceRef       string          `json:"sourceRef"`
	DurationSeconds int             `json:"durationSeconds,omitempty"`
	ModelType       string          `json:"modelType"`
	StreamID        string          `json:"streamId,omitempty"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ErrorKind       string          `json:"errorKind,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsTerminal reports whether the job reached a final status.
func (j *Job) IsTerminal() bool {
	return j != nil && j.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		out.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

// Validate checks required fields before insertion.
func (j *Job) Validate() error {
	switch {
	case j == nil:
		return fmt.Errorf("job is nil")
	case strings.TrimSpace(j.ID) == "":
		return fmt.Errorf("job id is required")
	case strings.TrimSpace(j.TenantID) == "":
		return fmt.Errorf("tenant id is required")
	case j.Kind != KindUpload && j.Kind != KindStream:
		return fmt.Errorf("unsupported job kind %q", j.Kind)
	case strings.TrimSpace(j.SourceRef) == "":
		return fmt.Errorf("source reference is required")
	case strings.TrimSpace(j.ModelType) == "":
		return fmt.Errorf("model type is required")
	}
	return nil
}

// Transition describes a status change applied by UpdateStatus.
type Transition struct {
	Status       Status
	From         Status // optional compare-and-set guard
	Result       json.RawMessage
	ErrorMessage string
	ErrorKind    string
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	TenantID string
	OwnerID  string
	Statuses []Status
	Kind     Kind
}

// Page bounds List results.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalized applies the default and maximum limit.
func (p Page) Normalized() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// HealthSummary counts jobs by coarse state.
type HealthSummary struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// DatabaseHealth reports diagnostic information about the job database.
type DatabaseHealth struct {
	DBPath           string   `json:"dbPath"`
	DatabaseExists   bool     `json:"databaseExists"`
	DatabaseReadable bool     `json:"databaseReadable"`
	SchemaVersion    int      `json:"schemaVersion"`
	TableExists      bool     `json:"tableExists"`
	ColumnsPresent   []string `json:"columnsPresent,omitempty"`
	MissingColumns   []string `json:"missingColumns,omitempty"`
	IntegrityCheck   bool     `json:"integrityCheck"`
	TotalJobs        int      `json:"totalJobs"`
	Error            string   `json:"error,omitempty"`
}

package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a job record in a transport-friendly format.
type Job struct {
	JobID           string          `json:"jobId"`
	OwnerID         string          `json:"ownerId"`
	TenantID        string          `json:"tenantId"`
	Kind            string          `json:"kind"`
	SourceRef       string          `json:"sourceRef"`
	DurationSeconds int             `json:"duration,omitempty"`
	ModelType       string          `json:"modelType"`
	StreamID        string          `json:"streamId,omitempty"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ErrorKind       string          `json:"errorKind,omitempty"`
	CreatedAt       string          `json:"createdAt,omitempty"`
	StartedAt       string          `json:"startedAt,omitempty"`
	CompletedAt     string          `json:"completedAt,omitempty"`
	UpdatedAt       string          `json:"updatedAt,omitempty"`
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Kind            string `json:"kind"`
	SourceRef       string `json:"sourceRef"`
	ModelType       string `json:"modelType"`
	DurationSeconds int    `json:"duration,omitempty"`
	StreamID        string `json:"streamId,omitempty"`
}

// JobStateResponse acknowledges a create or cancel.
type JobStateResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// JobListResponse wraps a page of jobs.
type JobListResponse struct {
	Items  []Job `json:"items"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// DeletedResponse acknowledges a delete.
type DeletedResponse struct {
	Deleted bool `json:"deleted"`
}

// StartStreamRequest is the body of POST /stream/start.
type StartStreamRequest struct {
	StreamID   string `json:"streamId,omitempty"`
	SourceURL  string `json:"sourceUrl"`
	FPS        int    `json:"fps,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	LiveCount  string `json:"liveCount,omitempty"`
}

// StartStreamResponse reports the session and where to read it.
type StartStreamResponse struct {
	StreamID         string `json:"streamId"`
	Status           string `json:"status"`
	VideoEndpoint    string `json:"videoEndpoint"`
	SnapshotEndpoint string `json:"snapshotEndpoint"`
	LiveEndpoint     string `json:"liveEndpoint,omitempty"`
}

// StoppedResponse acknowledges a stream stop.
type StoppedResponse struct {
	Stopped bool `json:"stopped"`
}

// StreamSession describes one proxy session.
type StreamSession struct {
	StreamID    string `json:"streamId"`
	SourceURL   string `json:"sourceUrl"`
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
	Frames      uint64 `json:"frames"`
	FPS         int    `json:"fps,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	LiveCount   string `json:"liveCount,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	PID         int    `json:"pid,omitempty"`
	CounterPID  int    `json:"counterPid,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	LastFrameAt string `json:"lastFrameAt,omitempty"`
}

// StreamListResponse wraps the session list.
type StreamListResponse struct {
	Sessions []StreamSession `json:"sessions"`
}

// ProcessStatus is a resource sample of a supervised process.
type ProcessStatus struct {
	Label      string  `json:"label"`
	PID        int     `json:"pid"`
	StartedAt  string  `json:"startedAt,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// RunningJob describes a job currently held by the engine.
type RunningJob struct {
	JobID     string `json:"jobId"`
	Phase     string `json:"phase"`
	StartedAt string `json:"startedAt,omitempty"`
}

// EngineStatus summarizes job execution state.
type EngineStatus struct {
	JobStats  map[string]int `json:"jobStats"`
	Running   []RunningJob   `json:"running"`
	Slots     int            `json:"slots"`
	SlotsUsed int            `json:"slotsUsed"`
	LastError string         `json:"lastError,omitempty"`
}

// LiveStream mirrors broadcaster counters for one stream.
type LiveStream struct {
	StreamID    string `json:"streamId"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Entered     int    `json:"entered"`
	Exited      int    `json:"exited"`
	Inside      int    `json:"inside"`
}

// LiveStatus summarizes the live-count broadcaster.
type LiveStatus struct {
	Streams        []LiveStream `json:"streams"`
	ForwardDropped uint64       `json:"forwardDropped"`
	Sinks          []string     `json:"sinks"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// CheckResult captures a preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	StartedAt    string             `json:"startedAt,omitempty"`
	StorePath    string             `json:"storePath"`
	LockFilePath string             `json:"lockFilePath"`
	Engine       EngineStatus       `json:"engine"`
	Processes    []ProcessStatus    `json:"processes"`
	Sessions     []StreamSession    `json:"sessions"`
	Live         LiveStatus         `json:"live"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Checks       []CheckResult      `json:"checks,omitempty"`
}

// HealthResponse is the unauthenticated liveness payload.
type HealthResponse struct {
	Status         string `json:"status"`
	DatabaseOK     bool   `json:"databaseOk"`
	SchemaVersion  int    `json:"schemaVersion"`
	IntegrityCheck bool   `json:"integrityCheck"`
	Error          string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

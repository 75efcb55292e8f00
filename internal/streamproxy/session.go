package streamproxy

import (
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/procrun"
)

// Status is the lifecycle state of a stream session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Active reports whether the session is expected to be producing frames.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusStreaming
}

// Options tunes a session.
type Options struct {
	FPS        int    `json:"fps,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	LiveCount  string `json:"liveCount,omitempty"`
}

// Info describes a session for status output.
type Info struct {
	StreamID    string    `json:"streamId"`
	SourceURL   string    `json:"sourceUrl"`
	Status      Status    `json:"status"`
	Subscribers int       `json:"subscribers"`
	LastError   string    `json:"lastError,omitempty"`
	Frames      uint64    `json:"frames"`
	PID         int       `json:"pid,omitempty"`
	CounterPID  int       `json:"counterPid,omitempty"`
	Options     Options   `json:"options"`
	StartedAt   time.Time `json:"startedAt"`
	LastFrameAt time.Time `json:"lastFrameAt,omitempty"`
}

type session struct {
	id        string
	sourceURL string
	opts      Options
	startedAt time.Time

	mu        sync.Mutex
	status    Status
	lastError string
	handle    *procrun.Handle
	counter   *procrun.Handle

	frame       atomic.Pointer[Frame]
	seq         atomic.Uint64
	subscribers atomic.Int64
	stopping    atomic.Bool
	expired     atomic.Bool

	// ready closes once the session leaves connecting.
	ready     chan struct{}
	readyOnce sync.Once
}

func newSession(id, sourceURL string, opts Options) *session {
	return &session{
		id:        id,
		sourceURL: sourceURL,
		opts:      opts,
		startedAt: time.Now(),
		status:    StatusIdle,
		ready:     make(chan struct{}),
	}
}

func (s *session) settle() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// attach binds the spawned ffmpeg handle. It reports false when the session
// was stopped while the process was being spawned.
func (s *session) attach(handle *procrun.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = handle
	return !s.stopping.Load()
}

func (s *session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) setError(message string) {
	s.mu.Lock()
	s.lastError = message
	s.mu.Unlock()
}

// storeFrame publishes data as the newest frame. It reports whether this was
// the first frame of the session.
func (s *session) storeFrame(data []byte) bool {
	seq := s.seq.Add(1)
	s.frame.Store(&Frame{Data: data, Timestamp: time.Now(), Seq: seq})
	if seq != 1 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusConnecting {
		s.status = StatusStreaming
		s.settle()
	}
	return true
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Info{
		StreamID:    s.id,
		SourceURL:   s.sourceURL,
		Status:      s.status,
		Subscribers: int(s.subscribers.Load()),
		LastError:   s.lastError,
		Frames:      s.seq.Load(),
		Options:     s.opts,
		StartedAt:   s.startedAt,
	}
	if s.handle != nil {
		out.PID = s.handle.PID()
	}
	if s.counter != nil {
		out.CounterPID = s.counter.PID()
	}
	if f := s.frame.Load(); f != nil {
		out.LastFrameAt = f.Timestamp
	}
	return out
}

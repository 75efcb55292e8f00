package streamproxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil/internal/config"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/workerproto"
)

const maxFPS = 60

var (
	resolutionPattern = regexp.MustCompile(`^[1-9][0-9]{0,4}x[1-9][0-9]{0,4}$`)
	errorMarkers      = []string{"error", "invalid data", "connection refused", "timed out", "failed"}
	allowedSchemes    = map[string]struct{}{"rtsp": {}, "rtsps": {}, "rtmp": {}, "http": {}, "https": {}}
)

// Publisher receives events from companion counting workers.
type Publisher interface {
	Publish(streamID string, event livecount.DetectionEvent) livecount.Message
	CloseStream(streamID string)
}

// Proxy owns the stream session registry.
type Proxy struct {
	cfg       *config.Config
	runner    *procrun.Runner
	publisher Publisher
	logger    *slog.Logger

	// OnError observes transient decode errors reported on ffmpeg stderr.
	OnError func(streamID, line string)

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Proxy. publisher may be nil when live counting is unused.
func New(cfg *config.Config, runner *procrun.Runner, publisher Publisher, logger *slog.Logger) *Proxy {
	return &Proxy{
		cfg:       cfg,
		runner:    runner,
		publisher: publisher,
		logger:    logging.NewComponentLogger(logger, "streamproxy"),
		sessions:  make(map[string]*session),
	}
}

// DeriveStreamID returns a stable id for sourceURL.
func DeriveStreamID(sourceURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sourceURL)))
	return "stream-" + hex.EncodeToString(sum[:])[:12]
}

// ValidateSourceURL checks that raw is a supported stream locator.
func ValidateSourceURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return services.Wrap(services.ErrValidation, "streamproxy", "validate", fmt.Sprintf("invalid source url %q", raw), err)
	}
	if _, ok := allowedSchemes[strings.ToLower(parsed.Scheme)]; !ok {
		return services.Wrap(services.ErrValidation, "streamproxy", "validate", fmt.Sprintf("unsupported scheme %q", parsed.Scheme), nil)
	}
	return nil
}

func (p *Proxy) normalizeOptions(opts Options) (Options, error) {
	if opts.FPS == 0 {
		opts.FPS = p.cfg.Stream.DefaultFPS
	}
	if opts.FPS < 1 || opts.FPS > maxFPS {
		return opts, services.Wrap(services.ErrValidation, "streamproxy", "start", fmt.Sprintf("fps must be between 1 and %d", maxFPS), nil)
	}
	opts.Resolution = strings.ToLower(strings.TrimSpace(opts.Resolution))
	if opts.Resolution != "" && !resolutionPattern.MatchString(opts.Resolution) {
		return opts, services.Wrap(services.ErrValidation, "streamproxy", "start", fmt.Sprintf("resolution %q must be WIDTHxHEIGHT", opts.Resolution), nil)
	}
	opts.LiveCount = strings.TrimSpace(opts.LiveCount)
	if opts.LiveCount != "" {
		if _, ok := p.cfg.Model(opts.LiveCount); !ok {
			return opts, services.Wrap(services.ErrValidation, "streamproxy", "start", fmt.Sprintf("unknown live count model %q", opts.LiveCount), nil)
		}
		if p.publisher == nil {
			return opts, services.Wrap(services.ErrConfiguration, "streamproxy", "start", "live counting is not available", nil)
		}
	}
	return opts, nil
}

// Start ensures a session for streamID is running and waits for its first
// frame. A caller that finds the session already connecting or streaming
// shares it and waits on the same first frame; no second process is spawned.
// The registry lock only guards the placeholder, so unrelated streams spawn
// concurrently.
func (p *Proxy) Start(ctx context.Context, streamID, sourceURL string, opts Options) (Info, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return Info{}, services.Wrap(services.ErrValidation, "streamproxy", "start", "stream id is required", nil)
	}
	if err := ValidateSourceURL(sourceURL); err != nil {
		return Info{}, err
	}
	opts, err := p.normalizeOptions(opts)
	if err != nil {
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	logger := p.logger.With(logging.StreamID(streamID))

	p.mu.Lock()
	if existing, ok := p.sessions[streamID]; ok && existing.currentStatus().Active() {
		p.mu.Unlock()
		logger.Info("stream already running",
			logging.String(logging.FieldEventType, "duplicate_session"),
			logging.String("status", string(existing.currentStatus())),
		)
		return p.awaitFirstFrame(ctx, existing)
	}
	s := newSession(streamID, strings.TrimSpace(sourceURL), opts)
	s.status = StatusConnecting
	p.sessions[streamID] = s
	p.mu.Unlock()

	handle, err := p.runner.Start(context.Background(), procrun.Spec{
		Label:       "stream " + streamID,
		Command:     p.cfg.Stream.FFmpegBinary,
		Args:        ffmpegArgs(s.sourceURL, opts),
		StdoutSplit: SplitJPEG,
		OnStdout: func(chunk string) {
			if s.storeFrame([]byte(chunk)) {
				logger.Info("stream connected", logging.String("source", s.sourceURL))
			}
		},
		OnStderr: func(line string) { p.observeStderr(s, logger, line) },
	})
	if err != nil {
		s.mu.Lock()
		if s.status == StatusConnecting {
			s.status = StatusError
		}
		s.lastError = err.Error()
		s.mu.Unlock()
		s.settle()
		logging.WarnWithContext(logger, "stream spawn failed", "stream_spawn_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check stream.ffmpeg_binary"),
		)
		return s.info(), services.Wrap(services.ErrProcessSpawn, "streamproxy", "start", "spawn ffmpeg", err)
	}
	if !s.attach(handle) {
		// Stopped while spawning.
		handle.Cancel(p.cfg.Stream.StopGrace())
		return s.info(), ErrStreamUnavailable
	}

	if opts.LiveCount != "" {
		p.startCounter(s, logger)
	}
	go p.watch(s, handle, logger)
	if timeout := p.cfg.Stream.FirstFrameTimeout(); timeout > 0 {
		time.AfterFunc(timeout, func() { p.checkFirstFrame(s, handle, timeout, logger) })
	}

	logger.Info("stream started",
		logging.String("source", s.sourceURL),
		logging.Int("fps", opts.FPS),
		logging.String("resolution", opts.Resolution),
		logging.PID(handle.PID()),
	)
	return p.awaitFirstFrame(ctx, s)
}

// awaitFirstFrame blocks until s leaves connecting, the first-frame timeout
// passes, or ctx ends. Only a streaming session is a success.
func (p *Proxy) awaitFirstFrame(ctx context.Context, s *session) (Info, error) {
	var expired <-chan time.Time
	if timeout := p.cfg.Stream.FirstFrameTimeout(); timeout > 0 {
		timer := time.NewTimer(max(timeout-time.Since(s.startedAt), 0))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-s.ready:
	case <-expired:
		if s.currentStatus() != StatusStreaming {
			return s.info(), services.Wrap(services.ErrProcessTimeout, "streamproxy", "start",
				fmt.Sprintf("no frame within %s", p.cfg.Stream.FirstFrameTimeout()), nil)
		}
	case <-ctx.Done():
		return s.info(), ctx.Err()
	}

	info := s.info()
	switch info.Status {
	case StatusStreaming:
		return info, nil
	case StatusStopped:
		return info, ErrStreamUnavailable
	}
	marker := services.ErrProcessExit
	if s.expired.Load() {
		marker = services.ErrProcessTimeout
	}
	return info, services.Wrap(marker, "streamproxy", "start", info.LastError, nil)
}

func ffmpegArgs(sourceURL string, opts Options) []string {
	var args []string
	if strings.HasPrefix(strings.ToLower(sourceURL), "rtsp") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	filter := "fps=" + strconv.Itoa(opts.FPS)
	if opts.Resolution != "" {
		w, h, _ := strings.Cut(opts.Resolution, "x")
		filter += ",scale=" + w + ":" + h
	}
	return append(args,
		"-i", sourceURL,
		"-an",
		"-vf", filter,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

func (p *Proxy) observeStderr(s *session, logger *slog.Logger, line string) {
	lower := strings.ToLower(line)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			s.setError(strings.TrimSpace(line))
			logger.Debug("stream decode error", logging.String("line", line))
			if p.OnError != nil {
				p.OnError(s.id, line)
			}
			return
		}
	}
}

func (p *Proxy) watch(s *session, handle *procrun.Handle, logger *slog.Logger) {
	_, err := handle.Wait()
	if s.stopping.Load() {
		return
	}
	s.mu.Lock()
	s.status = StatusError
	switch {
	case s.expired.Load():
	case err != nil:
		s.lastError = err.Error()
	default:
		s.lastError = "stream process exited"
	}
	counter := s.counter
	message := s.lastError
	s.mu.Unlock()
	s.settle()
	if counter != nil {
		counter.Cancel(p.cfg.Stream.StopGrace())
	}
	logging.WarnWithContext(logger, "stream process exited unexpectedly", "stream_failed",
		logging.String("reason", message),
		logging.String(logging.FieldImpact, "subscribers stop receiving frames"),
		logging.String(logging.FieldErrorHint, "verify the source url is reachable"),
	)
}

func (p *Proxy) checkFirstFrame(s *session, handle *procrun.Handle, timeout time.Duration, logger *slog.Logger) {
	if s.stopping.Load() || s.seq.Load() > 0 || !handle.IsAlive() {
		return
	}
	s.expired.Store(true)
	s.setError(fmt.Sprintf("no frame within %s", timeout))
	logger.Warn("stream produced no frames", logging.Duration("timeout", timeout))
	handle.Cancel(p.cfg.Stream.StopGrace())
}

func (p *Proxy) startCounter(s *session, logger *slog.Logger) {
	model, _ := p.cfg.Model(s.opts.LiveCount)
	args := append([]string{"--source", s.sourceURL, "--stream-id", s.id}, model.Args...)
	parser := workerproto.NewParser()
	handle, err := p.runner.Start(context.Background(), procrun.Spec{
		Label:   "counter " + s.id,
		Command: model.Binary,
		Args:    args,
		OnStdout: func(line string) {
			parsed := parser.Feed(line)
			switch parsed.Kind {
			case workerproto.KindEvent:
				p.publisher.Publish(s.id, parsed.Event)
			case workerproto.KindLog:
				if parsed.Text != "" {
					logger.Debug("counter output", logging.String("line", parsed.Text))
				}
			}
		},
	})
	if err != nil {
		logging.WarnWithContext(logger, "live count worker unavailable", "live_count_spawn_failed",
			logging.String("model", s.opts.LiveCount),
			logging.Error(err),
			logging.String(logging.FieldImpact, "no live counts for this stream"),
		)
		return
	}
	s.mu.Lock()
	s.counter = handle
	stopped := s.stopping.Load()
	s.mu.Unlock()
	if stopped {
		handle.Cancel(p.cfg.Stream.StopGrace())
	}
	go func() {
		_, werr := handle.Wait()
		p.publisher.CloseStream(s.id)
		if violations := parser.Violations(); len(violations) > 0 {
			logger.Warn("live count worker protocol violations", logging.Any("violations", violations))
		}
		if werr != nil && !s.stopping.Load() {
			logger.Warn("live count worker exited", logging.Error(werr))
		}
	}()
}

// Subscribe attaches a frame consumer to streamID.
func (p *Proxy) Subscribe(ctx context.Context, streamID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	s, ok := p.sessions[streamID]
	p.mu.Unlock()
	if !ok {
		return nil, notFound("subscribe", streamID)
	}
	if !s.currentStatus().Active() {
		return nil, ErrStreamUnavailable
	}
	s.subscribers.Add(1)
	return &Subscription{session: s, interval: p.cfg.Stream.PollInterval()}, nil
}

// Snapshot returns the latest frame for streamID.
func (p *Proxy) Snapshot(streamID string) (*Frame, error) {
	p.mu.Lock()
	s, ok := p.sessions[streamID]
	p.mu.Unlock()
	if !ok {
		return nil, notFound("snapshot", streamID)
	}
	frame := s.frame.Load()
	if frame == nil {
		return nil, ErrNoFrame
	}
	return frame, nil
}

// Stop terminates streamID's processes and removes its session. Stopping an
// unknown stream is a no-op.
func (p *Proxy) Stop(_ context.Context, streamID string) error {
	p.mu.Lock()
	s, ok := p.sessions[streamID]
	delete(p.sessions, streamID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.stopSession(s)
	p.logger.Info("stream stopped", logging.StreamID(streamID))
	return nil
}

func (p *Proxy) stopSession(s *session) {
	s.stopping.Store(true)
	s.mu.Lock()
	s.status = StatusStopped
	handle, counter := s.handle, s.counter
	s.mu.Unlock()
	s.settle()

	grace := p.cfg.Stream.StopGrace()
	var wg sync.WaitGroup
	for _, h := range []*procrun.Handle{handle, counter} {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(h *procrun.Handle) {
			defer wg.Done()
			h.Cancel(grace)
		}(h)
	}
	wg.Wait()
	s.frame.Store(nil)
	if counter != nil && p.publisher != nil {
		p.publisher.CloseStream(s.id)
	}
}

// Get returns session info for streamID.
func (p *Proxy) Get(streamID string) (Info, bool) {
	p.mu.Lock()
	s, ok := p.sessions[streamID]
	p.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Sessions lists every session sorted by stream id.
func (p *Proxy) Sessions() []Info {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Shutdown stops every session.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for id, s := range p.sessions {
		sessions = append(sessions, s)
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			p.stopSession(s)
		}(s)
	}
	wg.Wait()
}

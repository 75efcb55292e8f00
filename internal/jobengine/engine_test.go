package jobengine_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/testsupport"
)

var (
	alice = jobengine.Caller{TenantID: "acme", OwnerID: "alice"}
	bob   = jobengine.Caller{TenantID: "acme", OwnerID: "bob"}
	admin = jobengine.Caller{TenantID: "acme", OwnerID: "ops", Admin: true}
	other = jobengine.Caller{TenantID: "globex", OwnerID: "alice"}
)

type harness struct {
	cfg    *config.Config
	store  *jobstore.Store
	engine *jobengine.Engine
}

func newHarness(t *testing.T, cfgOpts []testsupport.ConfigOption, mutate func(*config.Config), opts ...jobengine.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, cfgOpts...)
	if mutate != nil {
		mutate(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)
	engine := jobengine.New(cfg, store, procrun.New(logging.NewNop()), logging.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &harness{cfg: cfg, store: store, engine: engine}
}

func (h *harness) uploadJob(t *testing.T, caller jobengine.Caller, model string) *jobstore.Job {
	t.Helper()
	source := filepath.Join(t.TempDir(), "clip.mp4")
	testsupport.WriteFile(t, source, 64)
	job, err := h.engine.Create(context.Background(), caller, jobengine.CreateRequest{
		Kind:      "upload",
		SourceRef: source,
		ModelType: model,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func (h *harness) waitTerminal(t *testing.T, id string) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job != nil && job.IsTerminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
	return nil
}

func (h *harness) waitProgress(t *testing.T, id string, min int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := h.store.Get(context.Background(), id)
		if job != nil && job.Progress >= min {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached progress %d", id, min)
}

func TestUploadJobCompletes(t *testing.T) {
	worker := `echo "$@" > "$(dirname "$0")/args.txt"
echo "loading model"
echo "PROGRESS 10"
echo "PROGRESS: 50%"
echo "PROGRESS 30"
echo '{"total_counted": 7, "detections": 12}'
`
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", worker, "--model", "hog")}, nil)
	job := h.uploadJob(t, alice, "hog")
	if job.Status != jobstore.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	done := h.waitTerminal(t, job.ID)
	if done.Status != jobstore.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.ErrorMessage)
	}
	if done.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", done.Progress)
	}
	var result map[string]any
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["total_counted"] != float64(7) {
		t.Fatalf("unexpected result %v", result)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %+v", done)
	}

	args, err := os.ReadFile(filepath.Join(testsupport.BaseDir(h.cfg), "bin", "args.txt"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	want := "--input " + job.SourceRef + " --output-dir " + filepath.Join(h.cfg.Paths.ArtifactsDir, job.ID) + " --job-id " + job.ID + " --model hog"
	if strings.TrimSpace(string(args)) != want {
		t.Fatalf("worker args\n got %q\nwant %q", strings.TrimSpace(string(args)), want)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	worker := `echo "PROGRESS 60"
echo "PROGRESS 20"
sleep 0.3
echo "PROGRESS 40"
sleep 0.3
echo '{"total_counted": 1}'
`
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", worker)}, nil)
	job := h.uploadJob(t, alice, "hog")
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := 0
	for {
		current, err := h.store.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if current.Progress < last {
			t.Fatalf("progress regressed from %d to %d", last, current.Progress)
		}
		last = current.Progress
		if current.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last != 100 {
		t.Fatalf("expected final progress 100, got %d", last)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]livecount.DetectionEvent
	closed []string
}

func (p *recordingPublisher) Publish(streamID string, event livecount.DetectionEvent) livecount.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = map[string][]livecount.DetectionEvent{}
	}
	p.events[streamID] = append(p.events[streamID], event)
	return livecount.Message{StreamID: streamID}
}

func (p *recordingPublisher) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, streamID)
}

const captureToLastArg = `for last; do :; done
printf 'mp4-bytes' > "$last"
`

func TestStreamJobCapturesAndPublishesEvents(t *testing.T) {
	worker := `echo "$2" > "$(dirname "$0")/input.txt"
echo 'EVENT {"direction":"IN","confidence":0.9}'
echo 'EVENT {"direction":"in","confidence":0.8}'
echo '{"type":"event","direction":"OUT","confidence":0.7}'
echo '{"total_counted": 2}'
`
	publisher := &recordingPublisher{}
	h := newHarness(t, []testsupport.ConfigOption{
		testsupport.WithModel("hog", worker),
		testsupport.WithCaptureScript(captureToLastArg),
	}, nil, jobengine.WithPublisher(publisher))

	job, err := h.engine.Create(context.Background(), alice, jobengine.CreateRequest{
		Kind:            "stream",
		SourceRef:       "rtsp://camera.local/lobby",
		ModelType:       "hog",
		DurationSeconds: 2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.StreamID != job.ID {
		t.Fatalf("expected stream id to default to job id, got %q", job.StreamID)
	}
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	done := h.waitTerminal(t, job.ID)
	if done.Status != jobstore.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.ErrorMessage)
	}

	publisher.mu.Lock()
	events := publisher.events[job.ID]
	closed := append([]string(nil), publisher.closed...)
	publisher.mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Direction != livecount.DirectionIn {
		t.Fatalf("expected normalised direction, got %q", events[1].Direction)
	}
	if len(closed) != 1 || closed[0] != job.ID {
		t.Fatalf("expected stream closed once, got %v", closed)
	}

	input, err := os.ReadFile(filepath.Join(testsupport.BaseDir(h.cfg), "bin", "input.txt"))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	clip := filepath.Join(h.cfg.Paths.CaptureDir, job.ID+"-capture.mp4")
	if strings.TrimSpace(string(input)) != clip {
		t.Fatalf("expected worker input %s, got %s", clip, input)
	}
	if _, err := os.Stat(clip); !os.IsNotExist(err) {
		t.Fatalf("expected capture file removed, stat err=%v", err)
	}
}

func TestEmptyCaptureFailsWithoutAnalytics(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{
		testsupport.WithModel("hog", `touch "$(dirname "$0")/analyzed"`+"\n"+`echo '{}'`+"\n"),
		testsupport.WithCaptureScript("echo 'Connection refused' >&2\nexit 1\n"),
	}, nil)
	job, err := h.engine.Create(context.Background(), alice, jobengine.CreateRequest{
		Kind:            "stream",
		SourceRef:       "rtsp://camera.local/offline",
		ModelType:       "hog",
		DurationSeconds: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	done := h.waitTerminal(t, job.ID)
	if done.Status != jobstore.StatusFailed || done.ErrorKind != "capture_empty" {
		t.Fatalf("expected capture_empty failure, got %s/%s", done.Status, done.ErrorKind)
	}
	if _, err := os.Stat(filepath.Join(testsupport.BaseDir(h.cfg), "bin", "analyzed")); !os.IsNotExist(err) {
		t.Fatalf("analytics worker must not run after an empty capture")
	}
}

func (h *harness) streamJob(t *testing.T, durationSeconds int) *jobstore.Job {
	t.Helper()
	job, err := h.engine.Create(context.Background(), alice, jobengine.CreateRequest{
		Kind:            "stream",
		SourceRef:       "rtsp://camera.local/dock",
		ModelType:       "hog",
		DurationSeconds: durationSeconds,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return job
}

func (h *harness) assertClipRemoved(t *testing.T, jobID string) {
	t.Helper()
	clip := filepath.Join(h.cfg.Paths.CaptureDir, jobID+"-capture.mp4")
	if _, err := os.Stat(clip); !os.IsNotExist(err) {
		t.Fatalf("expected capture file %s removed, stat err=%v", clip, err)
	}
}

func (h *harness) waitPhase(t *testing.T, phase string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if running := h.engine.Status().Running; len(running) == 1 && running[0].Phase == phase {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached phase %s", phase)
}

func TestStreamJobRemovesCaptureWhenAnalyticsFails(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{
		testsupport.WithModel("hog", "echo 'out of memory' >&2\nexit 2\n"),
		testsupport.WithCaptureScript(captureToLastArg),
	}, nil)
	job := h.streamJob(t, 1)
	done := h.waitTerminal(t, job.ID)
	if done.Status != jobstore.StatusFailed || done.ErrorKind != "process_exit" {
		t.Fatalf("expected process_exit failure, got %s/%s", done.Status, done.ErrorKind)
	}
	h.assertClipRemoved(t, job.ID)
}

func TestStreamJobCancelRemovesCapture(t *testing.T) {
	cases := []struct {
		name    string
		capture string
		worker  string
		phase   string
	}{
		{
			name:    "during capture",
			capture: captureToLastArg + "sleep 30\n",
			worker:  "echo '{}'\n",
			phase:   "capturing",
		},
		{
			name:    "during analysis",
			capture: captureToLastArg,
			worker:  "echo 'PROGRESS 5'\nsleep 30\necho '{}'\n",
			phase:   "analyzing",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, []testsupport.ConfigOption{
				testsupport.WithModel("hog", tc.worker),
				testsupport.WithCaptureScript(tc.capture),
			}, nil)
			job := h.streamJob(t, 30)
			h.waitPhase(t, tc.phase)
			clip := filepath.Join(h.cfg.Paths.CaptureDir, job.ID+"-capture.mp4")
			deadline := time.Now().Add(5 * time.Second)
			for {
				if _, err := os.Stat(clip); err == nil {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("capture never wrote the clip")
				}
				time.Sleep(10 * time.Millisecond)
			}

			cancelled, err := h.engine.Cancel(context.Background(), alice, job.ID)
			if err != nil || cancelled.Status != jobstore.StatusCancelled {
				t.Fatalf("Cancel: %v %+v", err, cancelled)
			}
			again, err := h.engine.Cancel(context.Background(), alice, job.ID)
			if err != nil || again.Status != jobstore.StatusCancelled {
				t.Fatalf("second Cancel: %v %+v", err, again)
			}
			h.assertClipRemoved(t, job.ID)
		})
	}
}

func TestStalledCaptureIsKilledAtHardTimeout(t *testing.T) {
	// The capture ignores SIGTERM, so only the kill after the grace period ends it.
	capture := "trap '' TERM\n" + captureToLastArg + "sleep 30\n"
	h := newHarness(t, []testsupport.ConfigOption{
		testsupport.WithModel("hog", `echo '{"total_counted": 3}'`+"\n"),
		testsupport.WithCaptureScript(capture),
	}, func(cfg *config.Config) {
		cfg.Engine.CaptureGraceSeconds = 1
		cfg.Engine.CancelGraceSeconds = 1
	})
	start := time.Now()
	job := h.streamJob(t, 1)
	done := h.waitTerminal(t, job.ID)
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("stalled capture was not killed in time (%s)", elapsed)
	}
	if done.Status != jobstore.StatusCompleted {
		t.Fatalf("expected the captured data to be analyzed, got %s (%s)", done.Status, done.ErrorMessage)
	}
	h.assertClipRemoved(t, job.ID)
}

func TestCaptureArgs(t *testing.T) {
	got := strings.Join(jobengine.CaptureArgs("rtsp://cam/1", 30, "/tmp/out.mp4"), " ")
	if !strings.Contains(got, "-rtsp_transport tcp -i rtsp://cam/1 -t 30 -c copy -f mp4 /tmp/out.mp4") {
		t.Fatalf("unexpected args %q", got)
	}
	got = strings.Join(jobengine.CaptureArgs("https://cam/live.m3u8", 5, "/tmp/out.mp4"), " ")
	if strings.Contains(got, "rtsp_transport") {
		t.Fatalf("http sources must not force rtsp transport: %q", got)
	}
}

func TestFailures(t *testing.T) {
	cases := []struct {
		name    string
		worker  string
		kind    string
		message string
	}{
		{name: "nonzero exit", worker: "echo 'model weights missing' >&2\nexit 3\n", kind: "process_exit", message: "model weights missing"},
		{name: "missing result", worker: "echo 'done'\n", kind: "parse"},
		{name: "bad event", worker: "echo 'EVENT {\"direction\":\"UP\"}'\necho '{\"total_counted\":1}'\n", kind: "parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", tc.worker)}, nil)
			job := h.uploadJob(t, alice, "hog")
			if err := h.engine.Run(context.Background(), job.ID); err != nil {
				t.Fatalf("Run: %v", err)
			}
			done := h.waitTerminal(t, job.ID)
			if done.Status != jobstore.StatusFailed {
				t.Fatalf("expected failed, got %s", done.Status)
			}
			if done.ErrorKind != tc.kind {
				t.Fatalf("expected kind %s, got %s (%s)", tc.kind, done.ErrorKind, done.ErrorMessage)
			}
			if tc.message != "" && !strings.Contains(done.ErrorMessage, tc.message) {
				t.Fatalf("expected message to contain %q, got %q", tc.message, done.ErrorMessage)
			}
			if h.engine.Status().LastError == "" {
				t.Fatalf("expected last error recorded")
			}
		})
	}
}

func TestMissingWorkerBinary(t *testing.T) {
	ghost := func(cfg *config.Config) {
		cfg.Workers.Models["ghost"] = config.WorkerModel{Binary: "/nonexistent/vigil-worker"}
	}

	t.Run("hard failure", func(t *testing.T) {
		h := newHarness(t, nil, ghost)
		job := h.uploadJob(t, alice, "ghost")
		if err := h.engine.Run(context.Background(), job.ID); err != nil {
			t.Fatalf("Run: %v", err)
		}
		done := h.waitTerminal(t, job.ID)
		if done.Status != jobstore.StatusFailed || done.ErrorKind != "process_spawn" {
			t.Fatalf("expected process_spawn failure, got %s/%s", done.Status, done.ErrorKind)
		}
	})

	t.Run("simulation", func(t *testing.T) {
		h := newHarness(t, []testsupport.ConfigOption{testsupport.WithSimulation()}, ghost)
		job := h.uploadJob(t, alice, "ghost")
		if err := h.engine.Run(context.Background(), job.ID); err != nil {
			t.Fatalf("Run: %v", err)
		}
		done := h.waitTerminal(t, job.ID)
		if done.Status != jobstore.StatusCompleted {
			t.Fatalf("expected simulated completion, got %s (%s)", done.Status, done.ErrorMessage)
		}
		var result map[string]any
		if err := json.Unmarshal(done.Result, &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if result["simulated"] != true || result["total_counted"] != float64(0) {
			t.Fatalf("unexpected simulated result %v", result)
		}
	})
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", "echo '{}'\n")}, nil)
	job := h.uploadJob(t, alice, "hog")

	cancelled, err := h.engine.Cancel(context.Background(), alice, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != jobstore.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if err := h.engine.Run(context.Background(), job.ID); !errors.Is(err, jobengine.ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}
	again, err := h.engine.Cancel(context.Background(), alice, job.ID)
	if err != nil || again.Status != jobstore.StatusCancelled {
		t.Fatalf("cancel of terminal job should be a no-op, got %v %v", again, err)
	}
}

func TestCancelProcessingJob(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", "echo 'PROGRESS 5'\nsleep 30\necho '{}'\n")}, nil)
	job := h.uploadJob(t, alice, "hog")
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.waitProgress(t, job.ID, 5)

	if err := h.engine.Run(context.Background(), job.ID); !errors.Is(err, jobengine.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if running := h.engine.Status().Running; len(running) != 1 || running[0].Phase != "analyzing" {
		t.Fatalf("unexpected running summary %+v", running)
	}

	start := time.Now()
	cancelled, err := h.engine.Cancel(context.Background(), alice, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != jobstore.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancel took %s", elapsed)
	}
	if len(h.engine.Status().Running) != 0 {
		t.Fatalf("expected no running jobs after cancel")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	worker := `lock="$(dirname "$0")/busy"
mkdir "$lock" || exit 9
sleep 0.2
rmdir "$lock"
echo '{"total_counted": 0}'
`
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", worker)}, func(cfg *config.Config) {
		cfg.Engine.MaxConcurrentJobs = 1
	})
	var ids []string
	for i := 0; i < 3; i++ {
		job := h.uploadJob(t, alice, "hog")
		if err := h.engine.Run(context.Background(), job.ID); err != nil {
			t.Fatalf("Run: %v", err)
		}
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		if done := h.waitTerminal(t, id); done.Status != jobstore.StatusCompleted {
			t.Fatalf("job %s: expected completed, got %s (%s)", id, done.Status, done.ErrorMessage)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", "echo '{}'\n")}, func(cfg *config.Config) {
		cfg.Engine.MaxCaptureSeconds = 60
	})
	dir := t.TempDir()
	cases := []struct {
		name string
		req  jobengine.CreateRequest
	}{
		{"bad kind", jobengine.CreateRequest{Kind: "batch", SourceRef: "/x", ModelType: "hog"}},
		{"unknown model", jobengine.CreateRequest{Kind: "upload", SourceRef: "/x", ModelType: "nope"}},
		{"relative path", jobengine.CreateRequest{Kind: "upload", SourceRef: "clip.mp4", ModelType: "hog"}},
		{"missing file", jobengine.CreateRequest{Kind: "upload", SourceRef: filepath.Join(dir, "missing.mp4"), ModelType: "hog"}},
		{"directory", jobengine.CreateRequest{Kind: "upload", SourceRef: dir, ModelType: "hog"}},
		{"bad scheme", jobengine.CreateRequest{Kind: "stream", SourceRef: "ftp://cam/1", ModelType: "hog", DurationSeconds: 5}},
		{"zero duration", jobengine.CreateRequest{Kind: "stream", SourceRef: "rtsp://cam/1", ModelType: "hog"}},
		{"long duration", jobengine.CreateRequest{Kind: "stream", SourceRef: "rtsp://cam/1", ModelType: "hog", DurationSeconds: 61}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.engine.Create(context.Background(), alice, tc.req); !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := h.engine.Create(context.Background(), jobengine.Caller{}, jobengine.CreateRequest{Kind: "upload"}); !errors.Is(err, services.ErrAuthorization) {
		t.Fatalf("expected authorization error for anonymous caller, got %v", err)
	}
}

func TestTenantScoping(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", "echo '{}'\n")}, nil)
	ctx := context.Background()
	mine := h.uploadJob(t, alice, "hog")
	h.uploadJob(t, bob, "hog")
	h.uploadJob(t, other, "hog")

	if _, err := h.engine.Get(ctx, alice, mine.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := h.engine.Get(ctx, admin, mine.ID); err != nil {
		t.Fatalf("admin Get: %v", err)
	}
	if _, err := h.engine.Get(ctx, bob, mine.ID); !errors.Is(err, services.ErrAuthorization) {
		t.Fatalf("expected authorization error for other owner, got %v", err)
	}
	if _, err := h.engine.Get(ctx, other, mine.ID); !errors.Is(err, services.ErrAuthorization) {
		t.Fatalf("expected authorization error for other tenant, got %v", err)
	}
	if _, err := h.engine.Cancel(ctx, other, mine.ID); !errors.Is(err, services.ErrAuthorization) {
		t.Fatalf("expected authorization error on cancel, got %v", err)
	}
	if _, err := h.engine.Get(ctx, alice, "no-such-job"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	jobs, total, err := h.engine.List(ctx, alice, jobstore.Filter{}, jobstore.Page{})
	if err != nil || total != 1 || len(jobs) != 1 || jobs[0].ID != mine.ID {
		t.Fatalf("owner list: total=%d jobs=%d err=%v", total, len(jobs), err)
	}
	if _, total, _ := h.engine.List(ctx, admin, jobstore.Filter{OwnerID: "nobody"}, jobstore.Page{}); total != 0 {
		t.Fatalf("admin filter by owner should apply, got %d", total)
	}
	if _, total, _ := h.engine.List(ctx, admin, jobstore.Filter{}, jobstore.Page{}); total != 2 {
		t.Fatalf("admin should see both tenant jobs, got %d", total)
	}
}

func TestDeleteRemovesArtifacts(t *testing.T) {
	worker := `out="$4/annotated.mp4"
printf 'video' > "$out"
mkdir -p "$4/images" && touch "$4/images/0001.jpg"
printf '{"total_counted": 3, "output_path": "%s", "images_dir": "%s"}\n' "$out" "$4/images"
`
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", worker)}, nil)
	job := h.uploadJob(t, alice, "hog")
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	done := h.waitTerminal(t, job.ID)
	if done.Status != jobstore.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.ErrorMessage)
	}
	outDir := filepath.Join(h.cfg.Paths.ArtifactsDir, job.ID)
	if _, err := os.Stat(filepath.Join(outDir, "annotated.mp4")); err != nil {
		t.Fatalf("expected output file: %v", err)
	}

	if err := h.engine.Delete(context.Background(), bob, job.ID); !errors.Is(err, services.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err := h.engine.Delete(context.Background(), alice, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Fatalf("expected artifacts removed, stat err=%v", err)
	}
	if _, err := h.engine.Get(context.Background(), alice, job.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := os.Stat(job.SourceRef); err != nil {
		t.Fatalf("upload source must be left alone: %v", err)
	}
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	h := newHarness(t, []testsupport.ConfigOption{testsupport.WithModel("hog", "echo 'PROGRESS 1'\nsleep 30\n")}, nil)
	job := h.uploadJob(t, alice, "hog")
	if err := h.engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.waitProgress(t, job.ID, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	done, _ := h.store.Get(context.Background(), job.ID)
	if done.Status != jobstore.StatusCancelled {
		t.Fatalf("expected cancelled after shutdown, got %s", done.Status)
	}
	if err := h.engine.Run(context.Background(), h.uploadJob(t, alice, "hog").ID); !errors.Is(err, jobengine.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

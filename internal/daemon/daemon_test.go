package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vigil/internal/api"
	"vigil/internal/config"
	"vigil/internal/jobengine"
	"vigil/internal/jobstore"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/streamproxy"
	"vigil/internal/testsupport"
)

const (
	aliceToken = "alice-secret"
	bobToken   = "bob-secret"
	frameLoop  = "while true; do printf '\\377\\330frame\\377\\331'; sleep 0.05; done\n"
)

func newTestDaemon(t *testing.T, opts ...testsupport.ConfigOption) (*Daemon, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	logger := logging.NewNop()
	runner := procrun.New(logger)
	live := livecount.New(logger, livecount.Options{})
	proxy := streamproxy.New(cfg, runner, live, logger)
	engine := jobengine.New(cfg, store, runner, logger, jobengine.WithPublisher(live))
	d, err := New(cfg, store, engine, proxy, live, runner, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		proxy.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		live.Close()
		_ = d.Close()
	})
	return d, cfg
}

func serve(t *testing.T, d *Daemon) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(d.api.routes())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			reader = strings.NewReader(string(raw))
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()

	orphan := testsupport.NewJob(t, d.store, "local", "local")
	if _, err := d.store.UpdateStatus(ctx, orphan.ID, jobstore.Transition{Status: jobstore.StatusProcessing}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Status(ctx).Running {
		t.Fatal("expected daemon to report running")
	}
	if addr := d.Address(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("expected bound address, got %q", addr)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	recovered, err := d.store.Get(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if recovered.Status != jobstore.StatusFailed || recovered.ErrorMessage != jobstore.InterruptedMessage {
		t.Fatalf("expected interrupted job failed, got %s (%s)", recovered.Status, recovered.ErrorMessage)
	}

	resp, err := http.Get("http://" + d.Address() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", resp.StatusCode)
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondInstanceRejected(t *testing.T) {
	first, cfg := newTestDaemon(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	logger := logging.NewNop()
	runner := procrun.New(logger)
	live := livecount.New(logger, livecount.Options{})
	defer live.Close()
	second, err := New(cfg, store, jobengine.New(cfg, store, runner, logger), streamproxy.New(cfg, runner, live, logger), live, runner, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Close()
	if err := second.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock contention error, got %v", err)
	}
}

func TestAuthentication(t *testing.T) {
	d, _ := newTestDaemon(t,
		testsupport.WithTenant("acme", "alice", aliceToken, false),
		testsupport.WithTenant("acme", "bob", bobToken, false),
	)
	srv := serve(t, d)

	var health api.HealthResponse
	if code := call(t, srv, http.MethodGet, "/health", "", nil, &health); code != http.StatusOK || health.Status != "ok" {
		t.Fatalf("expected unauthenticated health ok, got %d %+v", code, health)
	}
	if health.SchemaVersion < 1 || !health.IntegrityCheck || !health.DatabaseOK {
		t.Fatalf("unexpected health %+v", health)
	}

	var failure api.ErrorResponse
	if code := call(t, srv, http.MethodGet, "/status", "", nil, &failure); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := call(t, srv, http.MethodGet, "/jobs", "wrong", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", code)
	}
	var status api.DaemonStatus
	if code := call(t, srv, http.MethodGet, "/status", aliceToken, nil, &status); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
	if status.Engine.Slots != d.cfg.Engine.MaxConcurrentJobs {
		t.Fatalf("unexpected engine slots %+v", status.Engine)
	}
}

func TestAuthenticatorCachesVerifiedTokens(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTenant("acme", "alice", aliceToken, true))
	auth := newAuthenticator(cfg.Auth.Tenants)
	caller, ok := auth.resolve(aliceToken)
	if !ok || caller.TenantID != "acme" || !caller.Admin {
		t.Fatalf("unexpected caller %+v ok=%v", caller, ok)
	}
	if len(auth.verified) != 1 {
		t.Fatalf("expected cached token, got %d entries", len(auth.verified))
	}
	if _, ok := auth.resolve("nope"); ok {
		t.Fatal("expected unknown token rejected")
	}
	if caller, ok := newAuthenticator(nil).resolve(""); !ok || caller != jobengine.LocalCaller {
		t.Fatalf("expected local caller without tenants, got %+v", caller)
	}
}

func waitJob(t *testing.T, srv *httptest.Server, token, id string) api.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var job api.Job
		if code := call(t, srv, http.MethodGet, "/jobs/"+id, token, nil, &job); code != http.StatusOK {
			t.Fatalf("GET job: %d", code)
		}
		switch job.Status {
		case "completed", "failed", "cancelled":
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return api.Job{}
}

func TestJobRoutes(t *testing.T) {
	d, _ := newTestDaemon(t,
		testsupport.WithTenant("acme", "alice", aliceToken, false),
		testsupport.WithTenant("acme", "bob", bobToken, false),
		testsupport.WithModel("hog", "echo 'PROGRESS 40'\necho '{\"total_counted\": 7}'\n"),
	)
	srv := serve(t, d)
	source := filepath.Join(t.TempDir(), "clip.mp4")
	testsupport.WriteFile(t, source, 128)

	var created api.JobStateResponse
	code := call(t, srv, http.MethodPost, "/jobs", aliceToken, api.CreateJobRequest{Kind: "upload", SourceRef: source, ModelType: "hog"}, &created)
	if code != http.StatusAccepted || created.Status != "queued" || created.JobID == "" {
		t.Fatalf("unexpected create response %d %+v", code, created)
	}

	job := waitJob(t, srv, aliceToken, created.JobID)
	if job.Status != "completed" || job.Progress != 100 || !strings.Contains(string(job.Result), `"total_counted"`) {
		t.Fatalf("unexpected job %+v", job)
	}

	var list api.JobListResponse
	if code := call(t, srv, http.MethodGet, "/jobs?status=completed&limit=10", aliceToken, nil, &list); code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if list.Total != 1 || len(list.Items) != 1 || list.Limit != 10 {
		t.Fatalf("unexpected list %+v", list)
	}
	if code := call(t, srv, http.MethodGet, "/jobs", bobToken, nil, &list); code != http.StatusOK || list.Total != 0 {
		t.Fatalf("bob must not see alice's jobs: %d %+v", code, list)
	}

	var failure api.ErrorResponse
	if code := call(t, srv, http.MethodGet, "/jobs/"+created.JobID, bobToken, nil, &failure); code != http.StatusForbidden || failure.Kind != "authorization" {
		t.Fatalf("expected 403, got %d %+v", code, failure)
	}
	if code := call(t, srv, http.MethodGet, "/jobs/"+uuid.NewString(), aliceToken, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	var cancelled api.JobStateResponse
	if code := call(t, srv, http.MethodPost, "/jobs/"+created.JobID+"/cancel", aliceToken, nil, &cancelled); code != http.StatusOK || cancelled.Status != "completed" {
		t.Fatalf("cancel of a terminal job must be a no-op, got %d %+v", code, cancelled)
	}

	var deleted api.DeletedResponse
	if code := call(t, srv, http.MethodDelete, "/jobs/"+created.JobID, aliceToken, nil, &deleted); code != http.StatusOK || !deleted.Deleted {
		t.Fatalf("unexpected delete %d %+v", code, deleted)
	}
	if code := call(t, srv, http.MethodGet, "/jobs/"+created.JobID, aliceToken, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", code)
	}
}

func TestJobRouteValidation(t *testing.T) {
	d, _ := newTestDaemon(t, testsupport.WithModel("hog", "echo '{}'\n"))
	srv := serve(t, d)

	cases := []struct {
		name string
		body any
		path string
		want int
	}{
		{"bad json", "{", "/jobs", http.StatusBadRequest},
		{"bad kind", api.CreateJobRequest{Kind: "batch", SourceRef: "/x", ModelType: "hog"}, "/jobs", http.StatusBadRequest},
		{"relative path", api.CreateJobRequest{Kind: "upload", SourceRef: "x.mp4", ModelType: "hog"}, "/jobs", http.StatusBadRequest},
		{"bad status filter", nil, "/jobs?status=sleeping", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			method := http.MethodPost
			if tc.body == nil {
				method = http.MethodGet
			}
			var failure api.ErrorResponse
			if code := call(t, srv, method, tc.path, "", tc.body, &failure); code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, code, failure.Error)
			}
			if failure.Error == "" {
				t.Fatal("expected error body")
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.Wrap(services.ErrValidation, "x", "y", "bad", nil), http.StatusBadRequest},
		{services.Wrap(services.ErrAuthorization, "x", "y", "nope", nil), http.StatusForbidden},
		{streamproxy.ErrNoFrame, http.StatusNotFound},
		{jobengine.ErrAlreadyRunning, http.StatusConflict},
		{&procrun.SpawnError{Command: "worker", Err: errors.New("missing")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestStreamRoutes(t *testing.T) {
	d, _ := newTestDaemon(t, testsupport.WithFFmpegScript(frameLoop))
	srv := serve(t, d)

	var started api.StartStreamResponse
	code := call(t, srv, http.MethodPost, "/stream/start", "", api.StartStreamRequest{SourceURL: "rtsp://camera.local/lobby"}, &started)
	if code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}
	if started.StreamID != streamproxy.DeriveStreamID("rtsp://camera.local/lobby") {
		t.Fatalf("expected derived stream id, got %q", started.StreamID)
	}
	if started.Status != "streaming" {
		t.Fatalf("expected start to report streaming, got %q", started.Status)
	}
	if started.VideoEndpoint != "/stream/video/"+started.StreamID || started.LiveEndpoint != "" {
		t.Fatalf("unexpected endpoints %+v", started)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := srv.Client().Get(srv.URL + started.SnapshotEndpoint)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			if resp.Header.Get("Content-Type") != "image/jpeg" || string(body) != "\xff\xd8frame\xff\xd9" {
				t.Fatalf("unexpected snapshot %q %q", resp.Header.Get("Content-Type"), body)
			}
			break
		}
		if resp.StatusCode != http.StatusNotFound || time.Now().After(deadline) {
			t.Fatalf("snapshot never became available: %d", resp.StatusCode)
		}
		time.Sleep(25 * time.Millisecond)
	}

	resp, err := srv.Client().Get(srv.URL + started.VideoEndpoint)
	if err != nil {
		t.Fatalf("video: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("unexpected content type %q", ct)
	}
	buf := make([]byte, 64)
	if _, err := io.ReadAtLeast(resp.Body, buf, len(buf)); err != nil {
		t.Fatalf("read video: %v", err)
	}
	resp.Body.Close()
	if !strings.HasPrefix(string(buf), "--frame\r\nContent-Type: image/jpeg\r\n") {
		t.Fatalf("unexpected multipart part %q", buf)
	}

	var sessions api.StreamListResponse
	if code := call(t, srv, http.MethodGet, "/stream", "", nil, &sessions); code != http.StatusOK || len(sessions.Sessions) != 1 {
		t.Fatalf("unexpected sessions %d %+v", code, sessions)
	}

	for i := 0; i < 2; i++ {
		var stopped api.StoppedResponse
		if code := call(t, srv, http.MethodPost, "/stream/stop/"+started.StreamID, "", nil, &stopped); code != http.StatusOK || !stopped.Stopped {
			t.Fatalf("stop %d: %d %+v", i, code, stopped)
		}
	}
	if code := call(t, srv, http.MethodGet, started.SnapshotEndpoint, "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", code)
	}
	if code := call(t, srv, http.MethodGet, started.VideoEndpoint, "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected video 404 after stop, got %d", code)
	}
}

func TestLiveWebSocket(t *testing.T) {
	d, _ := newTestDaemon(t, testsupport.WithTenant("acme", "alice", aliceToken, false))
	srv := serve(t, d)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live/lobby?token=" + aliceToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !hasSubscriber(d.live, "lobby") {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.live.Publish("lobby", livecount.DetectionEvent{Direction: "IN", Confidence: 0.9})
	d.live.Publish("lobby", livecount.DetectionEvent{Direction: "IN", Confidence: 0.8})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg livecount.Message
	for i := 0; i < 2; i++ {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
	}
	if msg.StreamID != "lobby" || msg.Entered != 2 || msg.Inside != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}

	d.live.CloseStream("lobby")
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}

	if _, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/live/lobby", nil); err == nil {
		t.Fatal("expected unauthenticated websocket to be rejected")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func hasSubscriber(live *livecount.Broadcaster, streamID string) bool {
	for _, s := range live.Stats().Streams {
		if s.StreamID == streamID && s.Subscribers > 0 {
			return true
		}
	}
	return false
}

func TestStatusReportsProcesses(t *testing.T) {
	d, _ := newTestDaemon(t, testsupport.WithFFmpegScript(frameLoop))
	if _, err := d.proxy.Start(context.Background(), "dock", "rtsp://camera.local/dock", streamproxy.Options{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := d.Status(context.Background())
	if len(status.Sessions) != 1 || status.Sessions[0].StreamID != "dock" {
		t.Fatalf("unexpected sessions %+v", status.Sessions)
	}
	if len(status.Processes) != 1 || status.Processes[0].PID == 0 {
		t.Fatalf("expected the ffmpeg process to be sampled, got %+v", status.Processes)
	}
	if len(status.Dependencies) == 0 {
		t.Fatal("expected dependency statuses")
	}
	if status.Engine.JobStats["queued"] != 0 {
		t.Fatalf("unexpected job stats %+v", status.Engine.JobStats)
	}
}

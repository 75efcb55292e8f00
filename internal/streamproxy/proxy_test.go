package streamproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/livecount"
	"vigil/internal/logging"
	"vigil/internal/procrun"
	"vigil/internal/services"
	"vigil/internal/testsupport"
)

const frameLoop = `while true; do printf '\377\330frame\377\331'; sleep 0.05; done
`

func spawnLog(cfg *config.Config) string {
	return filepath.Join(testsupport.BaseDir(cfg), "spawns")
}

func newTestProxy(t *testing.T, script string, publisher Publisher, opts ...testsupport.ConfigOption) (*Proxy, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	logFile := spawnLog(cfg)
	cfg.Stream.FFmpegBinary = testsupport.WriteExecutable(t, filepath.Join(testsupport.BaseDir(cfg), "bin"), "ffmpeg",
		"echo $$ >> "+logFile+"\n"+script)
	proxy := New(cfg, procrun.New(logging.NewNop()), publisher, logging.NewNop())
	t.Cleanup(proxy.Shutdown)
	return proxy, cfg
}

func spawnCount(t *testing.T, cfg *config.Config) int {
	t.Helper()
	data, err := os.ReadFile(spawnLog(cfg))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("read spawn log: %v", err)
	}
	return len(strings.Fields(string(data)))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSplitJPEG(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("noise")
	stream.Write([]byte{0xFF, 0xD8, 'a', 0xFF, 0xD9})
	stream.Write([]byte{0x00, 0xFF, 0xD8, 'b', 'c', 0xFF, 0xD9})
	stream.Write([]byte{0xFF, 0xD8, 'x'})

	scanner := bufio.NewScanner(&stream)
	scanner.Split(SplitJPEG)
	var frames []string
	for scanner.Scan() {
		frames = append(frames, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"\xff\xd8a\xff\xd9", "\xff\xd8bc\xff\xd9"}
	if len(frames) != len(want) || frames[0] != want[0] || frames[1] != want[1] {
		t.Fatalf("frames = %q", frames)
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := strings.Join(ffmpegArgs("rtsp://cam/1", Options{FPS: 5, Resolution: "640x480"}), " ")
	if !strings.HasPrefix(args, "-rtsp_transport tcp -i rtsp://cam/1") {
		t.Fatalf("unexpected args %q", args)
	}
	if !strings.Contains(args, "-vf fps=5,scale=640:480") || !strings.HasSuffix(args, "-q:v 5 pipe:1") {
		t.Fatalf("unexpected args %q", args)
	}
	plain := strings.Join(ffmpegArgs("http://cam/feed", Options{FPS: 2}), " ")
	if strings.Contains(plain, "rtsp_transport") || !strings.Contains(plain, "-vf fps=2 ") {
		t.Fatalf("unexpected args %q", plain)
	}
}

func TestStartStreamsFrames(t *testing.T) {
	proxy, _ := newTestProxy(t, frameLoop, nil)
	ctx := context.Background()

	info, err := proxy.Start(ctx, "cam-1", "rtsp://camera.local/stream", Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Status != StatusStreaming || info.Options.FPS != 5 || info.Frames == 0 {
		t.Fatalf("unexpected info %+v", info)
	}

	waitFor(t, "first frame", func() bool {
		_, err := proxy.Snapshot("cam-1")
		return err == nil
	})
	frame, _ := proxy.Snapshot("cam-1")
	if !bytes.HasPrefix(frame.Data, jpegSOI) || !bytes.HasSuffix(frame.Data, jpegEOI) {
		t.Fatalf("snapshot is not a jpeg: %q", frame.Data)
	}
	if got, _ := proxy.Get("cam-1"); got.Status != StatusStreaming {
		t.Fatalf("expected streaming, got %s", got.Status)
	}

	sub, err := proxy.Subscribe(ctx, "cam-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	first, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected newer frame, got %d after %d", second.Seq, first.Seq)
	}
	if got, _ := proxy.Get("cam-1"); got.Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got.Subscribers)
	}

	if err := proxy.Stop(ctx, "cam-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrStreamUnavailable) {
		t.Fatalf("expected ErrStreamUnavailable after stop, got %v", err)
	}
	sub.Close()
	sub.Close()
	if _, err := proxy.Snapshot("cam-1"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found after stop, got %v", err)
	}
	if err := proxy.Stop(ctx, "cam-1"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	proxy, cfg := newTestProxy(t, frameLoop, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	type outcome struct {
		info Info
		err  error
	}
	results := make(chan outcome, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := proxy.Start(ctx, "lobby", "rtsp://camera.local/lobby", Options{})
			results <- outcome{info, err}
		}()
	}
	wg.Wait()
	close(results)
	for res := range results {
		if res.err != nil {
			t.Fatalf("Start: %v", res.err)
		}
		if res.info.Status != StatusStreaming {
			t.Fatalf("caller observed %q, want streaming", res.info.Status)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := spawnCount(t, cfg); got != 1 {
		t.Fatalf("expected exactly one ffmpeg process, got %d", got)
	}
	if sessions := proxy.Sessions(); len(sessions) != 1 || sessions[0].PID == 0 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestStartDoesNotBlockOtherStreams(t *testing.T) {
	script := `case "$*" in
*dark*) sleep 30 ;;
*) ` + frameLoop + ` ;;
esac
`
	proxy, _ := newTestProxy(t, script, nil)
	ctx := context.Background()

	darkErr := make(chan error, 1)
	go func() {
		_, err := proxy.Start(ctx, "dark", "rtsp://camera.local/dark", Options{})
		darkErr <- err
	}()
	waitFor(t, "dark session registered", func() bool {
		info, ok := proxy.Get("dark")
		return ok && info.PID != 0
	})

	done := make(chan struct{})
	var info Info
	var err error
	go func() {
		info, err = proxy.Start(ctx, "yard", "rtsp://camera.local/yard", Options{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start of an unrelated stream blocked behind a connecting one")
	}
	if err != nil || info.Status != StatusStreaming {
		t.Fatalf("yard: %+v %v", info, err)
	}

	if err := proxy.Stop(ctx, "dark"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-darkErr:
		if !errors.Is(err, ErrStreamUnavailable) {
			t.Fatalf("expected ErrStreamUnavailable for a stopped start, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting start did not return after Stop")
	}
}

func TestSnapshotBeforeFirstFrame(t *testing.T) {
	proxy, _ := newTestProxy(t, "sleep 30\n", nil)
	if _, err := proxy.Snapshot("missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := proxy.Start(ctx, "quiet", "http://camera.local/mjpeg", Options{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the wait for a first frame to end with the caller's context, got %v", err)
	}
	if info, _ := proxy.Get("quiet"); info.Status != StatusConnecting {
		t.Fatalf("expected session to keep connecting, got %s", info.Status)
	}
	if _, err := proxy.Snapshot("quiet"); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestProcessExitMovesToErrorAndRestarts(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []string
	)
	proxy, cfg := newTestProxy(t, "echo 'Connection refused' >&2\nexit 1\n", nil)
	proxy.OnError = func(_, line string) {
		mu.Lock()
		reported = append(reported, line)
		mu.Unlock()
	}
	ctx := context.Background()
	info, err := proxy.Start(ctx, "door", "rtsp://camera.local/door", Options{})
	if !errors.Is(err, services.ErrProcessExit) || info.Status != StatusError {
		t.Fatalf("expected exit error with error status, got %s %v", info.Status, err)
	}
	if info.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
	mu.Lock()
	if len(reported) != 1 || !strings.Contains(reported[0], "Connection refused") {
		t.Fatalf("unexpected OnError calls %q", reported)
	}
	mu.Unlock()
	if _, err := proxy.Subscribe(ctx, "door"); !errors.Is(err, ErrStreamUnavailable) {
		t.Fatalf("expected ErrStreamUnavailable, got %v", err)
	}

	if _, err := proxy.Start(ctx, "door", "rtsp://camera.local/door", Options{}); !errors.Is(err, services.ErrProcessExit) {
		t.Fatalf("restart: %v", err)
	}
	if got := spawnCount(t, cfg); got != 2 {
		t.Fatalf("expected a second spawn, got %d", got)
	}
}

func TestFirstFrameTimeout(t *testing.T) {
	proxy, cfg := newTestProxy(t, "sleep 30\n", nil)
	cfg.Stream.FirstFrameSeconds = 1
	if _, err := proxy.Start(context.Background(), "dark", "rtsp://camera.local/dark", Options{}); !errors.Is(err, services.ErrProcessTimeout) {
		t.Fatalf("expected first-frame timeout, got %v", err)
	}
	waitFor(t, "first frame timeout", func() bool {
		info, _ := proxy.Get("dark")
		return info.Status == StatusError
	})
	info, _ := proxy.Get("dark")
	if !strings.Contains(info.LastError, "no frame within") {
		t.Fatalf("unexpected last error %q", info.LastError)
	}
}

func TestStartValidation(t *testing.T) {
	proxy, _ := newTestProxy(t, frameLoop, nil)
	ctx := context.Background()
	cases := []struct {
		name string
		id   string
		url  string
		opts Options
	}{
		{"missing id", "", "rtsp://cam/1", Options{}},
		{"bad scheme", "a", "ftp://cam/1", Options{}},
		{"no host", "a", "rtsp:///path", Options{}},
		{"fps", "a", "rtsp://cam/1", Options{FPS: 500}},
		{"resolution", "a", "rtsp://cam/1", Options{Resolution: "wide"}},
		{"model", "a", "rtsp://cam/1", Options{LiveCount: "unknown"}},
	}
	for _, tc := range cases {
		if _, err := proxy.Start(ctx, tc.id, tc.url, tc.opts); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestMissingBinaryReportsSpawnError(t *testing.T) {
	proxy, cfg := newTestProxy(t, frameLoop, nil)
	cfg.Stream.FFmpegBinary = filepath.Join(testsupport.BaseDir(cfg), "absent-ffmpeg")
	_, err := proxy.Start(context.Background(), "cam", "rtsp://cam/1", Options{})
	if !errors.Is(err, services.ErrProcessSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if info, _ := proxy.Get("cam"); info.Status != StatusError {
		t.Fatalf("expected error status, got %s", info.Status)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []livecount.DetectionEvent
	closed []string
}

func (r *recordingPublisher) Publish(streamID string, event livecount.DetectionEvent) livecount.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return livecount.Message{StreamID: streamID, Direction: event.Direction}
}

func (r *recordingPublisher) CloseStream(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, streamID)
}

func TestLiveCountCompanionPublishesEvents(t *testing.T) {
	publisher := &recordingPublisher{}
	counter := `echo 'EVENT {"direction":"IN","confidence":0.9}'
echo 'warming up'
echo 'EVENT {"direction":"out","confidence":0.5}'
`
	proxy, _ := newTestProxy(t, frameLoop, publisher, testsupport.WithModel("line-counter", counter))
	if _, err := proxy.Start(context.Background(), "gate", "rtsp://camera.local/gate", Options{LiveCount: "line-counter"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "companion exit", func() bool {
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		return len(publisher.closed) == 1
	})
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.events) != 2 {
		t.Fatalf("expected 2 events, got %+v", publisher.events)
	}
	if publisher.events[1].Direction != livecount.DirectionOut || publisher.closed[0] != "gate" {
		t.Fatalf("unexpected publisher state %+v %v", publisher.events, publisher.closed)
	}
}

func TestDeriveStreamIDIsStable(t *testing.T) {
	a := DeriveStreamID("rtsp://cam/1")
	if a != DeriveStreamID(" rtsp://cam/1 ") || a == DeriveStreamID("rtsp://cam/2") {
		t.Fatalf("unexpected derived ids")
	}
	sum := sha256.Sum256([]byte("rtsp://cam/1"))
	if want := "stream-" + hex.EncodeToString(sum[:])[:12]; a != want {
		t.Fatalf("id = %q, want %q", a, want)
	}
}

package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vigil/internal/api"
	"vigil/internal/apiclient"
)

func newClient(t *testing.T, handler http.HandlerFunc) *apiclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := apiclient.New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestNewRequiresBind(t *testing.T) {
	if _, err := apiclient.New("  ", ""); !errors.Is(err, apiclient.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := apiclient.New("127.0.0.1:7480", ""); err != nil {
		t.Fatalf("expected bare host:port to parse, got %v", err)
	}
}

func TestCreateJobSendsTokenAndBody(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req api.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Kind != "stream" || req.DurationSeconds != 30 {
			t.Errorf("unexpected body %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.JobStateResponse{JobID: "j1", Status: "queued"})
	})

	resp, err := client.CreateJob(context.Background(), api.CreateJobRequest{Kind: "stream", SourceRef: "rtsp://cam/1", ModelType: "hog", DurationSeconds: 30})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if resp.JobID != "j1" || resp.Status != "queued" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestListJobsBuildsQuery(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "queued,processing" || q.Get("kind") != "upload" || q.Get("limit") != "5" || q.Get("offset") != "10" {
			t.Errorf("unexpected query %v", q)
		}
		_ = json.NewEncoder(w).Encode(api.JobListResponse{Items: []api.Job{{JobID: "a"}}, Total: 11, Limit: 5, Offset: 10})
	})

	resp, err := client.ListJobs(context.Background(), apiclient.ListQuery{
		Statuses: []string{"queued", "processing"},
		Kind:     "upload",
		Limit:    5,
		Offset:   10,
	})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if resp.Total != 11 || len(resp.Items) != 1 {
		t.Fatalf("unexpected list %+v", resp)
	}
}

func TestErrorResponsesCarryKind(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job belongs to another tenant", Kind: "authorization"})
	})

	_, err := client.GetJob(context.Background(), "j1")
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiclient.Error, got %T %v", err, err)
	}
	if apiErr.Kind != "authorization" || apiclient.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiclient.IsUnavailable(err) {
		t.Fatal("api errors are not unavailability")
	}
}

func TestHealthDegradedIsNotAnError(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "degraded", Error: "database locked"})
	})

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "degraded" || health.Error != "database locked" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestSnapshotReturnsBytes(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream/snapshot/cam%201" && r.URL.Path != "/stream/snapshot/cam 1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("\xff\xd8jpeg\xff\xd9"))
	})

	frame, err := client.Snapshot(context.Background(), "cam 1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(frame) != "\xff\xd8jpeg\xff\xd9" {
		t.Fatalf("unexpected frame %q", frame)
	}
}

func TestUnavailableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client, err := apiclient.New(addr, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Status(context.Background()); !apiclient.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

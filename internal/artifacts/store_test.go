package artifacts

import (
	"context"
	"net/url"
	"testing"

	"vigil/internal/config"
	"vigil/internal/logging"
)

func TestPublicURL(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/media/")
	if got := PublicURL(base, false, "minio:9000", "bucket", "jobs/a/out.mp4"); got != "https://cdn.example.com/media/jobs/a/out.mp4" {
		t.Fatalf("PublicURL with base = %q", got)
	}
	if got := PublicURL(nil, true, "minio:9000", "bucket", "jobs/a/out.mp4"); got != "https://minio:9000/bucket/jobs/a/out.mp4" {
		t.Fatalf("PublicURL without base = %q", got)
	}
	if got := PublicURL(nil, false, "minio:9000", "bucket", "k"); got != "http://minio:9000/bucket/k" {
		t.Fatalf("PublicURL http = %q", got)
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("job-1", "/var/lib/vigil/artifacts/job-1/annotated.mp4"); got != "jobs/job-1/annotated.mp4" {
		t.Fatalf("ObjectKey = %q", got)
	}
	if got := jobPrefix("job-1"); got != "jobs/job-1/" {
		t.Fatalf("jobPrefix = %q", got)
	}
}

func TestNewReturnsNoopWhenDisabled(t *testing.T) {
	cfg := config.Default()
	store, err := New(context.Background(), &cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := store.(Noop); !ok {
		t.Fatalf("expected Noop store, got %T", store)
	}
	if link, err := store.Upload(context.Background(), "j", "/tmp/x"); err != nil || link != "" {
		t.Fatalf("Noop upload = %q, %v", link, err)
	}
}

package testsupport

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"vigil/internal/config"
	"vigil/internal/jobstore"
)

// MustOpenStore opens a jobstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob inserts a queued upload job owned by tenant/owner.
func NewJob(t testing.TB, store *jobstore.Store, tenantID, ownerID string) *jobstore.Job {
	t.Helper()

	job := &jobstore.Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		OwnerID:   ownerID,
		Kind:      jobstore.KindUpload,
		SourceRef: "/videos/sample.mp4",
		ModelType: "hog",
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}

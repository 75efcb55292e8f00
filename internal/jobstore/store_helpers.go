package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const jobColumns = "id, owner_id, tenant_id, kind, source_ref, duration_seconds, model_type, stream_id, status, progress, result_json, error_message, error_kind, created_at, started_at, completed_at, updated_at"

var expectedColumns = []string{
	"id", "owner_id", "tenant_id", "kind", "source_ref", "duration_seconds",
	"model_type", "stream_id", "status", "progress", "result_json",
	"error_message", "error_kind", "created_at", "started_at", "completed_at", "updated_at",
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		ownerID      string
		tenantID     string
		kind         string
		sourceRef    string
		duration     int
		modelType    string
		streamID     sql.NullString
		status       string
		progress     int
		result       sql.NullString
		errorMessage sql.NullString
		errorKind    sql.NullString
		createdRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
		updatedRaw   string
	)
	if err := scanner.Scan(
		&id,
		&ownerID,
		&tenantID,
		&kind,
		&sourceRef,
		&duration,
		&modelType,
		&streamID,
		&status,
		&progress,
		&result,
		&errorMessage,
		&errorKind,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		OwnerID:         ownerID,
		TenantID:        tenantID,
		Kind:            Kind(kind),
		SourceRef:       sourceRef,
		DurationSeconds: duration,
		ModelType:       modelType,
		StreamID:        streamID.String,
		Status:          Status(status),
		Progress:        progress,
		ErrorMessage:    errorMessage.String,
		ErrorKind:       errorKind.String,
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	job.StartedAt = parseNullableTime(startedRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func clampProgress(value int) int {
	switch {
	case value < 0:
		return 0
	case value > 100:
		return 100
	default:
		return value
	}
}

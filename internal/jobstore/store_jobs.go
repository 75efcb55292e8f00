package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vigil/internal/services"
)

// Create inserts a new job. Empty status defaults to queued.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return services.Wrap(services.ErrValidation, "jobstore", "create", "invalid job", err)
	}
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Progress = clampProgress(job.Progress)

	_, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (
            id, owner_id, tenant_id, kind, source_ref, duration_seconds, model_type,
            stream_id, status, progress, result_json, error_message, error_kind,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.TenantID,
		job.Kind,
		job.SourceRef,
		job.DurationSeconds,
		job.ModelType,
		nullableString(job.StreamID),
		job.Status,
		job.Progress,
		nullableJSON(job.Result),
		nullableString(job.ErrorMessage),
		nullableString(job.ErrorKind),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return services.Wrap(services.ErrConflict, "jobstore", "create", "job "+job.ID+" already exists", err)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id. It returns (nil, nil) when the job does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Delete removes a job record.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns jobs matching filter, newest first, along with the total number
// of matches ignoring pagination.
func (s *Store) List(ctx context.Context, filter Filter, page Page) ([]*Job, int, error) {
	ctx = ensureContext(ctx)
	page = page.Normalized()

	var (
		clauses []string
		args    []any
	)
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0, page.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

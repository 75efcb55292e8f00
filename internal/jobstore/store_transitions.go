package jobstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vigil/internal/services"
)

// maxRunningProgress caps progress until the job completes.
const maxRunningProgress = 99

// UpdateProgress raises a processing job's progress. Lower values and writes
// against jobs in any other status are ignored.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > maxRunningProgress {
		progress = maxRunningProgress
	}
	_, err := s.execWithRetry(ctx,
		`UPDATE jobs SET progress = MAX(progress, ?), updated_at = ?
         WHERE id = ? AND status = ? AND progress < ?`,
		progress,
		formatTime(time.Now()),
		id,
		StatusProcessing,
		progress,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateStatus applies t to job id. It returns false without error when the
// job is missing, already terminal, or does not match t.From.
func (s *Store) UpdateStatus(ctx context.Context, id string, t Transition) (bool, error) {
	if _, ok := ParseStatus(string(t.Status)); !ok {
		return false, services.Wrap(services.ErrValidation, "jobstore", "update status", fmt.Sprintf("unknown status %q", t.Status), nil)
	}
	now := formatTime(time.Now())

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{t.Status, now}
	switch t.Status {
	case StatusProcessing:
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case StatusCompleted:
		sets = append(sets, "completed_at = ?", "progress = 100")
		args = append(args, now)
	case StatusFailed, StatusCancelled:
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if len(t.Result) > 0 {
		sets = append(sets, "result_json = ?")
		args = append(args, string(t.Result))
	}
	if t.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, services.Truncate(t.ErrorMessage))
	}
	if t.ErrorKind != "" {
		sets = append(sets, "error_kind = ?")
		args = append(args, t.ErrorKind)
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status NOT IN (?, ?, ?)`
	args = append(args, id, StatusCompleted, StatusFailed, StatusCancelled)
	if t.From != "" {
		query += ` AND status = ?`
		args = append(args, t.From)
	}

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailInterrupted fails every job left processing by a previous daemon run.
func (s *Store) FailInterrupted(ctx context.Context) (int, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, error_kind = ?, completed_at = ?, updated_at = ?
         WHERE status = ?`,
		StatusFailed,
		InterruptedMessage,
		services.KindOf(services.ErrTransient),
		now,
		now,
		StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

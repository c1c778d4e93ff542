package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

const runColumns = `id, status, started_at, finished_at, notes, idempotency_key`

// CreateRun inserts a new run. A reused idempotency key returns ports.ErrDuplicateKey.
func (s *SQLiteStorage) CreateRun(ctx context.Context, r domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_runs (`+runColumns+`) VALUES (?,?,?,?,?,?)`,
		r.ID, string(r.Status), toMillis(r.StartedAt), nullMillis(r.FinishedAt), r.Notes, nullString(r.IdempotencyKey),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage.CreateRun: %s: %w", r.ID, ports.ErrDuplicateKey)
		}
		return fmt.Errorf("storage.CreateRun: %s: %w", r.ID, err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM calibration_runs WHERE id=?`, id)
	r, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("storage.GetRun: %s: %w", id, err)
	}
	return r, nil
}

// FindRunByIdempotencyKey loads the run created for key.
func (s *SQLiteStorage) FindRunByIdempotencyKey(ctx context.Context, key string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM calibration_runs WHERE idempotency_key=?`, key)
	r, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("storage.FindRunByIdempotencyKey: %w", err)
	}
	return r, nil
}

// UpdateRunStatus writes status, finished_at and notes together.
func (s *SQLiteStorage) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calibration_runs SET status=?, finished_at=?, notes=? WHERE id=?`,
		string(status), nullMillis(finishedAt), notes, id)
	if err != nil {
		return fmt.Errorf("storage.UpdateRunStatus: %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.UpdateRunStatus: %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// MarkRunRunning upserts the run as RUNNING. The worker may pick up a job
// whose run row was rolled back, so the row is recreated when missing.
func (s *SQLiteStorage) MarkRunRunning(ctx context.Context, id string, startedAt time.Time, notes string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_runs (id, status, started_at, finished_at, notes)
		VALUES (?, ?, ?, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			status      = excluded.status,
			started_at  = excluded.started_at,
			finished_at = NULL,
			notes       = excluded.notes`,
		id, string(domain.RunRunning), toMillis(startedAt), notes)
	if err != nil {
		return fmt.Errorf("storage.MarkRunRunning: %s: %w", id, err)
	}
	return nil
}

// DeleteRun removes a run. Missing rows are not an error.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calibration_runs WHERE id=?`, id); err != nil {
		return fmt.Errorf("storage.DeleteRun: %s: %w", id, err)
	}
	return nil
}

// ListRecentRuns returns the latest runs by start time.
func (s *SQLiteStorage) ListRecentRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM calibration_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRecentRuns: query: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRecentRuns: scan row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		r          domain.Run
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		key        sql.NullString
	)
	if err := row.Scan(&r.ID, &status, &startedAt, &finishedAt, &r.Notes, &key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, ports.ErrNotFound
		}
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)
	r.StartedAt = fromMillis(startedAt)
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		r.FinishedAt = &t
	}
	if key.Valid {
		k := key.String
		r.IdempotencyKey = &k
	}
	return r, nil
}

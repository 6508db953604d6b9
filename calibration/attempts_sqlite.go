package calibration

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const attemptsSchema = `
CREATE TABLE IF NOT EXISTS calibration_attempts (
	attempt_id TEXT PRIMARY KEY,
	zoom_level REAL NOT NULL,
	accepted INTEGER NOT NULL,
	residual REAL NOT NULL,
	inliers INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at_unix_nanos INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calibration_attempts_created ON calibration_attempts (created_at_unix_nanos);
`

// AttemptStore keeps calibration attempt history in SQLite
type AttemptStore struct {
	db *sql.DB
}

// OpenAttemptStore opens (or creates) database at given path
func OpenAttemptStore(ctx context.Context, path string) (*AttemptStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open attempts database '%s'", path)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "can't execute %q", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, attemptsSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "can't create attempts schema")
	}
	return &AttemptStore{db: db}, nil
}

// Close closes underlying database
func (s *AttemptStore) Close() error {
	return s.db.Close()
}

// RecordAttempt inserts attempt
func (s *AttemptStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calibration_attempts (attempt_id, zoom_level, accepted, residual, inliers, error, created_at_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.ZoomLevel, attempt.Accepted, attempt.Residual, attempt.Inliers, attempt.Error, attempt.CreatedAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrapf(err, "can't insert attempt %s", attempt.ID)
	}
	return nil
}

// Attempts returns the most recent attempts, newest first
func (s *AttemptStore) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, zoom_level, accepted, residual, inliers, error, created_at_unix_nanos
		FROM calibration_attempts ORDER BY created_at_unix_nanos DESC, attempt_id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "can't query attempts")
	}
	defer rows.Close()
	attempts := make([]Attempt, 0)
	for rows.Next() {
		var (
			id        string
			attempt   Attempt
			createdAt int64
		)
		if err := rows.Scan(&id, &attempt.ZoomLevel, &attempt.Accepted, &attempt.Residual, &attempt.Inliers, &attempt.Error, &createdAt); err != nil {
			return nil, errors.Wrap(err, "can't scan attempt")
		}
		attempt.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, errors.Wrapf(err, "bad attempt id '%s'", id)
		}
		attempt.CreatedAt = time.Unix(0, createdAt).UTC()
		attempts = append(attempts, attempt)
	}
	return attempts, errors.Wrap(rows.Err(), "can't iterate attempts")
}

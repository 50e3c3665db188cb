package interp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store abstracts persistence for job lifecycle records.
// Implementations must be safe for concurrent use.
type Store interface {
	Recorder
	InsertSubmitted(ctx context.Context, rec JobRecord) error
	MarkTracking(ctx context.Context, jobID string, startedAt time.Time) error
	MarkAbandoned(ctx context.Context, jobID string, reason string, at time.Time) error
	GetByID(ctx context.Context, jobID string) (*JobRecord, error)
}

// Schema creates the journal table. It runs unchanged on SQLite and MySQL.
const Schema = `
CREATE TABLE IF NOT EXISTS interp_jobs (
    id              VARCHAR(64)  PRIMARY KEY,
    kind            VARCHAR(16)  NOT NULL,
    status          VARCHAR(32)  NOT NULL,
    error_msg       TEXT         NULL,
    output_url      TEXT         NULL,
    frames_url      TEXT         NULL,
    polls           INTEGER      NOT NULL DEFAULT 0,
    last_poll_error TEXT         NULL,
    created_at      DATETIME     NOT NULL,
    updated_at      DATETIME     NULL,
    tracking_at     DATETIME     NULL,
    finished_at     DATETIME     NULL
);
`

// SQLStore journals jobs in a relational database using '?' placeholders
// (SQLite, MySQL).
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies Schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InsertSubmitted records a freshly created job. It fails if the id is
// already journalled.
func (s *SQLStore) InsertSubmitted(ctx context.Context, rec JobRecord) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var finishedAt *time.Time
	if rec.Status.Terminal() {
		finishedAt = &createdAt
	}
	q := `INSERT INTO interp_jobs (id, kind, status, error_msg, output_url, frames_url, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, rec.ID, string(rec.Kind), string(rec.Status),
		rec.ErrorMsg, rec.OutputURL, rec.FramesURL, createdAt.UTC(), nullTime(finishedAt))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) MarkTracking(ctx context.Context, jobID string, startedAt time.Time) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE interp_jobs SET tracking_at = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, jobID, q, startedAt.UTC(), startedAt.UTC(), jobID)
}

// RecordObservation stores a full status snapshot. Rows that already hold a
// terminal status are left untouched.
func (s *SQLStore) RecordObservation(ctx context.Context, job JobDescriptor, observedAt time.Time) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	var finishedAt *time.Time
	if job.Terminal() {
		t := observedAt.UTC()
		finishedAt = &t
	}
	q := `UPDATE interp_jobs
		SET status = ?, error_msg = ?, output_url = ?, frames_url = ?, polls = polls + 1,
		    last_poll_error = NULL, updated_at = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`
	_, err := s.db.ExecContext(ctx, q, string(job.Status), nullString(job.Error), nullString(job.OutputURL),
		nullString(job.FramesURL), observedAt.UTC(), nullTime(finishedAt), job.ID,
		string(StatusDone), string(StatusError))
	if err != nil {
		return fmt.Errorf("record observation for %s: %w", job.ID, err)
	}
	return nil
}

// MarkAbandoned notes why tracking gave up without changing the job status.
func (s *SQLStore) MarkAbandoned(ctx context.Context, jobID string, reason string, at time.Time) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	q := `UPDATE interp_jobs SET last_poll_error = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, jobID, q, reason, at.UTC(), jobID)
}

func (s *SQLStore) GetByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, kind, status, error_msg, output_url, frames_url, polls, last_poll_error,
		created_at, updated_at, tracking_at, finished_at FROM interp_jobs WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, jobID)
	rec := JobRecord{}
	var kind, status string
	var errorMsg, outputURL, framesURL, lastPollErr sql.NullString
	var updatedAt, trackingAt, finishedAt sql.NullTime
	if err := row.Scan(&rec.ID, &kind, &status, &errorMsg, &outputURL, &framesURL, &rec.Polls, &lastPollErr,
		&rec.CreatedAt, &updatedAt, &trackingAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.ErrorMsg = stringPtr(errorMsg)
	rec.OutputURL = stringPtr(outputURL)
	rec.FramesURL = stringPtr(framesURL)
	rec.LastPollError = stringPtr(lastPollErr)
	rec.UpdatedAt = timePtr(updatedAt)
	rec.TrackingAt = timePtr(trackingAt)
	rec.FinishedAt = timePtr(finishedAt)
	return &rec, nil
}

func (s *SQLStore) exec(ctx context.Context, jobID, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// NewJobRecord builds the journal row for a submitted descriptor.
func NewJobRecord(job JobDescriptor, kind Kind, createdAt time.Time) JobRecord {
	if job.Kind != "" {
		kind = job.Kind
	}
	return JobRecord{
		ID:        job.ID,
		Kind:      kind,
		Status:    job.Status,
		ErrorMsg:  nonEmpty(job.Error),
		OutputURL: nonEmpty(job.OutputURL),
		FramesURL: nonEmpty(job.FramesURL),
		CreatedAt: createdAt,
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

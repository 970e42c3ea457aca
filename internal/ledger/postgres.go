package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kobo_connect/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS kobo_submissions (
	id            TEXT NOT NULL,
	uuid          TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (uuid, id)
)`

// PostgresStore keeps the ledger in a table with primary key (uuid, id).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the ledger table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("create ledger table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, rec domain.SubmissionRecord) (domain.SubmissionRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kobo_submissions (id, uuid, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uuid, id) DO NOTHING`,
		rec.ID, rec.GroupID, string(rec.Status), rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return domain.SubmissionRecord{}, false, fmt.Errorf("insert submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.SubmissionRecord{}, false, err
	}
	if n == 1 {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, rec.ID, rec.GroupID)
	if err != nil {
		return domain.SubmissionRecord{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Replace(ctx context.Context, rec domain.SubmissionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kobo_submissions (id, uuid, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uuid, id) DO UPDATE
		SET status = EXCLUDED.status, error_message = EXCLUDED.error_message, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.GroupID, string(rec.Status), rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("replace submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Swap(ctx context.Context, rec domain.SubmissionRecord, from domain.SubmissionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kobo_submissions
		SET status = $3, error_message = $4, updated_at = $5
		WHERE uuid = $1 AND id = $2 AND status = $6`,
		rec.GroupID, rec.ID, string(rec.Status), rec.ErrorMessage, rec.UpdatedAt, string(from))
	if err != nil {
		return false, fmt.Errorf("swap submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id, groupID string) (domain.SubmissionRecord, error) {
	var rec domain.SubmissionRecord
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, status, error_message, created_at, updated_at
		FROM kobo_submissions WHERE uuid = $1 AND id = $2`, groupID, id).
		Scan(&rec.ID, &rec.GroupID, &status, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubmissionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SubmissionRecord{}, fmt.Errorf("read submission: %w", err)
	}
	rec.Status = domain.SubmissionStatus(status)
	return rec, nil
}

func (s *PostgresStore) Type() string { return "postgres" }

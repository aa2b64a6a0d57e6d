// Package repository provides data access for session records.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shellboard/termsvc/internal/model"
)

// SessionRepository persists session records. Live transport state lives in
// the registry; rows here hold the durable metadata and lifecycle state.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (id, owner_id, title, shell, workdir, rows, cols, state, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.OwnerID,
		s.Title,
		s.Shell,
		s.Workdir,
		s.Rows,
		s.Cols,
		s.State,
		s.PID,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// GetByID retrieves a session record by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, owner_id, title, shell, workdir, rows, cols, state, exit_code, pid, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	s := &model.Session{}
	var workdir sql.NullString
	var exitCode, pid sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.OwnerID,
		&s.Title,
		&s.Shell,
		&workdir,
		&s.Rows,
		&s.Cols,
		&s.State,
		&exitCode,
		&pid,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}

	if workdir.Valid {
		s.Workdir = workdir.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		s.PID = &p
	}

	return s, nil
}

// ListByOwner retrieves session summaries for an owner, ordered by creation
// time ascending. Every call runs a fresh query, so enumeration is
// restartable.
func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.Summary, error) {
	query := `
		SELECT id, title, created_at, state
		FROM sessions
		WHERE owner_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]model.Summary, 0)
	for rows.Next() {
		var s model.Summary
		if err := rows.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.State); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}

	return summaries, nil
}

// CountLiveByOwner counts non-terminated sessions for an owner. Used to
// enforce the per-owner cap.
func (r *SessionRepository) CountLiveByOwner(ctx context.Context, ownerID string) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE owner_id = ? AND state != ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, ownerID, model.SessionStateTerminated).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count live sessions: %w", err)
	}
	return count, nil
}

// UpdateState transitions the stored lifecycle state, optionally recording
// an exit code.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state model.SessionState, exitCode *int) error {
	query := `
		UPDATE sessions
		SET state = ?, exit_code = COALESCE(?, exit_code), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	res, err := r.db.ExecContext(ctx, query, state, exitCode, id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session status constants.
const (
	StatusIdle        = "idle"
	StatusRunning     = "running"
	StatusStopped     = "stopped"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted" // was running when the process died
)

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	Task      string    `json:"task"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const timeLayout = time.RFC3339Nano

// UpsertSession inserts rec or updates the existing row. CreatedAt is kept
// from the first insert, and an empty Task never overwrites a stored one.
func (r *Registry) UpsertSession(ctx context.Context, rec SessionRecord) error {
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if rec.Status == "" {
		rec.Status = StatusIdle
	}
	if rec.Phase == "" {
		rec.Phase = "idle"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, task, phase, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			task       = CASE WHEN excluded.task = '' THEN sessions.task ELSE excluded.task END,
			phase      = excluded.phase,
			status     = excluded.status,
			reason     = excluded.reason,
			updated_at = excluded.updated_at
	`, rec.SessionID, rec.Task, rec.Phase, rec.Status, rec.Reason,
		rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetSession returns the record for sessionID.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, task, phase, status, reason, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

// ListSessions returns all records, oldest first.
func (r *Registry) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, task, phase, status, reason, created_at, updated_at
		FROM sessions ORDER BY created_at, session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return records, nil
}

// DeleteSession removes the record for sessionID.
func (r *Registry) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkInterruptedSessions flags every running session as interrupted and
// returns how many were changed. Called at startup, when nothing can be running.
func (r *Registry) MarkInterruptedSessions(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?
	`, StatusInterrupted, time.Now().UTC().Format(timeLayout), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.logger.Warn("Marked %d running session(s) as interrupted", n)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt, updatedAt string
	if err := row.Scan(&rec.SessionID, &rec.Task, &rec.Phase, &rec.Status, &rec.Reason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at for session %s: %w", rec.SessionID, err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at for session %s: %w", rec.SessionID, err)
	}
	return &rec, nil
}

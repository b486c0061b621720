package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/events"
)

// RecordConfirmation queues a confirmation for sync. Re-recording the same LocalID is a no-op.
func (s *Store) RecordConfirmation(ctx context.Context, c *events.Confirmation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_events
			(local_id, session_id, student_id, confidence, detected_at, confirmed_at, origin, source, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (local_id) DO NOTHING
	`, c.LocalID, c.SessionID, c.StudentID, c.Confidence, c.DetectedAt, c.ConfirmedAt,
		string(c.Origin), c.Source, string(events.StatusPending))
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

// CancelConfirmation cancels the latest live confirmation of a student in a session.
func (s *Store) CancelConfirmation(ctx context.Context, sessionID, studentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id int64
	var status string
	err = tx.QueryRow(ctx, `
		SELECT id, status FROM attendance_events
		WHERE session_id = $1 AND student_id = $2 AND status <> 'CANCELED'
		ORDER BY confirmed_at DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`, sessionID, studentID).Scan(&id, &status)
	if isNoRows(err) {
		return events.ErrNotFound
	}
	if err != nil {
		return err
	}
	if events.Status(status) == events.StatusSent {
		return events.ErrAlreadySent
	}

	if _, err := tx.Exec(ctx, `
		UPDATE attendance_events SET status = 'CANCELED', updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PendingConfirmations returns up to limit unsent confirmations, oldest first.
func (s *Store) PendingConfirmations(ctx context.Context, limit int) ([]events.Confirmation, error) {
	return s.confirmations(ctx, `
		SELECT local_id::text, session_id, student_id, confidence, detected_at, confirmed_at,
		       origin, source, status, attempts, last_error
		FROM attendance_events
		WHERE status = 'PENDING'
		ORDER BY id
		LIMIT $1
	`, limit)
}

// SessionConfirmations lists every confirmation of a session in insertion order.
func (s *Store) SessionConfirmations(ctx context.Context, sessionID string) ([]events.Confirmation, error) {
	return s.confirmations(ctx, `
		SELECT local_id::text, session_id, student_id, confidence, detected_at, confirmed_at,
		       origin, source, status, attempts, last_error
		FROM attendance_events
		WHERE session_id = $1
		ORDER BY id
	`, sessionID)
}

func (s *Store) confirmations(ctx context.Context, query string, arg any) ([]events.Confirmation, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query confirmations: %w", err)
	}
	defer rows.Close()

	var out []events.Confirmation
	for rows.Next() {
		var c events.Confirmation
		var origin, status string
		if err := rows.Scan(&c.LocalID, &c.SessionID, &c.StudentID, &c.Confidence, &c.DetectedAt, &c.ConfirmedAt,
			&origin, &c.Source, &status, &c.Attempts, &c.LastError); err != nil {
			return nil, err
		}
		c.Origin = events.Origin(origin)
		c.Status = events.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkSent flags published confirmations.
func (s *Store) MarkSent(ctx context.Context, localIDs []string) error {
	if len(localIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE attendance_events SET status = 'SENT', updated_at = NOW()
		WHERE local_id = ANY($1::uuid[]) AND status = 'PENDING'
	`, localIDs)
	return err
}

// MarkAttempt counts a failed publish; rows reaching maxAttempts become FAILED.
func (s *Store) MarkAttempt(ctx context.Context, localIDs []string, maxAttempts int, reason string) error {
	if len(localIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE attendance_events
		SET attempts = attempts + 1,
		    last_error = $3,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'FAILED' ELSE status END,
		    updated_at = NOW()
		WHERE local_id = ANY($1::uuid[]) AND status = 'PENDING'
	`, localIDs, maxAttempts, reason)
	return err
}

// CountByStatus reports how many confirmations are in each state.
func (s *Store) CountByStatus(ctx context.Context) (map[events.Status]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(*) FROM attendance_events GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[events.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[events.Status(status)] = n
	}
	return out, rows.Err()
}

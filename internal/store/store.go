package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/roster"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingDim is the width of the face_templates.embedding column.
const EmbeddingDim = 512

var ErrNotFound = errors.New("not found")

// Store manages the PostgreSQL pool: enrolled students, their face templates,
// sessions and the attendance outbox.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and the vector extension if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS courses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS enrollments (
			course_id TEXT REFERENCES courses(id) ON DELETE CASCADE,
			student_id TEXT REFERENCES students(id) ON DELETE CASCADE,
			PRIMARY KEY (course_id, student_id)
		);
		CREATE TABLE IF NOT EXISTS face_templates (
			id BIGSERIAL PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			embedding VECTOR(512) NOT NULL,
			quality DOUBLE PRECISION NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			course_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS attendance_events (
			id BIGSERIAL PRIMARY KEY,
			local_id UUID NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ NOT NULL,
			origin TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_templates_student_idx ON face_templates (student_id, id);
		CREATE INDEX IF NOT EXISTS attendance_events_status_idx ON attendance_events (status, id);
		CREATE INDEX IF NOT EXISTS attendance_events_session_student_idx ON attendance_events (session_id, student_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnrollStudent creates or renames the student and enrolls them in the course.
// An empty name keeps the stored one.
func (s *Store) EnrollStudent(ctx context.Context, courseID, studentID, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO courses (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, courseID); err != nil {
		return fmt.Errorf("failed to upsert course: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO students (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = CASE WHEN EXCLUDED.name = '' THEN students.name ELSE EXCLUDED.name END
	`, studentID, name); err != nil {
		return fmt.Errorf("failed to upsert student: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO enrollments (course_id, student_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, courseID, studentID); err != nil {
		return fmt.Errorf("failed to enroll student: %w", err)
	}
	return tx.Commit(ctx)
}

// AddTemplate stores a face descriptor for a student and returns its id.
func (s *Store) AddTemplate(ctx context.Context, studentID string, embedding []float32, quality float64, source string) (int64, error) {
	if len(embedding) != EmbeddingDim {
		return 0, fmt.Errorf("embedding has %d dimensions, want %d", len(embedding), EmbeddingDim)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO face_templates (student_id, embedding, quality, source)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, studentID, pgvector.NewVector(embedding), quality, source).Scan(&id)
	return id, err
}

// LoadRoster returns the students enrolled in a course with their first template.
// Students without any template are left out.
func (s *Store) LoadRoster(ctx context.Context, courseID string) (*roster.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (st.id) st.id, st.name, t.embedding
		FROM enrollments e
		JOIN students st ON st.id = e.student_id
		JOIN face_templates t ON t.student_id = st.id
		WHERE e.course_id = $1
		ORDER BY st.id, t.id
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var entries []roster.Entry
	for rows.Next() {
		var e roster.Entry
		var vec pgvector.Vector
		if err := rows.Scan(&e.StudentID, &e.Name, &vec); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		e.Descriptor = vec.Slice()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roster.NewSnapshot(courseID, entries), nil
}

// StudentInfo is a summary for listing.
type StudentInfo struct {
	ID        string
	Name      string
	Templates int
	Courses   []string
	CreatedAt time.Time
}

// ListStudents lists students, optionally only those enrolled in courseID.
func (s *Store) ListStudents(ctx context.Context, courseID string) ([]StudentInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.id, st.name, st.created_at,
		       (SELECT COUNT(*) FROM face_templates t WHERE t.student_id = st.id),
		       COALESCE((SELECT array_agg(e.course_id ORDER BY e.course_id) FROM enrollments e WHERE e.student_id = st.id), '{}')
		FROM students st
		WHERE $1 = '' OR EXISTS (SELECT 1 FROM enrollments e WHERE e.student_id = st.id AND e.course_id = $1)
		ORDER BY st.id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StudentInfo
	for rows.Next() {
		var si StudentInfo
		if err := rows.Scan(&si.ID, &si.Name, &si.CreatedAt, &si.Templates, &si.Courses); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// RenameStudent updates the display name of a student.
func (s *Store) RenameStudent(ctx context.Context, studentID, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE students SET name = $1 WHERE id = $2", name, studentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %s: %w", studentID, ErrNotFound)
	}
	return nil
}

// StartSession records the start of an attendance session.
func (s *Store) StartSession(ctx context.Context, sessionID, courseID string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, course_id, started_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET course_id = EXCLUDED.course_id, ended_at = NULL
	`, sessionID, courseID, startedAt)
	return err
}

// EndSession stamps the end time of a session.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE sessions SET ended_at = $1 WHERE id = $2", endedAt, sessionID)
	return err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_events CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
		DROP TABLE IF EXISTS face_templates CASCADE;
		DROP TABLE IF EXISTS enrollments CASCADE;
		DROP TABLE IF EXISTS students CASCADE;
		DROP TABLE IF EXISTS courses CASCADE;
	`)
	return err
}

var _ roster.Source = (*Store)(nil)
var _ events.Sink = (*Store)(nil)
var _ events.Outbox = (*Store)(nil)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

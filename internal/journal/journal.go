// Package journal keeps an audit trail of recognition sessions in
// PostgreSQL. It records codes and identities only; digests never leave the
// in-memory enrollment store.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/facehash/internal/geometry"
)

// Event is one per-face outcome of one frame.
type Event struct {
	ID        int64
	SessionID string
	Seq       uint64
	Code      string
	Identity  int // -1 when unrecognized
	Score     float64
	Box       geometry.Box
	At        time.Time
}

// Session describes one run of the loop.
type Session struct {
	ID        string
	Source    string
	StartedAt time.Time
	Events    int
}

// Store manages the PostgreSQL connection.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS recognition_events (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
			frame_seq BIGINT NOT NULL,
			code TEXT NOT NULL,
			identity INT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			box_x INT NOT NULL,
			box_y INT NOT NULL,
			box_w INT NOT NULL,
			box_h INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS recognition_events_session_idx ON recognition_events (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureSession registers a session. Re-registering an id refreshes its source.
func (s *Store) EnsureSession(ctx context.Context, id, source string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (id, source, started_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source
	`, id, source)
	return err
}

// InsertEvent appends one recognition event.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO recognition_events (session_id, frame_seq, code, identity, score, box_x, box_y, box_w, box_h)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.SessionID, int64(e.Seq), e.Code, e.Identity, e.Score, e.Box.X, e.Box.Y, e.Box.W, e.Box.H)
	return err
}

// ListEvents returns events in insertion order, optionally restricted to one session.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	query := `
		SELECT id, session_id::text, frame_seq, code, identity, score, box_x, box_y, box_w, box_h, created_at
		FROM recognition_events
		WHERE ($1 = '' OR session_id::text = $1)
		ORDER BY id ASC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.conn.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var seq int64
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.Code, &e.Identity, &e.Score,
			&e.Box.X, &e.Box.Y, &e.Box.W, &e.Box.H, &e.At); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns every session with its event count, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT s.id::text, s.source, s.started_at, COUNT(e.id)
		FROM sessions s
		LEFT JOIN recognition_events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Source, &s.StartedAt, &s.Events); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Reset drops all journal tables.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS recognition_events CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}

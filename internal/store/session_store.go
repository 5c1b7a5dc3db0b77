package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CrazyForks/anyvm/internal/model"
)

// SessionStore provides data access for relay sessions and their events.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session record.
func (s *SessionStore) Create(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (id, mode, remote_addr, state, started_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Mode,
		session.RemoteAddr,
		session.State,
		session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, mode, remote_addr, state, started_at, ended_at
		FROM sessions
		WHERE id = ?
	`

	session := &model.Session{}
	var endedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Mode,
		&session.RemoteAddr,
		&session.State,
		&session.StartedAt,
		&endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}

	return session, nil
}

// List retrieves all sessions, newest first.
func (s *SessionStore) List(ctx context.Context) ([]*model.Session, error) {
	query := `
		SELECT id, mode, remote_addr, state, started_at, ended_at
		FROM sessions
		ORDER BY started_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session := &model.Session{}
		var endedAt sql.NullTime

		err := rows.Scan(
			&session.ID,
			&session.Mode,
			&session.RemoteAddr,
			&session.State,
			&session.StartedAt,
			&endedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		if endedAt.Valid {
			t := endedAt.Time
			session.EndedAt = &t
		}

		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateState updates the lifecycle state of a session. Terminal states also
// record the end timestamp.
func (s *SessionStore) UpdateState(ctx context.Context, id string, state model.SessionState) error {
	var result sql.Result
	var err error

	if state == model.SessionStateClosed {
		query := `UPDATE sessions SET state = ?, ended_at = ? WHERE id = ?`
		result, err = s.db.ExecContext(ctx, query, state, time.Now(), id)
	} else {
		query := `UPDATE sessions SET state = ? WHERE id = ?`
		result, err = s.db.ExecContext(ctx, query, state, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// AddEvent appends a lifecycle event for a session.
func (s *SessionStore) AddEvent(ctx context.Context, sessionID, kind, detail string) error {
	query := `INSERT INTO events (session_id, kind, detail) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, sessionID, kind, detail)
	if err != nil {
		return fmt.Errorf("failed to add event: %w", err)
	}

	return nil
}

// CountActive returns the number of sessions not yet closed.
func (s *SessionStore) CountActive(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE state != ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, model.SessionStateClosed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}

	return count, nil
}

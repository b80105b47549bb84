package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CallSession is the persisted state of a call-assistant session. The
// assist package writes the connection state and last delivered transcript
// sequence here so a restarted session resumes where it left off.
type CallSession struct {
	ID        string    `json:"id"`
	ProjectID int64     `json:"project_id"`
	State     string    `json:"state"`
	LastSeq   int64     `json:"last_seq"`
	Retries   int       `json:"retries"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertCallSession inserts the session or updates its state, last_seq,
// and retries when it already exists.
func (s *Store) UpsertCallSession(ctx context.Context, sess CallSession) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("store: session id is required")
	}
	if sess.ProjectID == 0 {
		return fmt.Errorf("store: session project_id is required")
	}

	now := time.Now().UTC()
	started := sess.StartedAt
	if started.IsZero() {
		started = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (id, project_id, state, last_seq, retries, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_seq = excluded.last_seq,
			retries = excluded.retries,
			updated_at = excluded.updated_at;`,
		sess.ID, sess.ProjectID, sess.State, sess.LastSeq, sess.Retries, started, now,
	)
	if err != nil {
		return fmt.Errorf("upsert call session: %w", err)
	}
	return nil
}

// GetCallSession loads a session by id.
func (s *Store) GetCallSession(ctx context.Context, id string) (CallSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, state, last_seq, retries, started_at, updated_at
		FROM call_sessions WHERE id = ?;`, id)

	var sess CallSession
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.State, &sess.LastSeq,
		&sess.Retries, &sess.StartedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallSession{}, fmt.Errorf("call session %q: %w", id, ErrNotFound)
		}
		return CallSession{}, fmt.Errorf("get call session: %w", err)
	}
	return sess, nil
}

// ListCallSessions returns a project's sessions, most recently updated
// first.
func (s *Store) ListCallSessions(ctx context.Context, projectID int64) ([]CallSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, state, last_seq, retries, started_at, updated_at
		FROM call_sessions WHERE project_id = ?
		ORDER BY updated_at DESC, id ASC;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list call sessions: %w", err)
	}
	defer rows.Close()

	var sessions []CallSession
	for rows.Next() {
		var sess CallSession
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.State, &sess.LastSeq,
			&sess.Retries, &sess.StartedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan call session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list call sessions: %w", err)
	}
	return sessions, nil
}

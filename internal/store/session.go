package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord describes one proxied SSH session.
type SessionRecord struct {
	ID          string     `json:"id" yaml:"id"`
	Sandbox     string     `json:"sandbox" yaml:"sandbox"`
	Fingerprint string     `json:"fingerprint" yaml:"fingerprint"`
	RemoteAddr  string     `json:"remote_addr" yaml:"remote_addr"`
	Command     string     `json:"command,omitempty" yaml:"command,omitempty"`
	LogPath     string     `json:"log_path" yaml:"log_path"`
	BytesOut    int64      `json:"bytes_out" yaml:"bytes_out"`
	ExitStatus  *int       `json:"exit_status,omitempty" yaml:"exit_status,omitempty"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore() *SessionStore {
	return &SessionStore{db: DB}
}

func (s *SessionStore) Start(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_sessions (id, sandbox, fingerprint, remote_addr, command, log_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Sandbox, rec.Fingerprint, rec.RemoteAddr, rec.Command, rec.LogPath, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

func (s *SessionStore) Finish(ctx context.Context, id string, bytesOut int64, exitStatus *int, endedAt time.Time) error {
	var exit any
	if exitStatus != nil {
		exit = *exitStatus
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_sessions SET bytes_out = ?, exit_status = ?, ended_at = ? WHERE id = ?
	`, bytesOut, exit, endedAt, id)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sandbox, fingerprint, remote_addr, command, log_path, bytes_out, exit_status, started_at, ended_at
		FROM proxy_sessions WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListBySandbox returns sessions newest first.
func (s *SessionStore) ListBySandbox(ctx context.Context, sandbox string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sandbox, fingerprint, remote_addr, command, log_path, bytes_out, exit_status, started_at, ended_at
		FROM proxy_sessions WHERE sandbox = ?
		ORDER BY started_at DESC LIMIT ?
	`, sandbox, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	items := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		items = append(items, *rec)
	}
	return items, rows.Err()
}

func (s *SessionStore) DeleteBySandbox(ctx context.Context, sandbox string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM proxy_sessions WHERE sandbox = ?`, sandbox); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var exit sql.NullInt64
	var ended sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Sandbox, &rec.Fingerprint, &rec.RemoteAddr, &rec.Command, &rec.LogPath, &rec.BytesOut, &exit, &rec.StartedAt, &ended); err != nil {
		return nil, err
	}
	if exit.Valid {
		v := int(exit.Int64)
		rec.ExitStatus = &v
	}
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

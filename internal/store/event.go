package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	ActionCreate  = "create"
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionRemove  = "rm"
	ActionNuke    = "nuke"
	ActionSetNet  = "set-net"
	ActionSync    = "keys-sync"
	ActionRepair  = "reconcile"
)

// EventRecord is one lifecycle transition in the audit ledger.
type EventRecord struct {
	ID        int64     `json:"id" yaml:"id"`
	Sandbox   string    `json:"sandbox" yaml:"sandbox"`
	Action    string    `json:"action" yaml:"action"`
	FromMode  string    `json:"from_mode,omitempty" yaml:"from_mode,omitempty"`
	ToMode    string    `json:"to_mode,omitempty" yaml:"to_mode,omitempty"`
	Enforced  bool      `json:"enforced" yaml:"enforced"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	OpID      string    `json:"op_id,omitempty" yaml:"op_id,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type EventStore struct {
	db *sql.DB
}

func NewEventStore() *EventStore {
	return &EventStore{db: DB}
}

func (s *EventStore) Append(ctx context.Context, rec *EventRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_events (sandbox, action, from_mode, to_mode, enforced, detail, op_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Sandbox, rec.Action, rec.FromMode, rec.ToMode, rec.Enforced, rec.Detail, rec.OpID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append sandbox event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// List returns the newest events first. An empty sandbox lists every sandbox.
func (s *EventStore) List(ctx context.Context, sandbox string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, sandbox, action, from_mode, to_mode, enforced, detail, op_id, created_at
		FROM sandbox_events`
	args := []any{}
	if sandbox != "" {
		query += " WHERE sandbox = ?"
		args = append(args, sandbox)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox events: %w", err)
	}
	defer rows.Close()

	items := []EventRecord{}
	for rows.Next() {
		var item EventRecord
		if err := rows.Scan(&item.ID, &item.Sandbox, &item.Action, &item.FromMode, &item.ToMode, &item.Enforced, &item.Detail, &item.OpID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sandbox events: %w", err)
	}
	return items, nil
}

// Purge deletes all events and returns the number of rows removed.
func (s *EventStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_events`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sandbox events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

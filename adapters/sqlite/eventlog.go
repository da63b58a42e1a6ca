package sqlite

import (
	"context"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// EventLog implements ports.EventLog with the enforcement_events table.
type EventLog struct {
	db *DB
}

// NewEventLog creates a new SQLite event log.
func NewEventLog(db *DB) *EventLog {
	return &EventLog{db: db}
}

// Append records one transition.
func (l *EventLog) Append(ctx context.Context, t quota.Transition) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO enforcement_events (account_id, from_state, to_state, reason, metric, percentage, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.AccountID, string(t.From), string(t.To), t.Reason, string(t.Metric), t.Percentage, formatTime(t.At))
	if err != nil {
		return unavailable("append event", err)
	}
	return nil
}

// List returns the latest transitions of an account, newest first.
func (l *EventLog) List(ctx context.Context, accountID string, limit int) ([]quota.Transition, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT from_state, to_state, reason, metric, percentage, occurred_at
		FROM enforcement_events WHERE account_id = ?
		ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, unavailable("list events", err)
	}
	defer rows.Close()

	var out []quota.Transition
	for rows.Next() {
		var from, to, metric, at string
		t := quota.Transition{AccountID: accountID}
		if err := rows.Scan(&from, &to, &t.Reason, &metric, &t.Percentage, &at); err != nil {
			return nil, unavailable("scan event", err)
		}
		t.From, t.To, t.Metric = quota.State(from), quota.State(to), quota.Metric(metric)
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.EventLog = (*EventLog)(nil)

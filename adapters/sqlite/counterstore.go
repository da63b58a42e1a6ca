package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// CounterStore implements ports.CounterStore with SQLite.
// Each increment is a single upsert statement, so concurrent writers never
// lose updates. Rollover runs in one transaction.
type CounterStore struct {
	db    *DB
	clock ports.Clock
}

// NewCounterStore creates a new SQLite counter store.
func NewCounterStore(db *DB, clock ports.Clock) *CounterStore {
	return &CounterStore{db: db, clock: clock}
}

// Increment atomically adds by to a counter in the account's live period.
func (s *CounterStore) Increment(ctx context.Context, accountID string, m quota.Metric, by int64) (int64, error) {
	if !m.Valid() {
		return 0, fmt.Errorf("%w: %q", quota.ErrInvalidMetric, m)
	}
	if by <= 0 {
		return 0, quota.ErrInvalidAmount
	}

	now := s.clock.Now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO account_periods (account_id, period_start) VALUES (?, ?)`,
		accountID, formatTime(quota.PeriodStart(now))); err != nil {
		return 0, unavailable("increment", err)
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (account_id, metric, period_start, count, updated_at)
		VALUES (?, ?, (SELECT period_start FROM account_periods WHERE account_id = ?), ?, ?)
		ON CONFLICT(account_id, metric, period_start) DO UPDATE SET
			count = count + excluded.count,
			updated_at = excluded.updated_at
		WHERE usage_counters.count <= ? - excluded.count
		RETURNING count
	`, accountID, string(m), accountID, by, formatTime(now), int64(math.MaxInt64)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		// the guard skipped the update
		return 0, fmt.Errorf("%w: %s counter would overflow", quota.ErrInvalidAmount, m)
	}
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return count, nil
}

// Get returns one counter of the live period.
func (s *CounterStore) Get(ctx context.Context, accountID string, m quota.Metric) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT uc.count FROM usage_counters uc
		JOIN account_periods ap ON ap.account_id = uc.account_id AND ap.period_start = uc.period_start
		WHERE uc.account_id = ? AND uc.metric = ?
	`, accountID, string(m)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get counter", err)
	}
	return count, nil
}

// GetAll returns every counter of the live period.
func (s *CounterStore) GetAll(ctx context.Context, accountID string) (map[quota.Metric]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uc.metric, uc.count FROM usage_counters uc
		JOIN account_periods ap ON ap.account_id = uc.account_id AND ap.period_start = uc.period_start
		WHERE uc.account_id = ?
	`, accountID)
	if err != nil {
		return nil, unavailable("get counters", err)
	}
	defer rows.Close()

	out := make(map[quota.Metric]int64)
	for rows.Next() {
		var metric string
		var count int64
		if err := rows.Scan(&metric, &count); err != nil {
			return nil, unavailable("scan counter", err)
		}
		out[quota.Metric(metric)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get counters", err)
	}
	return out, nil
}

// Rollover archives the live period and starts a new one at periodStart.
func (s *CounterStore) Rollover(ctx context.Context, accountID string, periodStart time.Time) (quota.PeriodUsage, error) {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.PeriodUsage{}, unavailable("rollover", err)
	}
	defer tx.Rollback()

	var oldStart string
	err = tx.QueryRowContext(ctx,
		`SELECT period_start FROM account_periods WHERE account_id = ?`, accountID).Scan(&oldStart)
	if err == sql.ErrNoRows {
		oldStart = formatTime(quota.PeriodStart(now))
	} else if err != nil {
		return quota.PeriodUsage{}, unavailable("rollover", err)
	}

	counts := make(map[quota.Metric]int64)
	rows, err := tx.QueryContext(ctx,
		`SELECT metric, count FROM usage_counters WHERE account_id = ? AND period_start = ?`, accountID, oldStart)
	if err != nil {
		return quota.PeriodUsage{}, unavailable("rollover", err)
	}
	for rows.Next() {
		var metric string
		var count int64
		if err := rows.Scan(&metric, &count); err != nil {
			rows.Close()
			return quota.PeriodUsage{}, unavailable("rollover", err)
		}
		counts[quota.Metric(metric)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return quota.PeriodUsage{}, unavailable("rollover", err)
	}

	encoded, err := json.Marshal(counts)
	if err != nil {
		return quota.PeriodUsage{}, fmt.Errorf("encode counts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_history (account_id, period_start, period_end, counts, archived_at)
		VALUES (?, ?, ?, ?, ?)
	`, accountID, oldStart, formatTime(periodStart), string(encoded), formatTime(now)); err != nil {
		return quota.PeriodUsage{}, unavailable("archive counters", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM usage_counters WHERE account_id = ? AND period_start = ?`, accountID, oldStart); err != nil {
		return quota.PeriodUsage{}, unavailable("reset counters", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_periods (account_id, period_start) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET period_start = excluded.period_start
	`, accountID, formatTime(periodStart)); err != nil {
		return quota.PeriodUsage{}, unavailable("advance period", err)
	}
	if err := tx.Commit(); err != nil {
		return quota.PeriodUsage{}, unavailable("rollover", err)
	}

	start, err := parseTime(oldStart)
	if err != nil {
		return quota.PeriodUsage{}, fmt.Errorf("parse period start: %w", err)
	}
	return quota.PeriodUsage{
		AccountID:   accountID,
		PeriodStart: start,
		PeriodEnd:   periodStart,
		Counts:      counts,
		ArchivedAt:  now,
	}, nil
}

// History returns archived periods, newest first.
func (s *CounterStore) History(ctx context.Context, accountID string, limit int) ([]quota.PeriodUsage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT period_start, period_end, counts, archived_at
		FROM usage_history WHERE account_id = ?
		ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, unavailable("usage history", err)
	}
	defer rows.Close()

	var out []quota.PeriodUsage
	for rows.Next() {
		var start, end, counts, archived string
		if err := rows.Scan(&start, &end, &counts, &archived); err != nil {
			return nil, unavailable("scan history", err)
		}
		p := quota.PeriodUsage{AccountID: accountID}
		if p.PeriodStart, err = parseTime(start); err != nil {
			return nil, err
		}
		if p.PeriodEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		if p.ArchivedAt, err = parseTime(archived); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(counts), &p.Counts); err != nil {
			return nil, fmt.Errorf("decode counts: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Periods lists every account with live counters.
func (s *CounterStore) Periods(ctx context.Context) ([]ports.AccountPeriod, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, period_start FROM account_periods ORDER BY account_id`)
	if err != nil {
		return nil, unavailable("list periods", err)
	}
	defer rows.Close()

	var out []ports.AccountPeriod
	for rows.Next() {
		var p ports.AccountPeriod
		var start string
		if err := rows.Scan(&p.AccountID, &start); err != nil {
			return nil, unavailable("scan period", err)
		}
		if p.PeriodStart, err = parseTime(start); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// RecordStore implements ports.RecordStore with SQLite.
// Writes are compare-and-swap on the version column.
type RecordStore struct {
	db *DB
}

// NewRecordStore creates a new SQLite record store.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// utilizationRow is the stored form of one triggered metric.
type utilizationRow struct {
	Metric      quota.Metric `json:"metric"`
	Used        int64        `json:"used"`
	Limit       int64        `json:"limit"`
	Percentage  float64      `json:"percentage"`
	Approaching bool         `json:"approaching"`
	Exceeded    bool         `json:"exceeded"`
}

// Get returns the stored record or the implicit ACTIVE record.
func (s *RecordStore) Get(ctx context.Context, accountID string) (quota.Record, error) {
	var (
		state, reason, triggered, evaluatedAt          string
		warnAt, graceAt, graceEnds, degradedAt, suspAt sql.NullString
		version                                        int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, warn_entered_at, grace_entered_at, grace_ends_at, degraded_entered_at,
		       suspended_at, suspend_reason, triggered_metrics, evaluated_at, version
		FROM enforcement_records WHERE account_id = ?
	`, accountID).Scan(&state, &warnAt, &graceAt, &graceEnds, &degradedAt,
		&suspAt, &reason, &triggered, &evaluatedAt, &version)
	if err == sql.ErrNoRows {
		return quota.NewRecord(accountID), nil
	}
	if err != nil {
		return quota.Record{}, unavailable("get record", err)
	}

	rec := quota.Record{AccountID: accountID, SuspendReason: reason, Version: version}
	if rec.State, err = quota.ParseState(state); err != nil {
		return quota.Record{}, err
	}
	if rec.WarnEnteredAt, err = parseNullTime(warnAt); err != nil {
		return quota.Record{}, err
	}
	if rec.GraceEnteredAt, err = parseNullTime(graceAt); err != nil {
		return quota.Record{}, err
	}
	if rec.GraceEndsAt, err = parseNullTime(graceEnds); err != nil {
		return quota.Record{}, err
	}
	if rec.DegradedEnteredAt, err = parseNullTime(degradedAt); err != nil {
		return quota.Record{}, err
	}
	if rec.SuspendedAt, err = parseNullTime(suspAt); err != nil {
		return quota.Record{}, err
	}
	if rec.EvaluatedAt, err = parseTime(evaluatedAt); err != nil {
		return quota.Record{}, err
	}

	var rows []utilizationRow
	if err := json.Unmarshal([]byte(triggered), &rows); err != nil {
		return quota.Record{}, fmt.Errorf("decode triggered metrics: %w", err)
	}
	for _, r := range rows {
		rec.TriggeredMetrics = append(rec.TriggeredMetrics, quota.Utilization(r))
	}
	return rec, nil
}

// Save writes rec if the stored version equals rec.Version.
func (s *RecordStore) Save(ctx context.Context, rec quota.Record) (quota.Record, error) {
	if rec.AccountID == "" {
		return quota.Record{}, quota.ErrAccountRequired
	}

	rows := make([]utilizationRow, len(rec.TriggeredMetrics))
	for i, u := range rec.TriggeredMetrics {
		rows[i] = utilizationRow(u)
	}
	triggered, err := json.Marshal(rows)
	if err != nil {
		return quota.Record{}, fmt.Errorf("encode triggered metrics: %w", err)
	}

	args := []any{
		string(rec.State),
		formatNullTime(rec.WarnEnteredAt),
		formatNullTime(rec.GraceEnteredAt),
		formatNullTime(rec.GraceEndsAt),
		formatNullTime(rec.DegradedEnteredAt),
		formatNullTime(rec.SuspendedAt),
		rec.SuspendReason,
		string(triggered),
		formatTime(rec.EvaluatedAt),
	}

	var res sql.Result
	if rec.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO enforcement_records (state, warn_entered_at, grace_entered_at, grace_ends_at,
				degraded_entered_at, suspended_at, suspend_reason, triggered_metrics, evaluated_at,
				account_id, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(account_id) DO NOTHING
		`, append(args, rec.AccountID)...)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE enforcement_records SET state = ?, warn_entered_at = ?, grace_entered_at = ?,
				grace_ends_at = ?, degraded_entered_at = ?, suspended_at = ?, suspend_reason = ?,
				triggered_metrics = ?, evaluated_at = ?, version = version + 1
			WHERE account_id = ? AND version = ?
		`, append(args, rec.AccountID, rec.Version)...)
	}
	if err != nil {
		return quota.Record{}, unavailable("save record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quota.Record{}, unavailable("save record", err)
	}
	if n == 0 {
		return quota.Record{}, fmt.Errorf("account %s at version %d: %w", rec.AccountID, rec.Version, quota.ErrTransitionConflict)
	}

	saved := rec.Clone()
	saved.Version = rec.Version + 1
	return saved, nil
}

// Ensure interface compliance.
var _ ports.RecordStore = (*RecordStore)(nil)

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// PlanStore implements ports.PlanCatalog backed by the plans, plan_limits
// and account_plans tables.
type PlanStore struct {
	db    *DB
	clock ports.Clock
}

// NewPlanStore creates a new SQLite plan store.
func NewPlanStore(db *DB, clock ports.Clock) *PlanStore {
	return &PlanStore{db: db, clock: clock}
}

// GetLimits returns the limits of the account's plan, falling back to the
// default plan when the account has no assignment.
func (s *PlanStore) GetLimits(ctx context.Context, accountID string) (quota.PlanLimits, error) {
	var planID string
	var pri int
	err := s.db.QueryRowContext(ctx, `
		SELECT plan_id, 0 AS pri FROM account_plans WHERE account_id = ?
		UNION ALL
		SELECT id, 1 AS pri FROM plans WHERE is_default = 1
		ORDER BY pri LIMIT 1
	`, accountID).Scan(&planID, &pri)
	if err == sql.ErrNoRows {
		return quota.PlanLimits{}, fmt.Errorf("account %s: %w", accountID, quota.ErrPlanNotFound)
	}
	if err != nil {
		return quota.PlanLimits{}, unavailable("resolve plan", err)
	}
	return s.GetPlan(ctx, planID)
}

// GetPlan returns the limits of one plan.
func (s *PlanStore) GetPlan(ctx context.Context, planID string) (quota.PlanLimits, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE id = ?`, planID).Scan(&exists)
	if err == sql.ErrNoRows {
		return quota.PlanLimits{}, fmt.Errorf("plan %s: %w", planID, quota.ErrPlanNotFound)
	}
	if err != nil {
		return quota.PlanLimits{}, unavailable("get plan", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT metric, limit_value FROM plan_limits WHERE plan_id = ?`, planID)
	if err != nil {
		return quota.PlanLimits{}, unavailable("get plan limits", err)
	}
	defer rows.Close()

	p := quota.PlanLimits{PlanID: planID, Limits: make(map[quota.Metric]int64)}
	for rows.Next() {
		var metric string
		var limit int64
		if err := rows.Scan(&metric, &limit); err != nil {
			return quota.PlanLimits{}, unavailable("scan plan limit", err)
		}
		p.Limits[quota.Metric(metric)] = limit
	}
	if err := rows.Err(); err != nil {
		return quota.PlanLimits{}, unavailable("get plan limits", err)
	}
	return p, nil
}

// UpsertPlan replaces a plan and all of its limits.
func (s *PlanStore) UpsertPlan(ctx context.Context, p quota.PlanLimits, name string, isDefault bool) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("upsert plan", err)
	}
	defer tx.Rollback()

	if isDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET is_default = 0 WHERE id != ?`, p.PlanID); err != nil {
			return unavailable("upsert plan", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plans (id, name, is_default, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_default = excluded.is_default
	`, p.PlanID, name, isDefault, formatTime(s.clock.Now())); err != nil {
		return unavailable("upsert plan", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_limits WHERE plan_id = ?`, p.PlanID); err != nil {
		return unavailable("upsert plan", err)
	}
	for m, limit := range p.Limits {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_limits (plan_id, metric, limit_value) VALUES (?, ?, ?)`,
			p.PlanID, string(m), limit); err != nil {
			return unavailable("upsert plan limit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("upsert plan", err)
	}
	return nil
}

// AssignPlan puts an account on a plan.
func (s *PlanStore) AssignPlan(ctx context.Context, accountID, planID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_plans (account_id, plan_id)
		SELECT ?, id FROM plans WHERE id = ?
		ON CONFLICT(account_id) DO UPDATE SET plan_id = excluded.plan_id
	`, accountID, planID)
	if err != nil {
		return unavailable("assign plan", err)
	}
	var assigned string
	err = s.db.QueryRowContext(ctx, `SELECT plan_id FROM account_plans WHERE account_id = ?`, accountID).Scan(&assigned)
	if err == sql.ErrNoRows || (err == nil && assigned != planID) {
		return fmt.Errorf("plan %s: %w", planID, quota.ErrPlanNotFound)
	}
	if err != nil {
		return unavailable("assign plan", err)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.PlanCatalog = (*PlanStore)(nil)

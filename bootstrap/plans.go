package bootstrap

import (
	"context"
	"fmt"

	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/adapters/sqlite"
	"github.com/artpar/quotagate/config"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/hashicorp/go-multierror"
)

// planSeeder loads configured plans into a local catalog.
type planSeeder interface {
	SetPlan(ctx context.Context, p quota.PlanLimits, name string, isDefault bool) error
	Assign(ctx context.Context, accountID, planID string) error
	Catalog() ports.PlanCatalog
}

type sqlitePlanSeeder struct {
	store *sqlite.PlanStore
}

func (s sqlitePlanSeeder) SetPlan(ctx context.Context, p quota.PlanLimits, name string, isDefault bool) error {
	return s.store.UpsertPlan(ctx, p, name, isDefault)
}

func (s sqlitePlanSeeder) Assign(ctx context.Context, accountID, planID string) error {
	return s.store.AssignPlan(ctx, accountID, planID)
}

func (s sqlitePlanSeeder) Catalog() ports.PlanCatalog { return s.store }

type memoryPlanSeeder struct {
	catalog *memory.PlanCatalog
}

func (s memoryPlanSeeder) SetPlan(ctx context.Context, p quota.PlanLimits, name string, isDefault bool) error {
	if err := s.catalog.SetPlan(p); err != nil {
		return err
	}
	if isDefault {
		s.catalog.SetDefaultPlan(p.PlanID)
	}
	return nil
}

func (s memoryPlanSeeder) Assign(ctx context.Context, accountID, planID string) error {
	return s.catalog.Assign(accountID, planID)
}

func (s memoryPlanSeeder) Catalog() ports.PlanCatalog { return s.catalog }

// seedPlans writes every configured plan and assignment. Plans go first so
// assignments can reference them.
func seedPlans(ctx context.Context, s planSeeder, cfg config.CatalogConfig) error {
	plans, err := cfg.PlanLimits()
	if err != nil {
		return err
	}
	names := make(map[string]string, len(cfg.Plans))
	for _, p := range cfg.Plans {
		names[p.ID] = p.Name
	}

	var result *multierror.Error
	for _, p := range plans {
		name := names[p.PlanID]
		if name == "" {
			name = p.PlanID
		}
		if err := s.SetPlan(ctx, p, name, p.PlanID == cfg.DefaultPlan); err != nil {
			result = multierror.Append(result, fmt.Errorf("plan %s: %w", p.PlanID, err))
		}
	}
	for account, planID := range cfg.Accounts {
		if err := s.Assign(ctx, account, planID); err != nil {
			result = multierror.Append(result, fmt.Errorf("account %s: %w", account, err))
		}
	}
	return result.ErrorOrNil()
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// PlanCatalog is a static in-memory plan catalog, typically loaded from
// the configuration file.
type PlanCatalog struct {
	mu          sync.RWMutex
	plans       map[string]quota.PlanLimits
	assignments map[string]string // account -> plan
	defaultPlan string
}

// NewPlanCatalog creates an empty catalog. defaultPlan, when set, applies
// to accounts without an explicit assignment.
func NewPlanCatalog(defaultPlan string) *PlanCatalog {
	return &PlanCatalog{
		plans:       make(map[string]quota.PlanLimits),
		assignments: make(map[string]string),
		defaultPlan: defaultPlan,
	}
}

// SetPlan adds or replaces a plan.
func (c *PlanCatalog) SetPlan(p quota.PlanLimits) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[p.PlanID] = clonePlan(p)
	return nil
}

// SetDefaultPlan changes the plan of accounts without an assignment.
func (c *PlanCatalog) SetDefaultPlan(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultPlan = planID
}

// Assign puts an account on a plan.
func (c *PlanCatalog) Assign(accountID, planID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plans[planID]; !ok {
		return fmt.Errorf("plan %q: %w", planID, quota.ErrPlanNotFound)
	}
	c.assignments[accountID] = planID
	return nil
}

// GetLimits returns the plan limits of an account.
func (c *PlanCatalog) GetLimits(ctx context.Context, accountID string) (quota.PlanLimits, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	planID, ok := c.assignments[accountID]
	if !ok {
		planID = c.defaultPlan
	}
	p, ok := c.plans[planID]
	if !ok {
		return quota.PlanLimits{}, fmt.Errorf("account %s: %w", accountID, quota.ErrPlanNotFound)
	}
	return p, nil
}

func clonePlan(p quota.PlanLimits) quota.PlanLimits {
	limits := make(map[quota.Metric]int64, len(p.Limits))
	for m, n := range p.Limits {
		limits[m] = n
	}
	return quota.PlanLimits{PlanID: p.PlanID, Limits: limits}
}

// Ensure interface compliance.
var _ ports.PlanCatalog = (*PlanCatalog)(nil)

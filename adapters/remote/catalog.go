package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// limitsResponse is the wire format of GET /accounts/{id}/limits.
// A null or missing limit means unlimited.
type limitsResponse struct {
	PlanID string            `json:"planId"`
	Limits map[string]*int64 `json:"limits"`
}

// PlanCatalog resolves plan limits from a remote plan service.
type PlanCatalog struct {
	client *Client
}

// NewPlanCatalog creates a remote plan catalog.
func NewPlanCatalog(client *Client) *PlanCatalog {
	return &PlanCatalog{client: client}
}

// GetLimits fetches the account's plan limits. A 404 maps to
// quota.ErrPlanNotFound, other failures to quota.ErrStorageUnavailable.
// Unknown metric names are ignored so the catalog may add metrics first.
func (c *PlanCatalog) GetLimits(ctx context.Context, accountID string) (quota.PlanLimits, error) {
	var resp limitsResponse
	path := "/accounts/" + url.PathEscape(accountID) + "/limits"
	if err := c.client.Request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if IsNotFound(err) {
			return quota.PlanLimits{}, fmt.Errorf("account %s: %w", accountID, quota.ErrPlanNotFound)
		}
		return quota.PlanLimits{}, fmt.Errorf("plan catalog: %w: %w", quota.ErrStorageUnavailable, err)
	}

	p := quota.PlanLimits{PlanID: resp.PlanID, Limits: make(map[quota.Metric]int64)}
	for name, limit := range resp.Limits {
		m := quota.Metric(name)
		if !m.Valid() || limit == nil {
			continue
		}
		p.Limits[m] = *limit
	}
	return p, nil
}

// Ensure interface compliance.
var _ ports.PlanCatalog = (*PlanCatalog)(nil)

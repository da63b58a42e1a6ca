package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/erni27/imcache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultCatalogTTL is how long resolved plan limits are reused.
const DefaultCatalogTTL = 30 * time.Second

type catalogEntry struct {
	limits   quota.PlanLimits
	notFound bool
}

// CachedCatalog wraps a PlanCatalog with a short-lived cache. Concurrent
// misses for one account share a single upstream call. Missing plans are
// cached too; upstream errors are not.
type CachedCatalog struct {
	next   ports.PlanCatalog
	cache  *imcache.Cache[string, catalogEntry]
	group  singleflight.Group
	ttl    atomic.Int64
	logger zerolog.Logger
}

// NewCachedCatalog creates a caching catalog (ttl <= 0 uses DefaultCatalogTTL).
func NewCachedCatalog(next ports.PlanCatalog, ttl time.Duration, logger zerolog.Logger) *CachedCatalog {
	c := &CachedCatalog{
		next:   next,
		cache:  imcache.New[string, catalogEntry](),
		logger: logger,
	}
	c.SetTTL(ttl)
	return c
}

// SetTTL changes the expiration of entries cached from now on.
func (c *CachedCatalog) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	c.ttl.Store(int64(ttl))
}

// Invalidate drops the cached limits of one account.
func (c *CachedCatalog) Invalidate(accountID string) {
	c.cache.Remove(accountID)
}

// Purge drops every cached entry.
func (c *CachedCatalog) Purge() {
	c.cache.RemoveAll()
}

// GetLimits returns the plan limits of the account.
func (c *CachedCatalog) GetLimits(ctx context.Context, accountID string) (quota.PlanLimits, error) {
	if e, ok := c.cache.Get(accountID); ok {
		return e.result(accountID)
	}

	v, err, shared := c.group.Do(accountID, func() (any, error) {
		// the call outlives a cancelled waiter; other waiters share it
		limits, err := c.next.GetLimits(context.WithoutCancel(ctx), accountID)
		var e catalogEntry
		switch {
		case errors.Is(err, quota.ErrPlanNotFound):
			e.notFound = true
		case err != nil:
			return nil, err
		default:
			e.limits = limits
		}
		c.cache.Set(accountID, e, imcache.WithExpiration(time.Duration(c.ttl.Load())))
		return e, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("account_id", accountID).Bool("shared", shared).Msg("plan lookup failed")
		return quota.PlanLimits{}, err
	}
	return v.(catalogEntry).result(accountID)
}

func (e catalogEntry) result(accountID string) (quota.PlanLimits, error) {
	if e.notFound {
		return quota.PlanLimits{}, fmt.Errorf("account %s: %w", accountID, quota.ErrPlanNotFound)
	}
	return e.limits, nil
}

// Ensure interface compliance.
var _ ports.PlanCatalog = (*CachedCatalog)(nil)

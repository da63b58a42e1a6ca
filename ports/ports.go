// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/quotagate/domain/quota"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher provides token hashing.
type Hasher interface {
	// Hash generates a hash from a plaintext value.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// AccountPeriod names the billing period an account's live counters belong to.
type AccountPeriod struct {
	AccountID   string
	PeriodStart time.Time
}

// CounterStore persists per-account, per-metric usage counters for the
// current billing period.
type CounterStore interface {
	// Increment atomically adds by to the counter and returns the new value.
	// Concurrent increments of the same counter never lose updates.
	Increment(ctx context.Context, accountID string, m quota.Metric, by int64) (int64, error)

	// Get returns the current value of one counter (0 if never incremented).
	Get(ctx context.Context, accountID string, m quota.Metric) (int64, error)

	// GetAll returns every non-zero counter of the account.
	GetAll(ctx context.Context, accountID string) (map[quota.Metric]int64, error)

	// Rollover archives the live counters of the account and starts a new
	// period at periodStart with all counters at zero. It is serialized
	// against Increment for the same account.
	Rollover(ctx context.Context, accountID string, periodStart time.Time) (quota.PeriodUsage, error)

	// History returns archived periods, newest first.
	History(ctx context.Context, accountID string, limit int) ([]quota.PeriodUsage, error)

	// Periods lists every account with live counters and its period start.
	Periods(ctx context.Context) ([]AccountPeriod, error)
}

// RecordStore persists enforcement records.
type RecordStore interface {
	// Get returns the record for an account, or the implicit ACTIVE record
	// with Version 0 when none has been saved yet.
	Get(ctx context.Context, accountID string) (quota.Record, error)

	// Save writes rec if the stored version still equals rec.Version and
	// returns the record with its new version. A stale version yields
	// quota.ErrTransitionConflict.
	Save(ctx context.Context, rec quota.Record) (quota.Record, error)
}

// EventLog persists the transition history of accounts.
type EventLog interface {
	// Append records one transition.
	Append(ctx context.Context, t quota.Transition) error

	// List returns the latest transitions of an account, newest first.
	List(ctx context.Context, accountID string, limit int) ([]quota.Transition, error)
}

// -----------------------------------------------------------------------------
// External Service Ports
// -----------------------------------------------------------------------------

// PlanCatalog resolves the plan limits of an account.
// It returns quota.ErrPlanNotFound when the account has no plan.
type PlanCatalog interface {
	GetLimits(ctx context.Context, accountID string) (quota.PlanLimits, error)
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// TransitionPublisher delivers state-transition events to interested parties
// such as the alerting system.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, t quota.Transition)
}

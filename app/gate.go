// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/erni27/imcache"
	"github.com/rs/zerolog"
)

// FailMode decides what CheckQuota answers when storage cannot be read.
type FailMode string

const (
	// FailOpen allows writes while storage is unavailable.
	FailOpen FailMode = "open"
	// FailClosed denies writes while storage is unavailable.
	FailClosed FailMode = "closed"
)

// Valid reports whether f is a known fail mode.
func (f FailMode) Valid() bool {
	return f == FailOpen || f == FailClosed
}

// GateDeps contains dependencies for Gate.
type GateDeps struct {
	Counters  ports.CounterStore
	Records   ports.RecordStore
	Catalog   ports.PlanCatalog
	Publisher ports.TransitionPublisher // optional
	Clock     ports.Clock
	Metrics   *metrics.Collector // optional
	Logger    zerolog.Logger
}

// GateConfig contains configuration for Gate.
// LockShards is static; everything else can be swapped with UpdateConfig.
type GateConfig struct {
	Thresholds    quota.Thresholds
	GraceDuration time.Duration
	FailMode      FailMode
	// StrictMetrics turns an unknown metric into a panic instead of a Deny.
	StrictMetrics bool
	MinSampleRate int
	// CheckTimeout bounds one CheckQuota call (0 = no bound).
	CheckTimeout time.Duration
	// MaxConflictRetries bounds the retries of a conflicting record write.
	MaxConflictRetries int
	// StatusCacheTTL is how long a last-known-good status is served while
	// storage is down.
	StatusCacheTTL time.Duration
	LockShards     int
}

// DefaultGateConfig returns 80/100 thresholds, a 24h grace period and
// fail-open behaviour.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Thresholds:         quota.DefaultThresholds(),
		GraceDuration:      quota.DefaultGraceDuration,
		FailMode:           FailOpen,
		MinSampleRate:      quota.DefaultMinSampleRate,
		CheckTimeout:       250 * time.Millisecond,
		MaxConflictRetries: 5,
		StatusCacheTTL:     time.Hour,
		LockShards:         256,
	}
}

func (c GateConfig) withDefaults() GateConfig {
	def := DefaultGateConfig()
	if c.Thresholds == (quota.Thresholds{}) {
		c.Thresholds = def.Thresholds
	}
	if c.GraceDuration <= 0 {
		c.GraceDuration = def.GraceDuration
	}
	if c.FailMode == "" {
		c.FailMode = def.FailMode
	}
	if c.MinSampleRate < 2 {
		c.MinSampleRate = def.MinSampleRate
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = def.MaxConflictRetries
	}
	if c.StatusCacheTTL <= 0 {
		c.StatusCacheTTL = def.StatusCacheTTL
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c GateConfig) Validate() error {
	c = c.withDefaults()
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if !c.FailMode.Valid() {
		return fmt.Errorf("invalid fail mode %q", c.FailMode)
	}
	return nil
}

// Gate is the entry point of the engine. It evaluates accounts, advances
// their enforcement state and answers quota checks.
type Gate struct {
	counters  ports.CounterStore
	records   ports.RecordStore
	catalog   ports.PlanCatalog
	publisher ports.TransitionPublisher
	clock     ports.Clock
	metrics   *metrics.Collector
	logger    zerolog.Logger

	locks    *accountLocks
	lastGood *imcache.Cache[string, Status]

	// Dynamic configuration (hot-reloadable)
	cfg atomic.Pointer[GateConfig]
}

// NewGate creates a new gate.
func NewGate(deps GateDeps, cfg GateConfig) (*Gate, error) {
	g := &Gate{
		counters:  deps.Counters,
		records:   deps.Records,
		catalog:   deps.Catalog,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		locks:     newAccountLocks(cfg.LockShards),
		lastGood:  imcache.New[string, Status](),
	}
	if err := g.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateConfig swaps the hot-reloadable configuration.
// This is thread-safe and can be called while checks are in flight.
func (g *Gate) UpdateConfig(cfg GateConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	g.cfg.Store(&cfg)
	return nil
}

// Config returns the current configuration.
func (g *Gate) Config() GateConfig {
	return *g.cfg.Load()
}

// Status is the externally visible enforcement status of an account.
type Status struct {
	AccountID        string
	PlanID           string
	State            quota.State
	TriggeredMetrics []quota.Utilization
	GraceEndsAt      *time.Time
	Snapshot         []quota.Utilization
	Policy           quota.Policy
	SuspendReason    string
	EvaluatedAt      time.Time
	// Stale marks a last-known-good status served while storage is down.
	Stale bool
}

// CheckResult is the outcome of a quota check.
type CheckResult struct {
	Decision quota.Decision
	// State is the account state the decision was derived from. It is the
	// last known state (or empty) for fallback decisions.
	State quota.State
	// Fallback marks a decision made by the fail policy.
	Fallback bool
}

// AdmitResult is the outcome of Admit.
type AdmitResult struct {
	CheckResult
	Admitted bool
	// Count is the counter value after the increment, 0 when nothing was recorded.
	Count int64
}

// CheckQuota answers whether a write of metric may proceed for the account.
func (g *Gate) CheckQuota(ctx context.Context, accountID string, m quota.Metric) quota.Decision {
	return g.Check(ctx, accountID, m).Decision
}

// Check evaluates the account and maps its policy to a decision for metric.
// Storage failures are answered by the fail policy and never returned.
func (g *Gate) Check(ctx context.Context, accountID string, m quota.Metric) CheckResult {
	if accountID == "" {
		return g.rejectInput(m, quota.DenyInvalidAccount, quota.ErrAccountRequired)
	}
	if !m.Valid() {
		return g.rejectInput(m, quota.DenyInvalidMetric, fmt.Errorf("%w: %q", quota.ErrInvalidMetric, m))
	}

	cfg := g.cfg.Load()
	if cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CheckTimeout)
		defer cancel()
	}

	st, err := g.evaluate(ctx, accountID)
	if err != nil {
		return g.fallback(accountID, m, err)
	}

	d := quota.Decide(st.Policy, m)
	g.metrics.RecordDecision(string(m), string(d.Kind()))
	if d.Kind() != quota.KindAllow {
		g.logger.Debug().
			Str("account_id", accountID).
			Str("metric", string(m)).
			Str("decision", string(d.Kind())).
			Str("state", string(st.State)).
			Msg("restricted write")
	}
	return CheckResult{Decision: d, State: st.State}
}

// Admit checks the quota and records one unit of usage for writes that
// proceed. A Sample decision records every attempt and admits the ones
// whose new counter value is a multiple of the rate.
func (g *Gate) Admit(ctx context.Context, accountID string, m quota.Metric) AdmitResult {
	res := AdmitResult{CheckResult: g.Check(ctx, accountID, m)}

	var sample quota.Sample
	switch d := res.Decision.(type) {
	case quota.Deny:
		return res
	case quota.Sample:
		sample = d
	}

	n, err := g.counters.Increment(ctx, accountID, m, 1)
	if err != nil {
		g.metrics.RecordStorageError("increment")
		g.logger.Warn().Err(err).
			Str("account_id", accountID).
			Str("metric", string(m)).
			Msg("usage not recorded")
		res.Fallback = true
		res.Admitted = g.cfg.Load().FailMode == FailOpen
		return res
	}
	res.Count = n
	res.Admitted = sample.Admits(n)
	if !res.Admitted {
		g.metrics.RecordSampledOut(string(m))
	}
	return res
}

// RecordUsage adds by units of usage after a committed write.
func (g *Gate) RecordUsage(ctx context.Context, accountID string, m quota.Metric, by int64) (int64, error) {
	if accountID == "" {
		return 0, quota.ErrAccountRequired
	}
	if !m.Valid() {
		err := fmt.Errorf("%w: %q", quota.ErrInvalidMetric, m)
		if g.cfg.Load().StrictMetrics {
			panic(err)
		}
		return 0, err
	}
	if by <= 0 {
		return 0, fmt.Errorf("%w: %d", quota.ErrInvalidAmount, by)
	}
	n, err := g.counters.Increment(ctx, accountID, m, by)
	if errors.Is(err, quota.ErrInvalidAmount) {
		return 0, err
	}
	if err != nil {
		g.metrics.RecordStorageError("increment")
		return 0, storageError("increment", err)
	}
	return n, nil
}

// GetStatus evaluates the account and returns its status. While storage is
// unavailable it returns the last status computed for the account with
// Stale set, or the storage error when there is none.
func (g *Gate) GetStatus(ctx context.Context, accountID string) (Status, error) {
	if accountID == "" {
		return Status{}, quota.ErrAccountRequired
	}
	st, err := g.evaluate(ctx, accountID)
	if err == nil {
		return st, nil
	}
	if cached, ok := g.lastGood.Get(accountID); ok && errors.Is(err, quota.ErrStorageUnavailable) {
		g.logger.Warn().Err(err).Str("account_id", accountID).Msg("serving stale status")
		cached.Stale = true
		return cached, nil
	}
	return Status{}, err
}

// Evaluate re-evaluates the account and persists any state change.
func (g *Gate) Evaluate(ctx context.Context, accountID string) (Status, error) {
	if accountID == "" {
		return Status{}, quota.ErrAccountRequired
	}
	return g.evaluate(ctx, accountID)
}

// Suspend moves the account to SUSPENDED.
func (g *Gate) Suspend(ctx context.Context, accountID, reason string) (quota.Record, error) {
	if accountID == "" {
		return quota.Record{}, quota.ErrAccountRequired
	}
	return g.administer(ctx, accountID, "suspend", func(cur quota.Record, now time.Time) (quota.Record, *quota.Transition, error) {
		next, t := quota.Suspend(cur, reason, now)
		return next, t, nil
	})
}

// Reinstate moves a suspended account back to ACTIVE. The next evaluation
// re-derives its state from usage.
func (g *Gate) Reinstate(ctx context.Context, accountID string) (quota.Record, error) {
	if accountID == "" {
		return quota.Record{}, quota.ErrAccountRequired
	}
	return g.administer(ctx, accountID, "reinstate", quota.Reinstate)
}

type recordStep func(cur quota.Record, now time.Time) (quota.Record, *quota.Transition, error)

func (g *Gate) administer(ctx context.Context, accountID, op string, step recordStep) (quota.Record, error) {
	unlock := g.locks.Lock(accountID)
	defer unlock()

	rec, t, err := g.apply(ctx, accountID, step)
	if err != nil {
		return quota.Record{}, err
	}
	g.lastGood.Remove(accountID)
	g.logger.Info().
		Str("account_id", accountID).
		Str("op", op).
		Str("state", string(rec.State)).
		Msg("administrative action")
	g.publish(ctx, t)
	return rec, nil
}

// evaluate runs the shared evaluation path: read counters and limits,
// evaluate, advance and persist the record, compile the policy.
func (g *Gate) evaluate(ctx context.Context, accountID string) (Status, error) {
	start := time.Now()
	defer func() { g.metrics.ObserveEvaluation(time.Since(start)) }()

	cfg := g.cfg.Load()
	unlock := g.locks.Lock(accountID)
	defer unlock()

	counts, err := g.counters.GetAll(ctx, accountID)
	if err != nil {
		g.metrics.RecordStorageError("get_counters")
		return Status{}, storageError("read counters", err)
	}
	limits, err := g.limits(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	ev, err := quota.Evaluate(counts, limits, cfg.Thresholds)
	if err != nil {
		return Status{}, err
	}

	machine := quota.MachineConfig{Thresholds: cfg.Thresholds, GraceDuration: cfg.GraceDuration}
	rec, t, err := g.apply(ctx, accountID, func(cur quota.Record, now time.Time) (quota.Record, *quota.Transition, error) {
		return quota.Advance(cur, ev, now, machine)
	})
	if err != nil {
		return Status{}, err
	}

	st := Status{
		AccountID:        accountID,
		PlanID:           limits.PlanID,
		State:            rec.State,
		TriggeredMetrics: rec.TriggeredMetrics,
		GraceEndsAt:      rec.GraceEndsAt,
		Snapshot:         ev.Snapshot,
		Policy:           quota.Compile(rec.State, rec.TriggeredMetrics, quota.PolicyOptions{MinSampleRate: cfg.MinSampleRate}),
		SuspendReason:    rec.SuspendReason,
		EvaluatedAt:      rec.EvaluatedAt,
	}
	g.lastGood.Set(accountID, st, imcache.WithExpiration(cfg.StatusCacheTTL))
	g.publish(ctx, t)
	return st, nil
}

// apply reads the record, runs step and writes the result with an
// optimistic version check, retrying on conflict. Unchanged records are
// not written. The caller holds the account lock.
func (g *Gate) apply(ctx context.Context, accountID string, step recordStep) (quota.Record, *quota.Transition, error) {
	var (
		rec quota.Record
		tr  *quota.Transition
	)
	op := func() error {
		cur, err := g.records.Get(ctx, accountID)
		if err != nil {
			g.metrics.RecordStorageError("get_record")
			return backoff.Permanent(storageError("read record", err))
		}
		now := g.clock.Now()
		next, t, err := step(cur, now)
		if err != nil {
			return backoff.Permanent(err)
		}
		if next.SameState(cur) {
			rec, tr = next, nil
			return nil
		}
		saved, err := g.records.Save(ctx, next)
		if errors.Is(err, quota.ErrTransitionConflict) {
			g.logger.Debug().Str("account_id", accountID).Msg("record conflict, retrying")
			return err
		}
		if err != nil {
			g.metrics.RecordStorageError("save_record")
			return backoff.Permanent(storageError("save record", err))
		}
		rec, tr = saved, t
		return nil
	}

	if err := backoff.Retry(op, g.retryPolicy(ctx)); err != nil {
		return quota.Record{}, nil, err
	}
	return rec, tr, nil
}

func (g *Gate) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = time.Second
	retries := g.cfg.Load().MaxConflictRetries
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// limits resolves the plan limits; an account without a plan is unlimited.
func (g *Gate) limits(ctx context.Context, accountID string) (quota.PlanLimits, error) {
	limits, err := g.catalog.GetLimits(ctx, accountID)
	if errors.Is(err, quota.ErrPlanNotFound) {
		g.logger.Debug().Str("account_id", accountID).Msg("no plan, treating as unlimited")
		return quota.Unlimited(), nil
	}
	if err != nil {
		g.metrics.RecordStorageError("get_limits")
		return quota.PlanLimits{}, storageError("read limits", err)
	}
	return limits, nil
}

func (g *Gate) publish(ctx context.Context, t *quota.Transition) {
	if t == nil {
		return
	}
	g.metrics.RecordTransition(string(t.From), string(t.To))
	g.logger.Info().
		Str("account_id", t.AccountID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("reason", t.Reason).
		Str("metric", string(t.Metric)).
		Float64("percentage", t.Percentage).
		Msg("state transition")
	if g.publisher != nil {
		g.publisher.PublishTransition(ctx, *t)
	}
}

func (g *Gate) fallback(accountID string, m quota.Metric, err error) CheckResult {
	cfg := g.cfg.Load()

	reason := "error"
	if errors.Is(err, quota.ErrStorageUnavailable) {
		reason = "storage_unavailable"
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	g.metrics.RecordFallback(reason)

	var d quota.Decision = quota.Allow{}
	if cfg.FailMode == FailClosed {
		d = quota.Deny{Reason: quota.DenyStorageUnavailable}
	}
	g.metrics.RecordDecision(string(m), string(d.Kind()))

	res := CheckResult{Decision: d, Fallback: true}
	if cached, ok := g.lastGood.Get(accountID); ok {
		res.State = cached.State
	}
	g.logger.Warn().Err(err).
		Str("account_id", accountID).
		Str("metric", string(m)).
		Str("decision", string(d.Kind())).
		Bool("fallback", true).
		Msg("quota check fell back")
	return res
}

func (g *Gate) rejectInput(m quota.Metric, reason quota.DenyReason, err error) CheckResult {
	if reason == quota.DenyInvalidMetric && g.cfg.Load().StrictMetrics {
		panic(err)
	}
	g.logger.Error().Err(err).Str("metric", string(m)).Msg("rejected quota check")
	g.metrics.RecordDecision("invalid", string(quota.KindDeny))
	return CheckResult{Decision: quota.Deny{Reason: reason}}
}

// storageError makes sure err matches quota.ErrStorageUnavailable.
func storageError(op string, err error) error {
	if errors.Is(err, quota.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, quota.ErrStorageUnavailable, err)
}

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRolloverSchedule runs the rollover sweep five minutes past every hour.
const DefaultRolloverSchedule = "5 * * * *"

// RolloverDeps contains dependencies for RolloverService.
type RolloverDeps struct {
	Counters ports.CounterStore
	Gate     *Gate
	Clock    ports.Clock
	Metrics  *metrics.Collector // optional
	Logger   zerolog.Logger
}

// RolloverService closes billing periods. Archiving an account's counters
// and resetting them is atomic in the counter store; the account is then
// re-evaluated so its state follows the fresh counters.
type RolloverService struct {
	counters ports.CounterStore
	gate     *Gate
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// RolloverResult summarizes one sweep.
type RolloverResult struct {
	Rolled  []string
	Skipped int
}

// NewRolloverService creates a new rollover service.
func NewRolloverService(deps RolloverDeps) *RolloverService {
	return &RolloverService{
		counters: deps.Counters,
		gate:     deps.Gate,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// RolloverAccount starts a new billing period for the account now,
// regardless of where its current period began.
func (s *RolloverService) RolloverAccount(ctx context.Context, accountID string) (quota.PeriodUsage, error) {
	if accountID == "" {
		return quota.PeriodUsage{}, quota.ErrAccountRequired
	}
	start := quota.PeriodStart(s.clock.Now())
	archived, err := s.counters.Rollover(ctx, accountID, start)
	s.metrics.RecordRollover(err == nil)
	if err != nil {
		return quota.PeriodUsage{}, fmt.Errorf("rollover %s: %w", accountID, err)
	}

	s.logger.Info().
		Str("account_id", accountID).
		Time("period_start", start).
		Int64("archived_total", archived.Total()).
		Msg("billing period rolled over")

	if _, err := s.gate.Evaluate(ctx, accountID); err != nil {
		return archived, fmt.Errorf("evaluate %s after rollover: %w", accountID, err)
	}
	return archived, nil
}

// RolloverDue rolls over every account whose counters belong to a period
// that has ended. Failures do not stop the sweep; they are returned together.
func (s *RolloverService) RolloverDue(ctx context.Context) (RolloverResult, error) {
	var res RolloverResult
	periods, err := s.counters.Periods(ctx)
	if err != nil {
		return res, fmt.Errorf("list periods: %w", err)
	}

	current := quota.PeriodStart(s.clock.Now())
	var errs *multierror.Error
	for _, p := range periods {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if !p.PeriodStart.Before(current) {
			res.Skipped++
			continue
		}
		if _, err := s.RolloverAccount(ctx, p.AccountID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		res.Rolled = append(res.Rolled, p.AccountID)
	}
	return res, errs.ErrorOrNil()
}

// Start runs RolloverDue on the cron schedule until Stop is called or ctx
// is cancelled. An empty schedule uses DefaultRolloverSchedule.
func (s *RolloverService) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if schedule == "" {
		schedule = DefaultRolloverSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", schedule, err)
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule rollover: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info().Str("schedule", schedule).Msg("rollover scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *RolloverService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil || !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("rollover scheduler stopped")
}

// NextRun returns the next scheduled sweep, or nil when not running.
func (s *RolloverService) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil || !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (s *RolloverService) sweep(ctx context.Context) {
	res, err := s.RolloverDue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("rolled", len(res.Rolled)).Msg("rollover sweep had failures")
		return
	}
	if len(res.Rolled) > 0 {
		s.logger.Info().Int("rolled", len(res.Rolled)).Int("skipped", res.Skipped).Msg("rollover sweep completed")
	}
}

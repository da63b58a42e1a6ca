package app_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// transitionRecorder collects published transitions.
type transitionRecorder struct {
	mu  sync.Mutex
	got []quota.Transition
}

func (r *transitionRecorder) PublishTransition(ctx context.Context, t quota.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
}

func (r *transitionRecorder) all() []quota.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]quota.Transition(nil), r.got...)
}

// flakyCounters fails every call while down is set.
type flakyCounters struct {
	ports.CounterStore
	down atomic.Bool
}

func (f *flakyCounters) err() error {
	return quota.ErrStorageUnavailable
}

func (f *flakyCounters) Increment(ctx context.Context, id string, m quota.Metric, by int64) (int64, error) {
	if f.down.Load() {
		return 0, f.err()
	}
	return f.CounterStore.Increment(ctx, id, m, by)
}

func (f *flakyCounters) GetAll(ctx context.Context, id string) (map[quota.Metric]int64, error) {
	if f.down.Load() {
		return nil, f.err()
	}
	return f.CounterStore.GetAll(ctx, id)
}

// conflictingRecords rejects the first n saves with a conflict.
type conflictingRecords struct {
	ports.RecordStore
	remaining atomic.Int32
	saves     atomic.Int32
}

func (c *conflictingRecords) Save(ctx context.Context, rec quota.Record) (quota.Record, error) {
	c.saves.Add(1)
	if c.remaining.Add(-1) >= 0 {
		return quota.Record{}, quota.ErrTransitionConflict
	}
	return c.RecordStore.Save(ctx, rec)
}

type fixture struct {
	gate      *app.Gate
	counters  *flakyCounters
	records   *memory.RecordStore
	catalog   *memory.PlanCatalog
	clock     *clock.Fake
	published *transitionRecorder
}

func freePlan() quota.PlanLimits {
	return quota.PlanLimits{
		PlanID: "free",
		Limits: map[quota.Metric]int64{
			quota.MetricDevices:            10,
			quota.MetricAPIRequests:        1000,
			quota.MetricLogs:               100,
			quota.MetricBusinessConfigKeys: 5,
		},
	}
}

func newFixture(t *testing.T, mutate func(*app.GateConfig)) *fixture {
	t.Helper()
	clk := clock.NewFake(baseTime)
	f := &fixture{
		counters: &flakyCounters{
			CounterStore: memory.NewCounterStore(memory.CounterStoreConfig{Clock: clk}),
		},
		records:   memory.NewRecordStore(0),
		catalog:   memory.NewPlanCatalog("free"),
		clock:     clk,
		published: &transitionRecorder{},
	}
	require.NoError(t, f.catalog.SetPlan(freePlan()))

	cfg := app.DefaultGateConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	gate, err := app.NewGate(app.GateDeps{
		Counters:  f.counters,
		Records:   f.records,
		Catalog:   f.catalog,
		Publisher: f.published,
		Clock:     clk,
		Logger:    zerolog.Nop(),
	}, cfg)
	require.NoError(t, err)
	f.gate = gate
	return f
}

func (f *fixture) record(t *testing.T, m quota.Metric, by int64) {
	t.Helper()
	_, err := f.gate.RecordUsage(context.Background(), "acct", m, by)
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T) app.Status {
	t.Helper()
	st, err := f.gate.GetStatus(context.Background(), "acct")
	require.NoError(t, err)
	return st
}

// degrade drives the account into DEGRADED through GRACE.
func (f *fixture) degrade(t *testing.T, m quota.Metric, by int64) {
	t.Helper()
	f.record(t, m, by)
	require.Equal(t, quota.StateGrace, f.status(t).State)
	f.clock.Advance(quota.DefaultGraceDuration + time.Second)
	require.Equal(t, quota.StateDegraded, f.status(t).State)
}

func TestNewGate_RejectsBadConfig(t *testing.T) {
	_, err := app.NewGate(app.GateDeps{}, app.GateConfig{
		Thresholds: quota.Thresholds{WarnPercent: 120, HardPercent: 100},
	})
	assert.ErrorIs(t, err, quota.ErrInvalidThresholds)

	_, err = app.NewGate(app.GateDeps{}, app.GateConfig{FailMode: "sideways"})
	assert.Error(t, err)
}

func TestGate_WarnAtNinetyPercent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.record(t, quota.MetricDevices, 9)

	res := f.gate.Check(ctx, "acct", quota.MetricDevices)
	assert.Equal(t, quota.Allow{}, res.Decision)
	assert.Equal(t, quota.StateWarn, res.State)
	assert.False(t, res.Fallback)

	st := f.status(t)
	want := []quota.Utilization{{
		Metric: quota.MetricDevices, Used: 9, Limit: 10, Percentage: 90, Approaching: true,
	}}
	if diff := cmp.Diff(want, st.TriggeredMetrics); diff != "" {
		t.Errorf("TriggeredMetrics mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, st.GraceEndsAt)

	published := f.published.all()
	require.Len(t, published, 1)
	assert.Equal(t, quota.StateActive, published[0].From)
	assert.Equal(t, quota.StateWarn, published[0].To)
	assert.Equal(t, quota.MetricDevices, published[0].Metric)
}

func TestGate_WarnToGraceAtLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.record(t, quota.MetricDevices, 9)
	require.Equal(t, quota.StateWarn, f.status(t).State)

	f.record(t, quota.MetricDevices, 1)
	st := f.status(t)
	assert.Equal(t, quota.StateGrace, st.State)
	require.NotNil(t, st.GraceEndsAt)
	assert.Equal(t, baseTime.Add(quota.DefaultGraceDuration), *st.GraceEndsAt)

	// grace never extends while the account stays over the limit
	f.clock.Advance(time.Hour)
	f.record(t, quota.MetricDevices, 3)
	again := f.status(t)
	assert.Equal(t, *st.GraceEndsAt, *again.GraceEndsAt)
}

func TestGate_GraceExpiryDegradesAndCapsRegistration(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.degrade(t, quota.MetricDevices, 10)

	assert.Equal(t, quota.Deny{Reason: quota.DenyHardCap}, f.gate.CheckQuota(ctx, "acct", quota.MetricDevices))
	assert.Equal(t, quota.Deny{Reason: quota.DenyFeatureFrozen}, f.gate.CheckQuota(ctx, "acct", quota.MetricBusinessConfigKeys))
	assert.Equal(t, quota.Deny{Reason: quota.DenyFeatureFrozen}, f.gate.CheckQuota(ctx, "acct", quota.MetricLocalizationKeys))
	assert.Equal(t, quota.Allow{}, f.gate.CheckQuota(ctx, "acct", quota.MetricProjects))

	st := f.status(t)
	assert.Equal(t, []quota.Feature{quota.FeatureBusinessConfig, quota.FeatureLocalization}, st.Policy.FrozenFeatures())
}

func TestGate_DegradedSamplesVolume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.degrade(t, quota.MetricAPIRequests, 1500)

	assert.Equal(t, quota.Sample{Rate: 2}, f.gate.CheckQuota(ctx, "acct", quota.MetricAPIRequests))

	f.record(t, quota.MetricAPIRequests, 2000) // 350%
	assert.Equal(t, quota.Sample{Rate: 4}, f.gate.CheckQuota(ctx, "acct", quota.MetricAPIRequests))
}

func TestGate_AdmitSampling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.degrade(t, quota.MetricAPIRequests, 1500)

	admitted := 0
	for i := 0; i < 10; i++ {
		res := f.gate.Admit(ctx, "acct", quota.MetricAPIRequests)
		require.Equal(t, quota.KindSample, res.Decision.Kind())
		if res.Admitted {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)

	n, err := f.counters.Get(ctx, "acct", quota.MetricAPIRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(1510), n)
}

func TestGate_AdmitDenyDoesNotCount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.degrade(t, quota.MetricDevices, 10)

	res := f.gate.Admit(ctx, "acct", quota.MetricDevices)
	assert.False(t, res.Admitted)
	assert.Zero(t, res.Count)

	n, _ := f.counters.Get(ctx, "acct", quota.MetricDevices)
	assert.Equal(t, int64(10), n)
}

func TestGate_AdmitAllowCounts(t *testing.T) {
	f := newFixture(t, nil)
	res := f.gate.Admit(context.Background(), "acct", quota.MetricLogs)
	assert.True(t, res.Admitted)
	assert.Equal(t, int64(1), res.Count)
}

func TestGate_RolloverRecovers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.degrade(t, quota.MetricDevices, 10)

	svc := app.NewRolloverService(app.RolloverDeps{
		Counters: f.counters,
		Gate:     f.gate,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	})
	f.clock.Set(time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC))
	_, err := svc.RolloverAccount(ctx, "acct")
	require.NoError(t, err)

	st := f.status(t)
	assert.Equal(t, quota.StateActive, st.State)
	assert.Empty(t, st.TriggeredMetrics)
	assert.Equal(t, quota.Allow{}, f.gate.CheckQuota(ctx, "acct", quota.MetricDevices))
}

func TestGate_SuspendDeniesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.gate.Suspend(ctx, "acct", "abuse")
	require.NoError(t, err)
	assert.Equal(t, quota.StateSuspended, rec.State)
	assert.Equal(t, "abuse", rec.SuspendReason)

	for _, m := range quota.AllMetrics() {
		assert.Equal(t, quota.Deny{Reason: quota.DenySuspended}, f.gate.CheckQuota(ctx, "acct", m), m)
	}

	// usage below every threshold does not leave SUSPENDED
	f.record(t, quota.MetricLogs, 1)
	assert.Equal(t, quota.StateSuspended, f.status(t).State)

	rec, err = f.gate.Reinstate(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, quota.StateActive, rec.State)
	assert.Equal(t, quota.Allow{}, f.gate.CheckQuota(ctx, "acct", quota.MetricLogs))

	_, err = f.gate.Reinstate(ctx, "acct")
	assert.ErrorIs(t, err, quota.ErrNotSuspended)

	var tos []quota.State
	for _, tr := range f.published.all() {
		tos = append(tos, tr.To)
	}
	assert.Equal(t, []quota.State{quota.StateSuspended, quota.StateActive}, tos)
}

func TestGate_SuspendTwiceKeepsOneTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.gate.Suspend(ctx, "acct", "first")
	require.NoError(t, err)
	rec, err := f.gate.Suspend(ctx, "acct", "second")
	require.NoError(t, err)
	assert.Equal(t, "second", rec.SuspendReason)
	assert.Len(t, f.published.all(), 1)
}

func TestGate_ReinstateReevaluates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.record(t, quota.MetricDevices, 9)
	_, err := f.gate.Suspend(ctx, "acct", "manual")
	require.NoError(t, err)

	_, err = f.gate.Reinstate(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, quota.StateWarn, f.status(t).State)
}

func TestGate_FailOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.counters.down.Store(true)

	res := f.gate.Check(context.Background(), "acct", quota.MetricLogs)
	assert.Equal(t, quota.Allow{}, res.Decision)
	assert.True(t, res.Fallback)
}

func TestGate_FailClosed(t *testing.T) {
	f := newFixture(t, func(c *app.GateConfig) { c.FailMode = app.FailClosed })
	f.counters.down.Store(true)

	res := f.gate.Check(context.Background(), "acct", quota.MetricLogs)
	assert.Equal(t, quota.Deny{Reason: quota.DenyStorageUnavailable}, res.Decision)
	assert.True(t, res.Fallback)

	admit := f.gate.Admit(context.Background(), "acct", quota.MetricLogs)
	assert.False(t, admit.Admitted)
}

func TestGate_FailModeHotReload(t *testing.T) {
	f := newFixture(t, nil)
	f.counters.down.Store(true)

	cfg := f.gate.Config()
	cfg.FailMode = app.FailClosed
	require.NoError(t, f.gate.UpdateConfig(cfg))

	assert.Equal(t, quota.KindDeny, f.gate.CheckQuota(context.Background(), "acct", quota.MetricLogs).Kind())
}

func TestGate_FallbackKeepsLastKnownState(t *testing.T) {
	f := newFixture(t, nil)
	f.record(t, quota.MetricDevices, 9)
	require.Equal(t, quota.StateWarn, f.status(t).State)

	f.counters.down.Store(true)
	res := f.gate.Check(context.Background(), "acct", quota.MetricDevices)
	assert.True(t, res.Fallback)
	assert.Equal(t, quota.StateWarn, res.State)
}

func TestGate_StaleStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.record(t, quota.MetricDevices, 9)
	fresh := f.status(t)
	require.False(t, fresh.Stale)

	f.counters.down.Store(true)
	stale, err := f.gate.GetStatus(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, fresh.State, stale.State)

	_, err = f.gate.GetStatus(ctx, "never-seen")
	assert.ErrorIs(t, err, quota.ErrStorageUnavailable)
}

func TestGate_StrictMetricPanics(t *testing.T) {
	f := newFixture(t, func(c *app.GateConfig) { c.StrictMetrics = true })
	assert.Panics(t, func() {
		f.gate.CheckQuota(context.Background(), "acct", "bandwidth")
	})
	assert.Panics(t, func() {
		f.gate.RecordUsage(context.Background(), "acct", "bandwidth", 1)
	})
}

func TestGate_StrictModeDeniesEmptyAccount(t *testing.T) {
	f := newFixture(t, func(c *app.GateConfig) { c.StrictMetrics = true })
	ctx := context.Background()

	var res app.CheckResult
	require.NotPanics(t, func() { res = f.gate.Check(ctx, "", quota.MetricLogs) })
	assert.Equal(t, quota.Deny{Reason: quota.DenyInvalidAccount}, res.Decision)

	_, err := f.gate.RecordUsage(ctx, "", quota.MetricLogs, 1)
	assert.ErrorIs(t, err, quota.ErrAccountRequired)
}

func TestGate_RecordUsageOverflowKeepsEnforcement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.record(t, quota.MetricLogs, math.MaxInt64)
	_, err := f.gate.RecordUsage(ctx, "acct", quota.MetricLogs, 2)
	assert.ErrorIs(t, err, quota.ErrInvalidAmount)
	assert.NotErrorIs(t, err, quota.ErrStorageUnavailable)

	st := f.status(t)
	assert.Equal(t, quota.StateGrace, st.State)
	require.NotEmpty(t, st.TriggeredMetrics)
	assert.Equal(t, quota.MetricLogs, st.TriggeredMetrics[0].Metric)
	assert.Greater(t, st.TriggeredMetrics[0].Percentage, 100.0)
	assert.False(t, st.Stale)
}

func TestGate_InvalidMetricDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	assert.Equal(t, quota.Deny{Reason: quota.DenyInvalidMetric}, f.gate.CheckQuota(ctx, "acct", "bandwidth"))
	assert.Equal(t, quota.Deny{Reason: quota.DenyInvalidAccount}, f.gate.CheckQuota(ctx, "", quota.MetricLogs))

	_, err := f.gate.RecordUsage(ctx, "acct", "bandwidth", 1)
	assert.ErrorIs(t, err, quota.ErrInvalidMetric)
	_, err = f.gate.RecordUsage(ctx, "acct", quota.MetricLogs, 0)
	assert.ErrorIs(t, err, quota.ErrInvalidAmount)
}

func TestGate_MissingPlanIsUnlimited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cat := memory.NewPlanCatalog("")
	gate, err := app.NewGate(app.GateDeps{
		Counters: f.counters,
		Records:  f.records,
		Catalog:  cat,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	}, app.DefaultGateConfig())
	require.NoError(t, err)

	_, err = gate.RecordUsage(ctx, "acct", quota.MetricDevices, 1_000_000)
	require.NoError(t, err)

	st, err := gate.GetStatus(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, quota.StateActive, st.State)
	assert.Equal(t, "unlimited", st.PlanID)
	assert.Empty(t, st.TriggeredMetrics)
	assert.Equal(t, quota.Allow{}, gate.CheckQuota(ctx, "acct", quota.MetricDevices))
}

func TestGate_UnlimitedMetricNeverTriggers(t *testing.T) {
	f := newFixture(t, nil)
	f.record(t, quota.MetricSessions, 1_000_000)

	st := f.status(t)
	assert.Equal(t, quota.StateActive, st.State)
	for _, u := range st.Snapshot {
		assert.NotEqual(t, quota.MetricSessions, u.Metric)
	}
}

func TestGate_EvaluateIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.record(t, quota.MetricDevices, 10)

	first, err := f.gate.Evaluate(ctx, "acct")
	require.NoError(t, err)
	before, _ := f.records.Get(ctx, "acct")

	second, err := f.gate.Evaluate(ctx, "acct")
	require.NoError(t, err)
	after, _ := f.records.Get(ctx, "acct")

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("status changed (-first +second):\n%s", diff)
	}
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.published.all(), 1)
}

func TestGate_ConflictRetried(t *testing.T) {
	f := newFixture(t, nil)
	records := &conflictingRecords{RecordStore: f.records}
	records.remaining.Store(2)

	gate, err := app.NewGate(app.GateDeps{
		Counters: f.counters,
		Records:  records,
		Catalog:  f.catalog,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	}, app.DefaultGateConfig())
	require.NoError(t, err)

	f.record(t, quota.MetricDevices, 9)
	st, err := gate.Evaluate(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, quota.StateWarn, st.State)
	assert.Equal(t, int32(3), records.saves.Load())
}

func TestGate_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t, nil)
	records := &conflictingRecords{RecordStore: f.records}
	records.remaining.Store(100)

	cfg := app.DefaultGateConfig()
	cfg.MaxConflictRetries = 2
	gate, err := app.NewGate(app.GateDeps{
		Counters: f.counters,
		Records:  records,
		Catalog:  f.catalog,
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	}, cfg)
	require.NoError(t, err)

	f.record(t, quota.MetricDevices, 9)
	_, err = gate.Evaluate(context.Background(), "acct")
	assert.ErrorIs(t, err, quota.ErrTransitionConflict)
	assert.Equal(t, int32(3), records.saves.Load())
}

func TestGate_ConcurrentAdmits(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.catalog.SetPlan(quota.PlanLimits{
		PlanID: "free",
		Limits: map[quota.Metric]int64{quota.MetricAPIRequests: 12000},
	}))
	ctx := context.Background()

	const callers = 50
	const perCaller = 200

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				if res := f.gate.Admit(ctx, "acct", quota.MetricAPIRequests); !res.Admitted {
					t.Errorf("write rejected: %+v", res)
					return
				}
			}
		}()
	}
	wg.Wait()

	n, _ := f.counters.Get(ctx, "acct", quota.MetricAPIRequests)
	assert.Equal(t, int64(callers*perCaller), n)

	st := f.status(t)
	assert.Equal(t, quota.StateWarn, st.State)
	assert.Len(t, f.published.all(), 1)
}

func TestGate_NoSkippedTransitions(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 12; i++ {
		f.record(t, quota.MetricDevices, 1)
		f.status(t)
		f.clock.Advance(6 * time.Hour)
	}
	for _, tr := range f.published.all() {
		assert.True(t, quota.CanTransition(tr.From, tr.To), "%s -> %s", tr.From, tr.To)
	}
}

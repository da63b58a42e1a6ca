package quota

import (
	"errors"
	"testing"
	"time"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func evalAt(t *testing.T, m Metric, used, limit int64) Evaluation {
	t.Helper()
	ev, err := Evaluate(map[Metric]int64{m: used}, limitsOf(map[Metric]int64{m: limit}), DefaultThresholds())
	if err != nil {
		t.Fatalf("Evaluate error = %v", err)
	}
	return ev
}

func advance(t *testing.T, rec Record, ev Evaluation, now time.Time) (Record, *Transition) {
	t.Helper()
	next, tr, err := Advance(rec, ev, now, DefaultMachineConfig())
	if err != nil {
		t.Fatalf("Advance error = %v", err)
	}
	if tr != nil && !CanTransition(tr.From, tr.To) {
		t.Fatalf("Advance took invalid edge %s -> %s", tr.From, tr.To)
	}
	return next, tr
}

// -----------------------------------------------------------------------------
// Transition table
// -----------------------------------------------------------------------------

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateActive, StateWarn, true},
		{StateActive, StateGrace, true},
		{StateActive, StateDegraded, false},
		{StateWarn, StateDegraded, false},
		{StateGrace, StateDegraded, true},
		{StateDegraded, StateGrace, false},
		{StateSuspended, StateWarn, false},
		{StateSuspended, StateActive, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	for _, s := range AllStates() {
		if s != StateSuspended && !CanTransition(s, StateSuspended) {
			t.Errorf("%s cannot be suspended", s)
		}
	}
}

func TestTransitionsFrom(t *testing.T) {
	got := TransitionsFrom(StateSuspended)
	if len(got) != 1 || got[0] != StateActive {
		t.Errorf("TransitionsFrom(SUSPENDED) = %v, want [ACTIVE]", got)
	}
}

func TestParseState(t *testing.T) {
	if s, err := ParseState("GRACE"); err != nil || s != StateGrace {
		t.Errorf("ParseState(GRACE) = (%s, %v)", s, err)
	}
	if _, err := ParseState("grace"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ParseState(grace) error = %v, want ErrInvalidState", err)
	}
}

// -----------------------------------------------------------------------------
// Advance
// -----------------------------------------------------------------------------

func TestAdvance_ActiveToWarn(t *testing.T) {
	rec, tr := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 9, 10), baseTime)

	if rec.State != StateWarn {
		t.Fatalf("State = %s, want WARN", rec.State)
	}
	if rec.WarnEnteredAt == nil || !rec.WarnEnteredAt.Equal(baseTime) {
		t.Errorf("WarnEnteredAt = %v, want %v", rec.WarnEnteredAt, baseTime)
	}
	if tr == nil || tr.From != StateActive || tr.To != StateWarn {
		t.Errorf("transition = %+v, want ACTIVE->WARN", tr)
	}
	if len(rec.TriggeredMetrics) != 1 || rec.TriggeredMetrics[0].Metric != MetricDevices {
		t.Errorf("TriggeredMetrics = %+v", rec.TriggeredMetrics)
	}
}

func TestAdvance_ActiveStraightToGrace(t *testing.T) {
	rec, tr := advance(t, NewRecord("acct"), evalAt(t, MetricLogs, 120, 100), baseTime)

	if rec.State != StateGrace {
		t.Fatalf("State = %s, want GRACE", rec.State)
	}
	if tr.From != StateActive {
		t.Errorf("From = %s, want ACTIVE", tr.From)
	}
	wantEnds := baseTime.Add(24 * time.Hour)
	if rec.GraceEndsAt == nil || !rec.GraceEndsAt.Equal(wantEnds) {
		t.Errorf("GraceEndsAt = %v, want %v", rec.GraceEndsAt, wantEnds)
	}
}

func TestAdvance_WarnToGraceKeepsWarnEnteredAt(t *testing.T) {
	rec, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 9, 10), baseTime)
	later := baseTime.Add(time.Hour)
	rec, tr := advance(t, rec, evalAt(t, MetricDevices, 10, 10), later)

	if rec.State != StateGrace || tr == nil || tr.From != StateWarn {
		t.Fatalf("State = %s transition = %+v, want WARN->GRACE", rec.State, tr)
	}
	if rec.GraceEnteredAt == nil || !rec.GraceEnteredAt.Equal(later) {
		t.Errorf("GraceEnteredAt = %v, want %v", rec.GraceEnteredAt, later)
	}
	if !rec.GraceEndsAt.Equal(later.Add(24 * time.Hour)) {
		t.Errorf("GraceEndsAt = %v, want now+24h", rec.GraceEndsAt)
	}
	if rec.WarnEnteredAt == nil || !rec.WarnEnteredAt.Equal(baseTime) {
		t.Errorf("WarnEnteredAt = %v, want %v", rec.WarnEnteredAt, baseTime)
	}
}

func TestAdvance_WarnToActive(t *testing.T) {
	rec, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 9, 10), baseTime)
	rec, tr := advance(t, rec, evalAt(t, MetricDevices, 5, 10), baseTime.Add(time.Minute))

	if rec.State != StateActive || tr == nil {
		t.Fatalf("State = %s, want ACTIVE with transition", rec.State)
	}
	if rec.WarnEnteredAt != nil {
		t.Errorf("WarnEnteredAt = %v, want nil", rec.WarnEnteredAt)
	}
}

func TestAdvance_GraceDoesNotExtend(t *testing.T) {
	rec, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 10, 10), baseTime)
	ends := *rec.GraceEndsAt

	for i := 1; i <= 10; i++ {
		now := baseTime.Add(time.Duration(i) * time.Hour)
		var tr *Transition
		rec, tr = advance(t, rec, evalAt(t, MetricDevices, 10+int64(i), 10), now)
		if tr != nil {
			t.Fatalf("unexpected transition at hour %d: %+v", i, tr)
		}
		if !rec.GraceEndsAt.Equal(ends) {
			t.Fatalf("GraceEndsAt moved from %v to %v", ends, *rec.GraceEndsAt)
		}
	}
}

func TestAdvance_GraceToDegradedAfterExpiry(t *testing.T) {
	rec, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 10, 10), baseTime)

	// one nanosecond before expiry stays in GRACE
	rec, tr := advance(t, rec, evalAt(t, MetricDevices, 10, 10), baseTime.Add(24*time.Hour-time.Nanosecond))
	if rec.State != StateGrace || tr != nil {
		t.Fatalf("before expiry: State = %s, want GRACE", rec.State)
	}

	expiry := baseTime.Add(24 * time.Hour)
	rec, tr = advance(t, rec, evalAt(t, MetricDevices, 10, 10), expiry)
	if rec.State != StateDegraded {
		t.Fatalf("State = %s, want DEGRADED", rec.State)
	}
	if tr.Reason != ReasonGraceExpired {
		t.Errorf("Reason = %s, want %s", tr.Reason, ReasonGraceExpired)
	}
	if rec.GraceEndsAt != nil || rec.GraceEnteredAt != nil {
		t.Error("grace fields not cleared on DEGRADED")
	}
	if rec.DegradedEnteredAt == nil || !rec.DegradedEnteredAt.Equal(expiry) {
		t.Errorf("DegradedEnteredAt = %v, want %v", rec.DegradedEnteredAt, expiry)
	}
}

func TestAdvance_GraceRecovers(t *testing.T) {
	tests := []struct {
		name string
		used int64
		want State
	}{
		{"to warn", 9, StateWarn},
		{"to active", 2, StateActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 10, 10), baseTime)
			now := baseTime.Add(time.Hour)
			rec, tr := advance(t, rec, evalAt(t, MetricDevices, tt.used, 10), now)
			if rec.State != tt.want || tr == nil {
				t.Fatalf("State = %s, want %s", rec.State, tt.want)
			}
			if rec.GraceEndsAt != nil || rec.GraceEnteredAt != nil {
				t.Error("grace fields not cleared")
			}
			if tt.want == StateWarn && (rec.WarnEnteredAt == nil || !rec.WarnEnteredAt.Equal(now)) {
				t.Errorf("WarnEnteredAt = %v, want %v", rec.WarnEnteredAt, now)
			}
		})
	}
}

func TestAdvance_DegradedRecovers(t *testing.T) {
	degraded := NewRecord("acct")
	degraded.State = StateDegraded
	degraded.DegradedEnteredAt = &baseTime

	rec, tr := advance(t, degraded, evalAt(t, MetricDevices, 0, 10), baseTime.Add(time.Hour))
	if rec.State != StateActive || tr == nil {
		t.Fatalf("State = %s, want ACTIVE", rec.State)
	}
	if rec.DegradedEnteredAt != nil || rec.WarnEnteredAt != nil {
		t.Error("timestamps not cleared on ACTIVE")
	}

	rec, tr = advance(t, degraded, evalAt(t, MetricDevices, 85, 100), baseTime.Add(time.Hour))
	if rec.State != StateWarn || tr == nil {
		t.Fatalf("State = %s, want WARN", rec.State)
	}
	if rec.DegradedEnteredAt != nil || rec.WarnEnteredAt == nil {
		t.Error("DEGRADED->WARN should clear degraded and set warn")
	}
}

func TestAdvance_DegradedStaysOverHard(t *testing.T) {
	degraded := NewRecord("acct")
	degraded.State = StateDegraded
	degraded.DegradedEnteredAt = &baseTime

	rec, tr := advance(t, degraded, evalAt(t, MetricDevices, 20, 10), baseTime.Add(48*time.Hour))
	if rec.State != StateDegraded || tr != nil {
		t.Errorf("State = %s transition = %+v, want DEGRADED without transition", rec.State, tr)
	}
}

func TestAdvance_SuspendedIsSticky(t *testing.T) {
	rec, _ := Suspend(NewRecord("acct"), "fraud", baseTime)
	next, tr := advance(t, rec, evalAt(t, MetricDevices, 0, 10), baseTime.Add(time.Hour))
	if next.State != StateSuspended || tr != nil {
		t.Errorf("State = %s, want SUSPENDED unchanged", next.State)
	}
	next, _ = advance(t, rec, evalAt(t, MetricDevices, 50, 10), baseTime.Add(time.Hour))
	if next.State != StateSuspended {
		t.Errorf("State = %s, want SUSPENDED", next.State)
	}
}

func TestAdvance_Idempotent(t *testing.T) {
	ev := evalAt(t, MetricDevices, 10, 10)
	first, _ := advance(t, NewRecord("acct"), ev, baseTime)
	second, tr := advance(t, first, ev, baseTime)
	if tr != nil {
		t.Errorf("second Advance produced transition %+v", tr)
	}
	if !first.SameState(second) {
		t.Errorf("second Advance changed record:\n%+v\n%+v", first, second)
	}
}

func TestAdvance_InvalidState(t *testing.T) {
	rec := NewRecord("acct")
	rec.State = "BROKEN"
	_, _, err := Advance(rec, Evaluation{}, baseTime, DefaultMachineConfig())
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
}

func TestAdvance_GraceEndsAtOnlyInGrace(t *testing.T) {
	rec := NewRecord("acct")
	usages := []int64{5, 9, 10, 12, 9, 3, 10, 11, 11, 4}
	for i, used := range usages {
		rec, _ = advance(t, rec, evalAt(t, MetricDevices, used, 10), baseTime.Add(time.Duration(i)*13*time.Hour))
		if (rec.GraceEndsAt != nil) != (rec.State == StateGrace) {
			t.Fatalf("step %d: State = %s GraceEndsAt = %v", i, rec.State, rec.GraceEndsAt)
		}
	}
}

// -----------------------------------------------------------------------------
// Suspend / Reinstate
// -----------------------------------------------------------------------------

func TestSuspend(t *testing.T) {
	grace, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 10, 10), baseTime)
	rec, tr := Suspend(grace, "chargeback", baseTime.Add(time.Hour))

	if rec.State != StateSuspended || rec.SuspendReason != "chargeback" {
		t.Fatalf("record = %+v", rec)
	}
	if tr == nil || tr.From != StateGrace || tr.Reason != ReasonAdminSuspend {
		t.Errorf("transition = %+v", tr)
	}
	if rec.GraceEndsAt != nil || rec.GraceEnteredAt != nil {
		t.Error("grace timestamps kept after leaving GRACE")
	}

	again, tr := Suspend(rec, "abuse", baseTime.Add(2*time.Hour))
	if tr != nil {
		t.Errorf("second Suspend produced transition %+v", tr)
	}
	if again.SuspendReason != "abuse" {
		t.Errorf("SuspendReason = %q, want abuse", again.SuspendReason)
	}
	if !again.SuspendedAt.Equal(*rec.SuspendedAt) {
		t.Error("SuspendedAt changed on repeated suspend")
	}
}

func TestSuspend_ClearsEnforcementTimestamps(t *testing.T) {
	rec := NewRecord("acct")
	rec.State = StateDegraded
	rec.WarnEnteredAt = timePtr(baseTime)
	rec.DegradedEnteredAt = timePtr(baseTime.Add(time.Hour))

	next, tr := Suspend(rec, "abuse", baseTime.Add(2*time.Hour))
	if tr == nil || tr.From != StateDegraded {
		t.Fatalf("transition = %+v", tr)
	}
	if next.WarnEnteredAt != nil || next.DegradedEnteredAt != nil {
		t.Errorf("record = %+v, want warn and degraded timestamps cleared", next)
	}
	if next.SuspendedAt == nil || !next.SuspendedAt.Equal(baseTime.Add(2*time.Hour)) {
		t.Errorf("SuspendedAt = %v", next.SuspendedAt)
	}
	if rec.WarnEnteredAt == nil {
		t.Error("Suspend modified its input")
	}
}

func TestReinstate(t *testing.T) {
	rec, _ := Suspend(NewRecord("acct"), "fraud", baseTime)
	rec.Version = 7

	next, tr, err := Reinstate(rec, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Reinstate error = %v", err)
	}
	if next.State != StateActive || next.SuspendReason != "" || next.SuspendedAt != nil {
		t.Errorf("record = %+v, want cleared ACTIVE", next)
	}
	if next.Version != 7 {
		t.Errorf("Version = %d, want 7", next.Version)
	}
	if tr == nil || tr.To != StateActive {
		t.Errorf("transition = %+v", tr)
	}

	_, _, err = Reinstate(next, baseTime)
	if !errors.Is(err, ErrNotSuspended) {
		t.Errorf("Reinstate(ACTIVE) error = %v, want ErrNotSuspended", err)
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec, _ := advance(t, NewRecord("acct"), evalAt(t, MetricDevices, 10, 10), baseTime)
	c := rec.Clone()
	*c.GraceEndsAt = baseTime
	c.TriggeredMetrics[0].Used = 999

	if rec.GraceEndsAt.Equal(baseTime) {
		t.Error("Clone shared GraceEndsAt")
	}
	if rec.TriggeredMetrics[0].Used == 999 {
		t.Error("Clone shared TriggeredMetrics")
	}
}

package quota

import (
	"fmt"
	"slices"
	"time"
)

// State is the enforcement state of an account.
type State string

const (
	StateActive    State = "ACTIVE"
	StateWarn      State = "WARN"
	StateGrace     State = "GRACE"
	StateDegraded  State = "DEGRADED"
	StateSuspended State = "SUSPENDED"
)

// AllStates returns the five states in escalation order.
func AllStates() []State {
	return []State{StateActive, StateWarn, StateGrace, StateDegraded, StateSuspended}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateWarn, StateGrace, StateDegraded, StateSuspended:
		return true
	}
	return false
}

// ParseState converts a stored or wire value into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return st, nil
}

type edge struct {
	from, to State
}

// validTransitions lists every edge the machine may take.
// Suspension is reachable from every state, reinstatement only leads to ACTIVE.
var validTransitions = map[edge]bool{
	{StateActive, StateWarn}:        true,
	{StateActive, StateGrace}:       true,
	{StateWarn, StateActive}:        true,
	{StateWarn, StateGrace}:         true,
	{StateGrace, StateWarn}:         true,
	{StateGrace, StateActive}:       true,
	{StateGrace, StateDegraded}:     true,
	{StateDegraded, StateActive}:    true,
	{StateDegraded, StateWarn}:      true,
	{StateActive, StateSuspended}:   true,
	{StateWarn, StateSuspended}:     true,
	{StateGrace, StateSuspended}:    true,
	{StateDegraded, StateSuspended}: true,
	{StateSuspended, StateActive}:   true,
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return validTransitions[edge{from, to}]
}

// TransitionsFrom returns the states reachable from s in one step, sorted.
func TransitionsFrom(s State) []State {
	var out []State
	for e := range validTransitions {
		if e.from == s {
			out = append(out, e.to)
		}
	}
	slices.Sort(out)
	return out
}

// Record is the persisted enforcement state of one account.
// It is created implicitly as ACTIVE and never deleted.
type Record struct {
	AccountID         string
	State             State
	WarnEnteredAt     *time.Time
	GraceEnteredAt    *time.Time
	GraceEndsAt       *time.Time // set only while State == GRACE
	DegradedEnteredAt *time.Time
	SuspendedAt       *time.Time
	SuspendReason     string
	TriggeredMetrics  []Utilization
	EvaluatedAt       time.Time
	// Version is bumped on every save and used for optimistic concurrency.
	Version int64
}

// NewRecord returns the implicit initial record for an account.
func NewRecord(accountID string) Record {
	return Record{AccountID: accountID, State: StateActive}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.WarnEnteredAt = cloneTime(r.WarnEnteredAt)
	out.GraceEnteredAt = cloneTime(r.GraceEnteredAt)
	out.GraceEndsAt = cloneTime(r.GraceEndsAt)
	out.DegradedEnteredAt = cloneTime(r.DegradedEnteredAt)
	out.SuspendedAt = cloneTime(r.SuspendedAt)
	if r.TriggeredMetrics != nil {
		out.TriggeredMetrics = make([]Utilization, len(r.TriggeredMetrics))
		copy(out.TriggeredMetrics, r.TriggeredMetrics)
	}
	return out
}

// SameState reports whether r and o hold identical enforcement data.
// EvaluatedAt and Version are ignored.
func (r Record) SameState(o Record) bool {
	return r.AccountID == o.AccountID &&
		r.State == o.State &&
		r.SuspendReason == o.SuspendReason &&
		timeEqual(r.WarnEnteredAt, o.WarnEnteredAt) &&
		timeEqual(r.GraceEnteredAt, o.GraceEnteredAt) &&
		timeEqual(r.GraceEndsAt, o.GraceEndsAt) &&
		timeEqual(r.DegradedEnteredAt, o.DegradedEnteredAt) &&
		timeEqual(r.SuspendedAt, o.SuspendedAt) &&
		slices.Equal(r.TriggeredMetrics, o.TriggeredMetrics)
}

// Transition describes one state change of an account.
type Transition struct {
	AccountID string
	From      State
	To        State
	At        time.Time
	Reason    string
	// Metric is the most severe metric at the time of an automatic transition.
	Metric     Metric
	Percentage float64
}

// Transition reasons.
const (
	ReasonThreshold      = "threshold"
	ReasonGraceExpired   = "grace_expired"
	ReasonRecovered      = "recovered"
	ReasonAdminSuspend   = "admin_suspend"
	ReasonAdminReinstate = "admin_reinstate"
)

// MachineConfig holds the engine-owned timing and threshold settings.
type MachineConfig struct {
	Thresholds    Thresholds
	GraceDuration time.Duration
}

// DefaultGraceDuration is the time an account may stay over its hard limit
// before being degraded.
const DefaultGraceDuration = 24 * time.Hour

// DefaultMachineConfig returns 80/100 thresholds and a 24 hour grace period.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{Thresholds: DefaultThresholds(), GraceDuration: DefaultGraceDuration}
}

// Advance applies the transition rules to rec given a fresh evaluation.
// It returns the next record and the transition taken, or nil when the state
// did not change. SUSPENDED is never left automatically.
// This is a PURE function - no side effects.
func Advance(rec Record, ev Evaluation, now time.Time, cfg MachineConfig) (Record, *Transition, error) {
	if !rec.State.Valid() {
		return rec, nil, fmt.Errorf("account %s: %w: %q", rec.AccountID, ErrInvalidState, rec.State)
	}

	next := rec.Clone()
	next.TriggeredMetrics = cloneUtilizations(ev.Triggered)
	next.EvaluatedAt = now

	peak := ev.MaxPercentage
	overHard := ev.Worst != "" && peak >= cfg.Thresholds.HardPercent
	overWarn := ev.Worst != "" && peak >= cfg.Thresholds.WarnPercent

	reason := ReasonThreshold
	switch rec.State {
	case StateActive:
		switch {
		case overHard:
			enterGrace(&next, now, cfg.GraceDuration)
		case overWarn:
			enterWarn(&next, now)
		}

	case StateWarn:
		switch {
		case overHard:
			enterGrace(&next, now, cfg.GraceDuration)
		case !overWarn:
			enterActive(&next)
			reason = ReasonRecovered
		}

	case StateGrace:
		switch {
		case overHard:
			if next.GraceEndsAt == nil {
				// repair a record that lost its deadline
				ends := now.Add(cfg.GraceDuration)
				next.GraceEndsAt = &ends
			}
			if !now.Before(*next.GraceEndsAt) {
				enterDegraded(&next, now)
				reason = ReasonGraceExpired
			}
		case overWarn:
			enterWarn(&next, now)
			reason = ReasonRecovered
		default:
			enterActive(&next)
			reason = ReasonRecovered
		}

	case StateDegraded:
		switch {
		case !overWarn:
			enterActive(&next)
			reason = ReasonRecovered
		case !overHard:
			enterWarn(&next, now)
			reason = ReasonRecovered
		}

	case StateSuspended:
		// only administrative reinstatement leaves SUSPENDED
	}

	if next.State == rec.State {
		return next, nil, nil
	}
	return next, &Transition{
		AccountID:  rec.AccountID,
		From:       rec.State,
		To:         next.State,
		At:         now,
		Reason:     reason,
		Metric:     ev.Worst,
		Percentage: peak,
	}, nil
}

// Suspend moves rec to SUSPENDED. Suspending an already suspended account
// only updates the reason and returns no transition.
// This is a PURE function.
func Suspend(rec Record, reason string, now time.Time) (Record, *Transition) {
	next := rec.Clone()
	next.SuspendReason = reason
	if rec.State == StateSuspended {
		return next, nil
	}
	enterActive(&next)
	next.State = StateSuspended
	next.SuspendedAt = timePtr(now)
	return next, &Transition{
		AccountID: rec.AccountID,
		From:      rec.State,
		To:        StateSuspended,
		At:        now,
		Reason:    ReasonAdminSuspend,
	}
}

// Reinstate moves a suspended account back to ACTIVE with every field cleared.
// The next evaluation re-derives the correct state from usage.
// This is a PURE function.
func Reinstate(rec Record, now time.Time) (Record, *Transition, error) {
	if rec.State != StateSuspended {
		return rec, nil, fmt.Errorf("account %s is %s: %w", rec.AccountID, rec.State, ErrNotSuspended)
	}
	next := NewRecord(rec.AccountID)
	next.Version = rec.Version
	next.EvaluatedAt = now
	return next, &Transition{
		AccountID: rec.AccountID,
		From:      StateSuspended,
		To:        StateActive,
		At:        now,
		Reason:    ReasonAdminReinstate,
	}, nil
}

func enterActive(r *Record) {
	r.State = StateActive
	r.WarnEnteredAt = nil
	r.GraceEnteredAt = nil
	r.GraceEndsAt = nil
	r.DegradedEnteredAt = nil
}

func enterWarn(r *Record, now time.Time) {
	r.State = StateWarn
	r.WarnEnteredAt = timePtr(now)
	r.GraceEnteredAt = nil
	r.GraceEndsAt = nil
	r.DegradedEnteredAt = nil
}

// enterGrace always restarts the grace timer. WarnEnteredAt is kept.
func enterGrace(r *Record, now time.Time, d time.Duration) {
	r.State = StateGrace
	r.GraceEnteredAt = timePtr(now)
	r.GraceEndsAt = timePtr(now.Add(d))
	r.DegradedEnteredAt = nil
}

func enterDegraded(r *Record, now time.Time) {
	r.State = StateDegraded
	r.DegradedEnteredAt = timePtr(now)
	r.GraceEnteredAt = nil
	r.GraceEndsAt = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneUtilizations(us []Utilization) []Utilization {
	if len(us) == 0 {
		return nil
	}
	out := make([]Utilization, len(us))
	copy(out, us)
	return out
}

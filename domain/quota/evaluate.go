package quota

import (
	"fmt"
	"sort"
)

// PlanLimits is an immutable snapshot of an account's plan (value type).
// A metric absent from Limits, or with a negative limit, is unlimited.
type PlanLimits struct {
	PlanID string
	Limits map[Metric]int64
}

// Unlimited returns plan limits with no limit on any metric.
func Unlimited() PlanLimits {
	return PlanLimits{PlanID: "unlimited"}
}

// Limit returns the limit for m and whether m is limited at all.
func (p PlanLimits) Limit(m Metric) (int64, bool) {
	n, ok := p.Limits[m]
	if !ok || n < 0 {
		return 0, false
	}
	return n, true
}

// With returns a copy of p with the limit for m set to n.
func (p PlanLimits) With(m Metric, n int64) PlanLimits {
	limits := make(map[Metric]int64, len(p.Limits)+1)
	for k, v := range p.Limits {
		limits[k] = v
	}
	limits[m] = n
	return PlanLimits{PlanID: p.PlanID, Limits: limits}
}

// Validate checks that every limited metric is known.
func (p PlanLimits) Validate() error {
	for m := range p.Limits {
		if !m.Valid() {
			return fmt.Errorf("plan %q: %w: %q", p.PlanID, ErrInvalidMetric, m)
		}
	}
	return nil
}

// Thresholds are the utilization percentages at which enforcement escalates.
type Thresholds struct {
	WarnPercent float64
	HardPercent float64
}

// DefaultThresholds returns the 80% warning and 100% hard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{WarnPercent: 80, HardPercent: 100}
}

// Validate ensures 0 < warn <= hard.
func (t Thresholds) Validate() error {
	if t.WarnPercent <= 0 || t.HardPercent <= 0 {
		return fmt.Errorf("%w: percentages must be positive", ErrInvalidThresholds)
	}
	if t.WarnPercent > t.HardPercent {
		return fmt.Errorf("%w: warn %.2f above hard %.2f", ErrInvalidThresholds, t.WarnPercent, t.HardPercent)
	}
	return nil
}

// Utilization is one metric's usage against its limit.
// Approaching and Exceeded are computed once here so renderers never
// compare percentages themselves.
type Utilization struct {
	Metric      Metric
	Used        int64
	Limit       int64
	Percentage  float64
	Approaching bool // Percentage >= warn threshold
	Exceeded    bool // Percentage >= hard threshold
}

// Evaluation is the output of Evaluate (value type).
type Evaluation struct {
	// Snapshot holds every limited metric in priority order.
	Snapshot []Utilization
	// Triggered holds metrics at or above the warn threshold,
	// by descending percentage then priority.
	Triggered []Utilization
	// Worst is the single most severe metric, empty when nothing is limited.
	Worst         Metric
	MaxPercentage float64
}

// Percentage returns used/limit*100, or 0 for a zero limit.
// This is a PURE function.
func Percentage(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) * 100 / float64(limit)
}

// Evaluate builds the utilization snapshot for an account.
// Unlimited metrics never appear in the output and never affect severity.
// This is a PURE function - no side effects.
func Evaluate(counts map[Metric]int64, limits PlanLimits, th Thresholds) (Evaluation, error) {
	for m := range counts {
		if !m.Valid() {
			return Evaluation{}, fmt.Errorf("%w: %q", ErrInvalidMetric, m)
		}
	}
	if err := limits.Validate(); err != nil {
		return Evaluation{}, err
	}

	var ev Evaluation
	for _, m := range priorityOrder {
		limit, ok := limits.Limit(m)
		if !ok {
			continue
		}
		used := counts[m]
		pct := Percentage(used, limit)
		u := Utilization{
			Metric:      m,
			Used:        used,
			Limit:       limit,
			Percentage:  pct,
			Approaching: pct >= th.WarnPercent,
			Exceeded:    pct >= th.HardPercent,
		}
		ev.Snapshot = append(ev.Snapshot, u)

		// priorityOrder iteration keeps the first metric on ties
		if ev.Worst == "" || pct > ev.MaxPercentage {
			ev.Worst = m
			ev.MaxPercentage = pct
		}
		if u.Approaching {
			ev.Triggered = append(ev.Triggered, u)
		}
	}

	SortBySeverity(ev.Triggered)
	return ev, nil
}

// SortBySeverity orders utilizations by descending percentage, ties by priority.
func SortBySeverity(us []Utilization) {
	sort.SliceStable(us, func(i, j int) bool {
		if us[i].Percentage != us[j].Percentage {
			return us[i].Percentage > us[j].Percentage
		}
		return us[i].Metric.Priority() < us[j].Metric.Priority()
	})
}

package quota

import (
	"math"
	"slices"
)

// DefaultMinSampleRate is the lowest sampling rate applied to a degraded
// volume metric (keep 1 in 2).
const DefaultMinSampleRate = 2

// Policy is the effective enforcement policy for an account (value type).
// It is derived on every evaluation and never persisted.
type Policy struct {
	State State
	// Sampling maps volume metrics to a rate N meaning "keep 1 in N".
	Sampling map[Metric]int
	// Capped lists registration metrics that are hard denied.
	Capped map[Metric]bool
	// Frozen lists publishing features that are denied account-wide.
	Frozen map[Feature]bool
	// DenyAll is set while the account is suspended.
	DenyAll bool
}

// FrozenFeatures returns the frozen features sorted by name.
func (p Policy) FrozenFeatures() []Feature {
	out := make([]Feature, 0, len(p.Frozen))
	for f, frozen := range p.Frozen {
		if frozen {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

// PolicyOptions tune the policy compiler.
type PolicyOptions struct {
	MinSampleRate int
}

// CompilePolicy derives the effective policy from the state and the
// triggered metrics using default options.
// This is a PURE function.
func CompilePolicy(state State, triggered []Utilization) Policy {
	return Compile(state, triggered, PolicyOptions{})
}

// Compile derives the effective policy from the state and the triggered metrics.
//
// ACTIVE, WARN and GRACE carry no restrictions. DEGRADED samples triggered
// volume metrics at 1 in max(MinSampleRate, ceil(pct/100)), hard denies
// exceeded registration metrics and freezes publishing features. SUSPENDED
// denies everything.
// This is a PURE function - no side effects.
func Compile(state State, triggered []Utilization, opts PolicyOptions) Policy {
	minRate := opts.MinSampleRate
	if minRate < 2 {
		minRate = DefaultMinSampleRate
	}

	p := Policy{State: state}
	switch state {
	case StateDegraded:
		p.Frozen = map[Feature]bool{
			FeatureBusinessConfig: true,
			FeatureLocalization:   true,
		}
		for _, u := range triggered {
			switch u.Metric.Class() {
			case ClassVolume:
				if p.Sampling == nil {
					p.Sampling = make(map[Metric]int)
				}
				p.Sampling[u.Metric] = SampleRate(u.Percentage, minRate)
			case ClassRegistration:
				if !u.Exceeded {
					continue
				}
				if p.Capped == nil {
					p.Capped = make(map[Metric]bool)
				}
				p.Capped[u.Metric] = true
			}
		}
	case StateSuspended:
		p.DenyAll = true
	}
	return p
}

// SampleRate returns max(minRate, ceil(pct/100)).
// The rate saturates at math.MaxInt32.
func SampleRate(pct float64, minRate int) int {
	rate := int(math.Min(math.Ceil(pct/100), math.MaxInt32))
	if rate < minRate {
		return minRate
	}
	return rate
}

// Decide maps the policy to a decision for one metric.
// This is a PURE function.
func Decide(p Policy, m Metric) Decision {
	if !m.Valid() {
		return Deny{Reason: DenyInvalidMetric}
	}
	if p.DenyAll {
		return Deny{Reason: DenySuspended}
	}
	if f, ok := m.Feature(); ok && p.Frozen[f] {
		return Deny{Reason: DenyFeatureFrozen}
	}
	if p.Capped[m] {
		return Deny{Reason: DenyHardCap}
	}
	if rate, ok := p.Sampling[m]; ok {
		return Sample{Rate: rate}
	}
	return Allow{}
}

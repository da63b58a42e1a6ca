// Package quota provides pure functions for usage-quota enforcement.
// All functions are deterministic with no side effects.
package quota

import (
	"fmt"
	"time"
)

// Metric identifies one independently metered resource type.
type Metric string

const (
	MetricDevices               Metric = "devices"
	MetricLogs                  Metric = "logs"
	MetricCrashes               Metric = "crashes"
	MetricSessions              Metric = "sessions"
	MetricAPIRequests           Metric = "apiRequests"
	MetricAPIEndpoints          Metric = "apiEndpoints"
	MetricBusinessConfigKeys    Metric = "businessConfigKeys"
	MetricLocalizationLanguages Metric = "localizationLanguages"
	MetricLocalizationKeys      Metric = "localizationKeys"
	MetricMockEndpoints         Metric = "mockEndpoints"
	MetricProjects              Metric = "projects"
	MetricTeamMembers           Metric = "teamMembers"
)

// priorityOrder breaks ties between metrics at equal utilization.
// Earlier entries are more severe.
var priorityOrder = []Metric{
	MetricAPIRequests,
	MetricDevices,
	MetricLogs,
	MetricCrashes,
	MetricSessions,
	MetricAPIEndpoints,
	MetricBusinessConfigKeys,
	MetricLocalizationKeys,
	MetricLocalizationLanguages,
	MetricMockEndpoints,
	MetricProjects,
	MetricTeamMembers,
}

var priorityIndex = func() map[Metric]int {
	m := make(map[Metric]int, len(priorityOrder))
	for i, metric := range priorityOrder {
		m[metric] = i
	}
	return m
}()

// AllMetrics returns every metric in severity priority order.
func AllMetrics() []Metric {
	out := make([]Metric, len(priorityOrder))
	copy(out, priorityOrder)
	return out
}

// ParseMetric converts a wire name into a Metric.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMetric, s)
	}
	return m, nil
}

// Valid reports whether m is one of the twelve known metrics.
func (m Metric) Valid() bool {
	_, ok := priorityIndex[m]
	return ok
}

// Priority returns the tie-break rank of m. Lower is more severe.
// Unknown metrics sort after all known ones.
func (m Metric) Priority() int {
	if p, ok := priorityIndex[m]; ok {
		return p
	}
	return len(priorityOrder)
}

// MetricClass groups metrics by how they are degraded.
type MetricClass int

const (
	// ClassVolume metrics are high-volume ingestion streams that get sampled.
	ClassVolume MetricClass = iota
	// ClassRegistration metrics count registered entities that get a hard cap.
	ClassRegistration
)

// String returns the string representation of a metric class.
func (c MetricClass) String() string {
	switch c {
	case ClassVolume:
		return "volume"
	case ClassRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// Class returns the degradation class of m.
func (m Metric) Class() MetricClass {
	switch m {
	case MetricAPIRequests, MetricSessions, MetricLogs, MetricCrashes:
		return ClassVolume
	default:
		return ClassRegistration
	}
}

// Feature is an account-wide publishing capability that can be frozen.
type Feature string

const (
	FeatureBusinessConfig Feature = "businessConfig"
	FeatureLocalization   Feature = "localization"
)

// Feature returns the publishing feature that writes to m, if any.
func (m Metric) Feature() (Feature, bool) {
	switch m {
	case MetricBusinessConfigKeys:
		return FeatureBusinessConfig, true
	case MetricLocalizationKeys, MetricLocalizationLanguages:
		return FeatureLocalization, true
	default:
		return "", false
	}
}

// PeriodBounds returns the start and end of a billing period for a given time.
// This is a PURE function.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return
}

// PeriodStart returns the first instant of the billing period containing t.
func PeriodStart(t time.Time) time.Time {
	start, _ := PeriodBounds(t)
	return start
}

// PeriodUsage is the archived counter set of one account for one billing period.
type PeriodUsage struct {
	AccountID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Counts      map[Metric]int64
	ArchivedAt  time.Time
}

// Total returns the sum of all counters in the period.
func (p PeriodUsage) Total() int64 {
	var n int64
	for _, c := range p.Counts {
		n += c
	}
	return n
}

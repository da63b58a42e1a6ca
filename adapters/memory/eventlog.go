package memory

import (
	"context"
	"sync"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// EventLog keeps the most recent transitions of every account in memory.
type EventLog struct {
	mu       sync.RWMutex
	events   map[string][]quota.Transition // oldest first
	capacity int
}

// NewEventLog creates an event log that keeps up to capacity transitions
// per account (default: 100).
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &EventLog{
		events:   make(map[string][]quota.Transition),
		capacity: capacity,
	}
}

// Append records one transition, evicting the oldest when full.
func (l *EventLog) Append(ctx context.Context, t quota.Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	evs := append(l.events[t.AccountID], t)
	if len(evs) > l.capacity {
		evs = evs[len(evs)-l.capacity:]
	}
	l.events[t.AccountID] = evs
	return nil
}

// List returns up to limit transitions, newest first.
func (l *EventLog) List(ctx context.Context, accountID string, limit int) ([]quota.Transition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	evs := l.events[accountID]
	n := len(evs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]quota.Transition, 0, n)
	for i := len(evs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, evs[i])
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.EventLog = (*EventLog)(nil)

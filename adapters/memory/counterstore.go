package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// accountCounters holds the live counters and archive of one account.
type accountCounters struct {
	periodStart time.Time
	counts      map[quota.Metric]int64
	history     []quota.PeriodUsage // newest first
}

// counterShard is a single shard of the counter store.
type counterShard struct {
	mu       sync.Mutex
	accounts map[string]*accountCounters
}

// CounterStore is a sharded in-memory implementation of ports.CounterStore.
// All counters of one account live in the same shard, so rollover and
// increments of an account serialize on that shard's lock.
type CounterStore struct {
	shards     []*counterShard
	numShards  int
	clock      ports.Clock
	maxHistory int
}

// CounterStoreConfig configures the counter store.
type CounterStoreConfig struct {
	NumShards  int         // Number of shards (default: 32)
	Clock      ports.Clock // Used to stamp the first period of an account
	MaxHistory int         // Archived periods kept per account (default: 24)
}

// NewCounterStore creates a new sharded in-memory counter store.
func NewCounterStore(cfg CounterStoreConfig) *CounterStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 24
	}

	s := &CounterStore{
		shards:     make([]*counterShard, cfg.NumShards),
		numShards:  cfg.NumShards,
		clock:      cfg.Clock,
		maxHistory: cfg.MaxHistory,
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{accounts: make(map[string]*accountCounters)}
	}
	return s
}

// getShard returns the shard for an account using consistent hashing.
func (s *CounterStore) getShard(accountID string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// entry returns the account's counters, creating them if needed.
// Caller must hold shard.mu.
func (s *CounterStore) entry(shard *counterShard, accountID string) *accountCounters {
	acc, ok := shard.accounts[accountID]
	if !ok {
		acc = &accountCounters{
			periodStart: quota.PeriodStart(s.clock.Now()),
			counts:      make(map[quota.Metric]int64),
		}
		shard.accounts[accountID] = acc
	}
	return acc
}

// Increment atomically adds by to a counter and returns the new value.
func (s *CounterStore) Increment(ctx context.Context, accountID string, m quota.Metric, by int64) (int64, error) {
	if !m.Valid() {
		return 0, fmt.Errorf("%w: %q", quota.ErrInvalidMetric, m)
	}
	if by <= 0 {
		return 0, quota.ErrInvalidAmount
	}

	shard := s.getShard(accountID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	acc := s.entry(shard, accountID)
	if acc.counts[m] > math.MaxInt64-by {
		return 0, fmt.Errorf("%w: %s counter would overflow", quota.ErrInvalidAmount, m)
	}
	acc.counts[m] += by
	return acc.counts[m], nil
}

// Get returns one counter value.
func (s *CounterStore) Get(ctx context.Context, accountID string, m quota.Metric) (int64, error) {
	shard := s.getShard(accountID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	acc, ok := shard.accounts[accountID]
	if !ok {
		return 0, nil
	}
	return acc.counts[m], nil
}

// GetAll returns a copy of every counter of the account.
func (s *CounterStore) GetAll(ctx context.Context, accountID string) (map[quota.Metric]int64, error) {
	shard := s.getShard(accountID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	out := make(map[quota.Metric]int64)
	if acc, ok := shard.accounts[accountID]; ok {
		for m, n := range acc.counts {
			out[m] = n
		}
	}
	return out, nil
}

// Rollover archives the live counters and zeroes them.
func (s *CounterStore) Rollover(ctx context.Context, accountID string, periodStart time.Time) (quota.PeriodUsage, error) {
	shard := s.getShard(accountID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	acc := s.entry(shard, accountID)
	archived := quota.PeriodUsage{
		AccountID:   accountID,
		PeriodStart: acc.periodStart,
		PeriodEnd:   periodStart,
		Counts:      acc.counts,
		ArchivedAt:  s.clock.Now(),
	}

	acc.history = append([]quota.PeriodUsage{archived}, acc.history...)
	if len(acc.history) > s.maxHistory {
		acc.history = acc.history[:s.maxHistory]
	}
	acc.periodStart = periodStart
	acc.counts = make(map[quota.Metric]int64)

	return copyPeriod(archived), nil
}

// History returns archived periods, newest first.
func (s *CounterStore) History(ctx context.Context, accountID string, limit int) ([]quota.PeriodUsage, error) {
	shard := s.getShard(accountID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	acc, ok := shard.accounts[accountID]
	if !ok {
		return nil, nil
	}
	n := len(acc.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]quota.PeriodUsage, n)
	for i := 0; i < n; i++ {
		out[i] = copyPeriod(acc.history[i])
	}
	return out, nil
}

// Periods lists every account with live counters, sorted by account ID.
func (s *CounterStore) Periods(ctx context.Context) ([]ports.AccountPeriod, error) {
	var out []ports.AccountPeriod
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, acc := range shard.accounts {
			out = append(out, ports.AccountPeriod{AccountID: id, PeriodStart: acc.periodStart})
		}
		shard.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// Clear removes all state (for testing).
func (s *CounterStore) Clear() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.accounts = make(map[string]*accountCounters)
		shard.mu.Unlock()
	}
}

// Len returns the number of accounts across all shards (for testing).
func (s *CounterStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.accounts)
		shard.mu.Unlock()
	}
	return total
}

func copyPeriod(p quota.PeriodUsage) quota.PeriodUsage {
	counts := make(map[quota.Metric]int64, len(p.Counts))
	for m, n := range p.Counts {
		counts[m] = n
	}
	p.Counts = counts
	return p
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)

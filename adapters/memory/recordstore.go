package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

type recordShard struct {
	mu      sync.RWMutex
	records map[string]quota.Record
}

// RecordStore is a sharded in-memory implementation of ports.RecordStore
// with optimistic versioning.
type RecordStore struct {
	shards    []*recordShard
	numShards int
}

// NewRecordStore creates a record store with numShards shards (default: 32).
func NewRecordStore(numShards int) *RecordStore {
	if numShards <= 0 {
		numShards = 32
	}
	s := &RecordStore{
		shards:    make([]*recordShard, numShards),
		numShards: numShards,
	}
	for i := range s.shards {
		s.shards[i] = &recordShard{records: make(map[string]quota.Record)}
	}
	return s
}

func (s *RecordStore) getShard(accountID string) *recordShard {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Get returns a snapshot of the record, or a fresh ACTIVE record.
func (s *RecordStore) Get(ctx context.Context, accountID string) (quota.Record, error) {
	shard := s.getShard(accountID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	rec, ok := shard.records[accountID]
	if !ok {
		return quota.NewRecord(accountID), nil
	}
	return rec.Clone(), nil
}

// Save stores rec if its version matches the stored one.
func (s *RecordStore) Save(ctx context.Context, rec quota.Record) (quota.Record, error) {
	if rec.AccountID == "" {
		return quota.Record{}, quota.ErrAccountRequired
	}
	shard := s.getShard(rec.AccountID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current := shard.records[rec.AccountID].Version
	if current != rec.Version {
		return quota.Record{}, fmt.Errorf("account %s: version %d, stored %d: %w",
			rec.AccountID, rec.Version, current, quota.ErrTransitionConflict)
	}
	saved := rec.Clone()
	saved.Version = current + 1
	shard.records[rec.AccountID] = saved
	return saved.Clone(), nil
}

// Len returns the number of stored records (for testing).
func (s *RecordStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.records)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.RecordStore = (*RecordStore)(nil)

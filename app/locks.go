package app

import (
	"hash/fnv"
	"sync"
)

// accountLocks serializes work per account without a process-wide lock.
// Accounts hash onto a fixed set of mutexes; two accounts may share a
// mutex but one account always maps to the same one.
type accountLocks struct {
	shards []sync.Mutex
}

func newAccountLocks(n int) *accountLocks {
	if n <= 0 {
		n = 256
	}
	return &accountLocks{shards: make([]sync.Mutex, n)}
}

func (l *accountLocks) shard(accountID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Lock locks the account and returns its unlock function.
func (l *accountLocks) Lock(accountID string) func() {
	m := l.shard(accountID)
	m.Lock()
	return m.Unlock
}

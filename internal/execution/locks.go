package execution

import (
	"sync"

	"github.com/google/uuid"
)

// orderLocks provides per-order mutual exclusion: only one executor
// operation (submit, retry, cancel) runs for a given order id at a time,
// while unrelated orders proceed in parallel. Locks are created on demand
// and reclaimed when the last holder releases them.
type orderLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[uuid.UUID]*orderLock)}
}

// acquire blocks until the caller holds the lock for the order id.
func (l *orderLocks) acquire(orderID uuid.UUID) *orderLock {
	l.mu.Lock()
	entry, ok := l.locks[orderID]
	if !ok {
		entry = &orderLock{}
		l.locks[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return entry
}

// release unlocks and drops the registry entry once nobody holds or waits.
func (l *orderLocks) release(orderID uuid.UUID, entry *orderLock) {
	entry.mu.Unlock()

	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, orderID)
	}
	l.mu.Unlock()
}

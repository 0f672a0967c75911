package position

import (
	"strings"
	"sync"
)

// keyedLocks hands out one mutex per (trader, symbol). Entries are never removed;
// the key space is bounded by traders times traded symbols.
type keyedLocks struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(traderID, symbol string) *sync.Mutex {
	key := traderID + "|" + strings.ToUpper(symbol)

	k.mu.RLock()
	l, ok := k.locks[key]
	k.mu.RUnlock()
	if ok {
		return l
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	// Double-check after acquiring the write lock.
	if l, ok = k.locks[key]; ok {
		return l
	}
	l = &sync.Mutex{}
	k.locks[key] = l
	return l
}

func (k *keyedLocks) lock(traderID, symbol string) func() {
	l := k.get(traderID, symbol)
	l.Lock()
	return l.Unlock
}

func (k *keyedLocks) size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.locks)
}

package services

import "sync"

// attemptLocks serialises work on a single checkout attempt within this process. Cross-process
// safety comes from the ledger and the order idempotency key.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[string]*attemptLock
}

type attemptLock struct {
	sync.Mutex
	refs int
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[string]*attemptLock)}
}

// lock acquires the lock for key and returns its release func.
func (l *attemptLocks) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &attemptLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

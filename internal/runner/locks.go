package runner

import "sync"

// lockTable is a keyed try-lock registry. Locks are owned by the
// runner and released through explicit handles so cleanup stays
// auditable on every exit path.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

// tryAcquire takes the lock for key if it is free. It never blocks: a
// firing that loses the race is skipped, not queued.
func (l *lockTable) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// isHeld reports whether key is currently locked.
func (l *lockTable) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

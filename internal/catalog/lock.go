package catalog

import "sync"

// DBLock serializes multi-step catalog sections such as volume selection.
// It is not reentrant: functions documented as "caller holds the catalog lock"
// must not acquire it again.
type DBLock struct {
	mu sync.Mutex
}

// Acquire takes the lock and returns its release function, meant for
// `defer lock.Acquire()()`.
func (l *DBLock) Acquire() (release func()) {
	l.mu.Lock()
	return l.mu.Unlock
}

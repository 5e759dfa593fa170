package usecase

import "sync"

// reportLocks serializes work per report id. Idle locks are released.
type reportLocks struct {
	mu    sync.Mutex
	locks map[string]*reportLock
}

type reportLock struct {
	mu   sync.Mutex
	refs int
}

func newReportLocks() *reportLocks {
	return &reportLocks{locks: make(map[string]*reportLock)}
}

// Lock blocks until the report is free and returns the unlock function.
func (l *reportLocks) Lock(reportID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[reportID]
	if !ok {
		lock = &reportLock{}
		l.locks[reportID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, reportID)
		}
		l.mu.Unlock()
	}
}

func (l *reportLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

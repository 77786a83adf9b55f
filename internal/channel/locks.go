package channel

import "sync"

// lockTable hands out one RWMutex per key and forgets it once nobody holds
// or waits on it, so the table only grows with in-flight work.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*refLock)}
}

func (t *lockTable) Lock(key string) func() {
	l := t.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		t.release(key, l)
	}
}

func (t *lockTable) RLock(key string) func() {
	l := t.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		t.release(key, l)
	}
}

func (t *lockTable) acquire(key string) *refLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &refLock{}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(key string, l *refLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

package planner

import "sync"

// keyedLock serializes planning per (rule, date) key. Concurrent planning of
// different rules proceeds in parallel; two runs for the same rule and date
// never interleave, so duplicate-insert races cannot occur even before the
// storage uniqueness constraint absorbs them.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLock) acquire(key string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}

package incident

import (
	"sync"

	"hemis-telemetry/internal/models"
)

// keyLocks one mutex per incident key, dropped once nobody holds or waits on it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[models.IncidentKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: map[models.IncidentKey]*refMutex{}}
}

// lock blocks until key is held and returns its unlock func.
func (k *keyLocks) lock(key models.IncidentKey) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

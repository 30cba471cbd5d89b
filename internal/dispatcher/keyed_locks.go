package dispatcher

import "sync"

// keyedLocks gives each session or sender-key key (a peer id, a
// channel id, or a channel+distribution id) its own mutex, so
// concurrent calls touching different keys never block each other
// while calls on the same key are strictly serialized (spec §5).
type keyedLocks struct {
	mu    sync.Mutex
	perID map[string]*sync.Mutex
}

func newKeyedLocks() keyedLocks {
	return keyedLocks{perID: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key, creating it on first use, and
// returns an unlock function the caller must defer.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.perID[key]
	if !ok {
		m = &sync.Mutex{}
		k.perID[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

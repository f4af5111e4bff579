package util

import "sync"

// KeyedMutex serializes work per key. Different keys proceed in parallel.
// Entries are reference counted and dropped once no caller holds or waits
// on them, so the map does not grow with the number of keys ever seen.
type KeyedMutex struct {
	mu sync.Mutex        // protects m
	m  map[string]*entry // lazily initialized
}

type entry struct {
	mu   sync.Mutex
	refs int // guarded by KeyedMutex.mu
}

// Lock acquires the mutex for key and returns the function that releases it.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*entry)
	}
	e, ok := k.m[key]
	if !ok {
		e = new(entry)
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.m, key)
			}
			k.mu.Unlock()
		})
	}
}

package proof

import "sync"

// HeaderTracker remembers headers observed locally, per chain and height.
type HeaderTracker struct {
	mu      sync.RWMutex
	headers map[string]map[uint64][32]byte
	tips    map[string]uint64
}

func NewHeaderTracker() *HeaderTracker {
	return &HeaderTracker{
		headers: make(map[string]map[uint64][32]byte),
		tips:    make(map[string]uint64),
	}
}

// Track records header at height, replacing any earlier header there (reorg).
func (t *HeaderTracker) Track(chain string, height uint64, header [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byHeight, ok := t.headers[chain]
	if !ok {
		byHeight = make(map[uint64][32]byte)
		t.headers[chain] = byHeight
	}
	byHeight[height] = header
	if height > t.tips[chain] {
		t.tips[chain] = height
	}
}

func (t *HeaderTracker) Lookup(chain string, height uint64) ([32]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	header, ok := t.headers[chain][height]
	return header, ok
}

// Tip returns the highest tracked height for chain, or 0.
func (t *HeaderTracker) Tip(chain string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tips[chain]
}

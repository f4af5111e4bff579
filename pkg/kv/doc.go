// Package kv provides a Redis-like key-value store abstraction with in-memory
// and Redis-backed implementations.
//
// The surface is small: string values, append-only lists for
// insertion-ordered indexes, and batched reads. Keys never expire and are
// never deleted.
//
// Example usage:
//
//	store, err := NewStoreFromConfig(Config{Backend: BackendMemory})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	ctx := context.Background()
//	if err := store.Set(ctx, "bridge:lock:abc", record); err != nil {
//		log.Fatal(err)
//	}
//	if _, err := store.RPush(ctx, "bridge:dest:addr", []byte("abc")); err != nil {
//		log.Fatal(err)
//	}
//
// Lock records are the system of record for the bridge, so the Redis backend
// never falls back to memory: an unreachable Redis is reported as
// ErrBackendUnavailable and the caller decides what to do.
package kv

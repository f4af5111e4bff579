package lockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/pkg/kv"
)

const (
	lockKeyPrefix = "bridge:lock:"
	destKeyPrefix = "bridge:dest:"
	allLocksKey   = "bridge:locks"
)

func lockKey(id string) string          { return lockKeyPrefix + id }
func destinationKey(dest string) string { return destKeyPrefix + dest }

// KVStore keeps one record per lock in a kv.Store, plus append-only index
// lists per destination. Index entries are written before the record, so an
// interrupted first write leaves at most a dangling index entry, which reads skip.
type KVStore struct {
	store kv.Store
}

func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{store: store}
}

func (s *KVStore) Put(ctx context.Context, lock bridge.BridgeLock) error {
	if lock.ID == "" {
		return fmt.Errorf("lock id is required")
	}
	data, err := bridge.EncodeRecord(lock, 0)
	if err != nil {
		return err
	}

	key := lockKey(lock.ID)
	n, err := s.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if n == 0 {
		if _, err := s.store.RPush(ctx, destinationKey(lock.Destination), []byte(lock.ID)); err != nil {
			return fmt.Errorf("index destination: %w", err)
		}
		if _, err := s.store.RPush(ctx, allLocksKey, []byte(lock.ID)); err != nil {
			return fmt.Errorf("index lock: %w", err)
		}
	}

	if err := s.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, id string) (bridge.BridgeLock, error) {
	data, err := s.store.Get(ctx, lockKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return bridge.BridgeLock{}, bridge.ErrLockNotFound
		}
		return bridge.BridgeLock{}, fmt.Errorf("read lock %s: %w", id, err)
	}
	lock, _, err := bridge.DecodeRecord(data)
	return lock, err
}

func (s *KVStore) ScanByDestination(ctx context.Context, destination string) ([]bridge.BridgeLock, error) {
	locks, err := s.scanIndex(ctx, destinationKey(destination))
	if err != nil {
		return nil, err
	}
	out := locks[:0]
	for _, lock := range locks {
		if lock.Destination == destination {
			out = append(out, lock)
		}
	}
	return out, nil
}

// List returns every lock in insertion order.
func (s *KVStore) List(ctx context.Context) ([]bridge.BridgeLock, error) {
	return s.scanIndex(ctx, allLocksKey)
}

func (s *KVStore) scanIndex(ctx context.Context, indexKey string) ([]bridge.BridgeLock, error) {
	ids, err := s.store.LRange(ctx, indexKey, 0, -1)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return []bridge.BridgeLock{}, nil
		}
		return nil, fmt.Errorf("read index %s: %w", indexKey, err)
	}

	seen := make(map[string]struct{}, len(ids))
	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := string(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, lockKey(id))
	}
	if len(keys) == 0 {
		return []bridge.BridgeLock{}, nil
	}

	records, err := s.store.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read locks: %w", err)
	}

	locks := make([]bridge.BridgeLock, 0, len(records))
	for _, data := range records {
		if data == nil {
			continue
		}
		lock, _, err := bridge.DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *KVStore) Close() error {
	return s.store.Close()
}

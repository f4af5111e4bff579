package lockstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/drachma/drachma-bridge/internal/bridge"
)

const (
	// recordSuffix is the extension of a persisted lock file
	recordSuffix = ".lock"
	// tempSuffix marks a write in progress
	tempSuffix = ".tmp"
	// filePermissions for lock files (owner read/write only)
	filePermissions = 0o600
	// dirPermissions for the store directory
	dirPermissions = 0o700
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type fileEntry struct {
	seq         uint64
	destination string
}

// FileStore keeps one file per lock in a directory. Each write goes to a
// temp file that is synced and renamed over the record, so a crash leaves
// either the old or the new record. Insertion order survives restarts via
// the sequence number stored in each record.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	seq   uint64
	index map[string]fileEntry
}

// OpenFileStore opens or creates a store rooted at dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	s := &FileStore{
		dir:   filepath.Clean(dir),
		index: make(map[string]fileEntry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load rebuilds the in-memory index and removes writes interrupted by a crash.
func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read lock directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tempSuffix) {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, recordSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		lock, seq, err := bridge.DecodeRecord(data)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		s.index[lock.ID] = fileEntry{seq: seq, destination: lock.Destination}
		if seq > s.seq {
			s.seq = seq
		}
	}
	return nil
}

func (s *FileStore) path(id string) (string, error) {
	if !safeID.MatchString(id) {
		return "", fmt.Errorf("lock id %q is not usable as a file name", id)
	}
	return filepath.Join(s.dir, id+recordSuffix), nil
}

func (s *FileStore) Put(ctx context.Context, lock bridge.BridgeLock) error {
	path, err := s.path(lock.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[lock.ID]
	if !ok {
		entry = fileEntry{seq: s.seq + 1}
	}
	entry.destination = lock.Destination

	data, err := bridge.EncodeRecord(lock, entry.seq)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}

	s.index[lock.ID] = entry
	if entry.seq > s.seq {
		s.seq = entry.seq
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (bridge.BridgeLock, error) {
	path, err := s.path(id)
	if err != nil {
		return bridge.BridgeLock{}, bridge.ErrLockNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return readLockFile(path)
}

func (s *FileStore) ScanByDestination(ctx context.Context, destination string) ([]bridge.BridgeLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type ordered struct {
		id  string
		seq uint64
	}
	matches := make([]ordered, 0)
	for id, e := range s.index {
		if e.destination == destination {
			matches = append(matches, ordered{id: id, seq: e.seq})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	locks := make([]bridge.BridgeLock, 0, len(matches))
	for _, m := range matches {
		lock, err := readLockFile(filepath.Join(s.dir, m.id+recordSuffix))
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// Ping reports whether the store directory is still reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("stat lock directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func readLockFile(path string) (bridge.BridgeLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return bridge.BridgeLock{}, bridge.ErrLockNotFound
		}
		return bridge.BridgeLock{}, fmt.Errorf("read lock file: %w", err)
	}
	lock, _, err := bridge.DecodeRecord(data)
	return lock, err
}

// writeFileAtomic writes data to path using temp file + fsync + rename
func writeFileAtomic(path string, data []byte) error {
	tempFile := path + tempSuffix
	file, err := os.OpenFile(tempFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	defer func() {
		if file != nil {
			file.Close()
			os.Remove(tempFile)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	file = nil

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// Persist the rename itself.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

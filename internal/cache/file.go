package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/spinal/internal/snapshot"
	"github.com/ChuLiYu/spinal/internal/storage/wal"
)

// 每累積這麼多筆 WAL 事件就做一次快照並截斷日誌
const defaultCompactEvery = 1000

// FileStore 以 WAL + 快照持久化的本機 store
//
// 恢復流程：載入快照 -> 重放 LastSeq 之後的 WAL 事件。
type FileStore struct {
	mu           sync.Mutex
	entries      map[string]snapshot.Entry
	wal          *wal.WAL
	snapshots    *snapshot.Manager
	sinceCompact int
	compactEvery int
	logger       *slog.Logger
}

// OpenFileStore 開啟（或建立）dir 下的 store
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	snapshots := snapshot.NewManager(filepath.Join(dir, "store.snapshot"))
	data, err := snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	w, err := wal.NewWAL(filepath.Join(dir, "store.wal"), false)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	w.AdvanceSeq(data.LastSeq)

	s := &FileStore{
		entries:      data.Entries,
		wal:          w,
		snapshots:    snapshots,
		compactEvery: defaultCompactEvery,
		logger:       slog.Default().With("component", "filestore", "dir", dir),
	}

	replayed := 0
	err = w.Replay(data.LastSeq, func(ev wal.Event) error {
		s.apply(ev)
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	s.sinceCompact = replayed

	s.logger.Info("File store recovered", "entries", len(s.entries), "snapshot_seq", data.LastSeq, "replayed", replayed)
	return s, nil
}

func (s *FileStore) apply(ev wal.Event) {
	switch ev.Type {
	case wal.EventSet:
		s.entries[ev.Key] = snapshot.Entry{Value: ev.Value, ExpiresAt: ev.ExpiresAt}
	case wal.EventDelete:
		delete(s.entries, ev.Key)
	}
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || expired(entry.ExpiresAt, time.Now()) {
		return nil, ErrMiss
	}
	return entry.Value, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	return s.append(wal.Event{Type: wal.EventSet, Key: key, Value: buf, ExpiresAt: expiry(ttl)})
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	_, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.append(wal.Event{Type: wal.EventDelete, Key: key})
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var keys []string
	for k, entry := range s.entries {
		if strings.HasPrefix(k, prefix) && !expired(entry.ExpiresAt, now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Compact 寫入快照並截斷 WAL，過期的 key 不會進入快照
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.compactLocked(); err != nil {
		s.logger.Warn("Compaction on close failed", "error", err)
	}
	return s.wal.Close()
}

func (s *FileStore) append(ev wal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.wal.Append(ev, true); err != nil {
		return wrap(strings.ToLower(string(ev.Type)), ev.Key, err)
	}
	s.apply(ev)

	s.sinceCompact++
	if s.sinceCompact >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			s.logger.Warn("Compaction failed", "error", err)
		}
	}
	return nil
}

func (s *FileStore) compactLocked() error {
	now := time.Now()
	live := make(map[string]snapshot.Entry, len(s.entries))
	for k, entry := range s.entries {
		if expired(entry.ExpiresAt, now) {
			continue
		}
		live[k] = entry
	}

	seq := s.wal.GetLastSeq()
	if err := s.snapshots.Write(snapshot.Data{Entries: live, LastSeq: seq}); err != nil {
		return err
	}
	if err := s.wal.Rotate(); err != nil {
		return err
	}
	s.entries = live
	s.sinceCompact = 0
	s.logger.Debug("Compacted", "entries", len(live), "last_seq", seq)
	return nil
}

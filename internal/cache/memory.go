package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMemorySize 程序內 store 預設容量
const DefaultMemorySize = 10000

type memoryEntry struct {
	value     []byte
	expiresAt int64
}

// MemoryStore 以 ARC 快取實作的程序內 store，容量滿時淘汰較少使用的 key
type MemoryStore struct {
	arc *lru.ARCCache
}

// NewMemoryStore 建立程序內 store，size <= 0 時使用預設容量
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	arc, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{arc: arc}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.arc.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	entry := v.(memoryEntry)
	if expired(entry.expiresAt, time.Now()) {
		s.arc.Remove(key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.arc.Add(key, memoryEntry{value: buf, expiresAt: expiry(ttl)})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.arc.Remove(key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	var keys []string
	for _, k := range s.arc.Keys() {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		// Peek 不影響 ARC 的使用頻率統計
		v, ok := s.arc.Peek(key)
		if !ok || expired(v.(memoryEntry).expiresAt, now) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStore) Close() error {
	s.arc.Purge()
	return nil
}

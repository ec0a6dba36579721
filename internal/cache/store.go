// Package cache 提供回應快取與任務紀錄共用的 key/value store
//
// 支援三種後端：
//   - redis://   共享的 Redis（go-redis）
//   - memory://  程序內 ARC 快取（golang-lru），僅供單一程序使用
//   - file:///   本機檔案（WAL + 快照），broker 單機部署時的持久化選項
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/spinal/pkg/types"
)

// ErrMiss key 不存在或已過期
var ErrMiss = errors.New("cache: miss")

// Store key/value store 介面
type Store interface {
	// Get 取得 key 的值，不存在時回傳 ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 寫入 key，ttl <= 0 代表不過期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 刪除 key，不存在時不視為錯誤
	Delete(ctx context.Context, key string) error
	// Keys 列出所有以 prefix 開頭的 key
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open 依 URL scheme 建立 store
//
//	redis://[:password@]host:port/db
//	memory://[?size=N]
//	file:///var/lib/spinal
func Open(rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.Configf("invalid store url %q: %v", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, types.Configf("invalid redis url %q: %v", rawURL, err)
		}
		return NewRedisStore(opts), nil
	case "memory":
		size := 0
		if s := u.Query().Get("size"); s != "" {
			if size, err = strconv.Atoi(s); err != nil {
				return nil, types.Configf("invalid memory store size %q", s)
			}
		}
		return NewMemoryStore(size)
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + dir
		}
		if dir == "" {
			return nil, types.Configf("file store url %q has no path", rawURL)
		}
		return OpenFileStore(dir)
	default:
		return nil, types.Configf("unsupported store scheme %q", u.Scheme)
	}
}

func expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixMilli()
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt > 0 && now.UnixMilli() >= expiresAt
}

func wrap(op, key string, err error) error {
	return fmt.Errorf("cache %s %s: %w", op, key, err)
}

package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get returns the stored value or ErrCacheMiss.
	Get(ctx context.Context, key string) (interface{}, error)

	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Items     int    `json:"items"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
	Info      string `json:"info"`
}

// Key joins components with ':' so keys stay readable and prefix-addressable.
func Key(components ...string) string {
	return strings.Join(components, ":")
}

package indexer

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultDedupWindow = 10 * time.Minute
	defaultDedupSize   = 100_000
)

// dedupCache remembers recently accepted dedup keys for a bounded window.
type dedupCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func newDedupCache(size int, window time.Duration) *dedupCache {
	if size <= 0 {
		size = defaultDedupSize
	}
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &dedupCache{cache: expirable.NewLRU[string, struct{}](size, nil, window)}
}

// Seen records key and reports whether it was already present.
func (d *dedupCache) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Peek(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

func (d *dedupCache) Len() int {
	return d.cache.Len()
}

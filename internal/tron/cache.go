package tron

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CacheConfig holds cache tuning.
type CacheConfig struct {
	TTL        time.Duration `envconfig:"LEDGER_CACHE_TTL" default:"20s"`
	MaxEntries int           `envconfig:"LEDGER_CACHE_MAX_ENTRIES" default:"256"`
}

// Cache is a bounded TTL cache in front of a Feed. A stale entry is served
// as-is while one caller performs the refresh, so concurrent readers never
// queue behind a single network call. Entries beyond the bound are evicted
// least-recently-used first.
type Cache struct {
	feed   Feed
	config CacheConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	txs        []Transaction
	info       *AccountInfo
	fetchedAt  time.Time
	lastUsed   time.Time
	refreshing bool
	// ready is closed when an in-flight fetch settles. Callers that find
	// a cold entry mid-fetch wait on it instead of being served nothing.
	ready chan struct{}
}

// NewCache creates a cache wrapping feed.
func NewCache(feed Feed, cfg CacheConfig, logger *slog.Logger) *Cache {
	return &Cache{
		feed:    feed,
		config:  cfg,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
	}
}

// RecentTransactions implements Feed. The cached listing is keyed by
// address; since is applied as a client-side filter so callers with
// different windows share one upstream fetch.
func (c *Cache) RecentTransactions(ctx context.Context, address string, since time.Time) ([]Transaction, error) {
	key := "txs:" + address

	var entry *cacheEntry
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		now := time.Now()
		if ok {
			e.lastUsed = now
			hasData := !e.fetchedAt.IsZero()
			fresh := hasData && now.Sub(e.fetchedAt) < c.config.TTL
			if fresh || (e.refreshing && hasData) {
				txs := filterSince(e.txs, since)
				c.mu.Unlock()
				if !fresh {
					c.logger.Debug("serving stale ledger cache entry", "key", key)
				}
				return txs, nil
			}
			if e.refreshing {
				// First fetch still in flight and nothing to serve. Wait
				// for it to settle rather than report an empty ledger.
				ready := e.ready
				c.mu.Unlock()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-ready:
				}
				continue
			}
			e.refreshing = true
			e.ready = make(chan struct{})
		} else {
			e = &cacheEntry{lastUsed: now, refreshing: true, ready: make(chan struct{})}
			c.entries[key] = e
			c.evictLocked()
		}
		c.mu.Unlock()
		entry = e
		break
	}

	// This caller owns the refresh; fetch the full window so later calls
	// with narrower windows hit the cache.
	txs, err := c.feed.RecentTransactions(ctx, address, since)

	c.mu.Lock()
	entry.refreshing = false
	close(entry.ready)
	if err != nil {
		stale := entry.txs
		c.mu.Unlock()
		if stale != nil {
			c.logger.Warn("refresh failed, serving stale ledger data", "key", key, "error", err)
			return filterSince(stale, since), nil
		}
		return nil, err
	}
	entry.txs = txs
	entry.fetchedAt = time.Now()
	c.mu.Unlock()

	return filterSince(txs, since), nil
}

// AccountInfo implements Feed.
func (c *Cache) AccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	key := "account:" + address

	c.mu.Lock()
	entry, ok := c.entries[key]
	now := time.Now()
	if ok && entry.info != nil && now.Sub(entry.fetchedAt) < c.config.TTL {
		entry.lastUsed = now
		info := *entry.info
		c.mu.Unlock()
		return &info, nil
	}
	c.mu.Unlock()

	info, err := c.feed.AccountInfo(ctx, address)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{info: info, fetchedAt: time.Now(), lastUsed: time.Now()}
	c.evictLocked()
	c.mu.Unlock()

	return info, nil
}

// Reset drops all cached entries. Test hook.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictLocked() {
	for len(c.entries) > c.config.MaxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if e.refreshing {
				continue
			}
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey = k
				oldest = e.lastUsed
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

func filterSince(txs []Transaction, since time.Time) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	return out
}

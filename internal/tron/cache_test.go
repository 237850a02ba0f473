package tron

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tronpay/internal/common/money"
)

type recordingFeed struct {
	mu      sync.Mutex
	txCalls int
	acCalls int
	txs     []Transaction
	err     error
}

func (f *recordingFeed) RecentTransactions(ctx context.Context, address string, since time.Time) ([]Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Transaction, len(f.txs))
	copy(out, f.txs)
	return out, nil
}

func (f *recordingFeed) AccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &AccountInfo{Address: address}, nil
}

func cacheTx(hash string, ts time.Time) Transaction {
	m, _ := money.FromString("1.000001", money.USDT)
	return Transaction{Hash: hash, Amount: m, Timestamp: ts, Confirmations: 25, Confirmed: true}
}

func newTestCache(feed Feed, cfg CacheConfig) *Cache {
	return NewCache(feed, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCacheServesWithinTTL(t *testing.T) {
	now := time.Now()
	feed := &recordingFeed{txs: []Transaction{cacheTx("a", now)}}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 16})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		txs, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	}
	assert.Equal(t, 1, feed.txCalls)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	feed := &recordingFeed{txs: []Transaction{cacheTx("a", now)}}
	cache := newTestCache(feed, CacheConfig{TTL: 30 * time.Millisecond, MaxEntries: 16})
	ctx := context.Background()

	_, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, feed.txCalls)
}

func TestCacheNarrowerWindowSharesFetch(t *testing.T) {
	now := time.Now()
	feed := &recordingFeed{txs: []Transaction{
		cacheTx("old", now.Add(-2*time.Hour)),
		cacheTx("new", now),
	}}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 16})
	ctx := context.Background()

	wide, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, wide, 2)

	narrow, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, narrow, 1)
	assert.Equal(t, "new", narrow[0].Hash)

	assert.Equal(t, 1, feed.txCalls)
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	now := time.Now()
	feed := &recordingFeed{txs: []Transaction{cacheTx("a", now)}}
	cache := newTestCache(feed, CacheConfig{TTL: time.Millisecond, MaxEntries: 16})
	ctx := context.Background()

	_, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	feed.err = ErrUpstreamUnavailable

	txs, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// With nothing cached the error surfaces.
	_, err = cache.RecentTransactions(ctx, "TAddr2", now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Now()
	feed := &recordingFeed{txs: []Transaction{cacheTx("a", now)}}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := cache.RecentTransactions(ctx, fmt.Sprintf("TAddr%d", i), now.Add(-time.Hour))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 2, cache.Len())

	// The most recent address is still cached.
	calls := feed.txCalls
	_, err := cache.RecentTransactions(ctx, "TAddr3", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, calls, feed.txCalls)
}

func TestCacheAccountInfo(t *testing.T) {
	feed := &recordingFeed{}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 16})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := cache.AccountInfo(ctx, "TAddr1")
		require.NoError(t, err)
		assert.Equal(t, "TAddr1", info.Address)
	}
	assert.Equal(t, 1, feed.acCalls)
}

func TestCacheReset(t *testing.T) {
	now := time.Now()
	feed := &recordingFeed{txs: []Transaction{cacheTx("a", now)}}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 16})
	ctx := context.Background()

	_, err := cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	cache.Reset()
	assert.Equal(t, 0, cache.Len())

	_, err = cache.RecentTransactions(ctx, "TAddr1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, feed.txCalls)
}

type gatedFeed struct {
	recordingFeed
	release chan struct{}
}

func (f *gatedFeed) RecentTransactions(ctx context.Context, address string, since time.Time) ([]Transaction, error) {
	txs, err := f.recordingFeed.RecentTransactions(ctx, address, since)
	<-f.release
	return txs, err
}

func TestCacheColdStartWaitsForFirstFetch(t *testing.T) {
	now := time.Now()
	feed := &gatedFeed{
		recordingFeed: recordingFeed{txs: []Transaction{cacheTx("a", now)}},
		release:       make(chan struct{}),
	}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 16})
	ctx := context.Background()

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			txs, err := cache.RecentTransactions(ctx, "TNPZvdoyqzi5wJ6NhYQDdSMiM7k5JTib11", now.Add(-time.Hour))
			if err != nil {
				results <- -1
				return
			}
			results <- len(txs)
		}()
	}

	// Neither caller may return while the first fetch is in flight; the
	// follower must wait instead of seeing an empty ledger.
	select {
	case n := <-results:
		t.Fatalf("caller returned %d transactions before the fetch settled", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(feed.release)
	for i := 0; i < 2; i++ {
		assert.Equal(t, 1, <-results)
	}

	feed.mu.Lock()
	calls := feed.txCalls
	feed.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestCacheColdStartWaiterHonoursContext(t *testing.T) {
	feed := &gatedFeed{
		recordingFeed: recordingFeed{},
		release:       make(chan struct{}),
	}
	cache := newTestCache(feed, CacheConfig{TTL: time.Minute, MaxEntries: 16})

	owner := make(chan struct{})
	go func() {
		_, _ = cache.RecentTransactions(context.Background(), "TNPZvdoyqzi5wJ6NhYQDdSMiM7k5JTib11", time.Now().Add(-time.Hour))
		close(owner)
	}()

	// Give the owner a moment to claim the fetch, then cancel the waiter.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.RecentTransactions(ctx, "TNPZvdoyqzi5wJ6NhYQDdSMiM7k5JTib11", time.Now().Add(-time.Hour))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(feed.release)
	<-owner
}

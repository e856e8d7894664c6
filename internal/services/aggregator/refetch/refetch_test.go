package refetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"priceoracle/internal/services/aggregator/domain"
)

type fakeCacheReader struct {
	mu      sync.Mutex
	entries map[domain.Key]domain.CacheEntry
}

func (c *fakeCacheReader) Keys() []domain.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

func (c *fakeCacheReader) Entry(key domain.Key) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func TestRefetchLead_ClampsToBounds(t *testing.T) {
	require.Equal(t, minRefetchLead, refetchLead(10*time.Millisecond))
	require.Equal(t, maxRefetchLead, refetchLead(20*time.Second))
	require.Equal(t, 250*time.Millisecond, refetchLead(1*time.Second))
}

func TestLoop_RefetchesEntryNearingExpiry(t *testing.T) {
	pair := domain.Pair{Base: "BTC", Quote: "USD"}
	key := domain.Key{Source: domain.SourceBinance, Pair: pair}
	cache := &fakeCacheReader{entries: map[domain.Key]domain.CacheEntry{
		key: {Quote: domain.Quote{Pair: pair}, ExpiresAt: time.Now().Add(20 * time.Millisecond)},
	}}
	cfgOf := func(domain.SourceName) (domain.SourceConfig, bool) {
		return domain.SourceConfig{Refetch: true, TTLMs: 100, TimeoutMs: 500}, true
	}
	var calls int32
	fetch := func(ctx context.Context, source domain.SourceName, p domain.Pair) (domain.Quote, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Quote{Pair: p, Source: source}, nil
	}

	loop := New(cache, cfgOf, fetch, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)
	<-ctx.Done()
	loop.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestLoop_SkipsWhenRefetchDisabled(t *testing.T) {
	pair := domain.Pair{Base: "ETH", Quote: "USD"}
	key := domain.Key{Source: domain.SourceKraken, Pair: pair}
	cache := &fakeCacheReader{entries: map[domain.Key]domain.CacheEntry{
		key: {Quote: domain.Quote{Pair: pair}, ExpiresAt: time.Now().Add(5 * time.Millisecond)},
	}}
	cfgOf := func(domain.SourceName) (domain.SourceConfig, bool) {
		return domain.SourceConfig{Refetch: false, TTLMs: 100, TimeoutMs: 500}, true
	}
	var calls int32
	fetch := func(ctx context.Context, source domain.SourceName, p domain.Pair) (domain.Quote, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Quote{}, nil
	}

	loop := New(cache, cfgOf, fetch, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)
	<-ctx.Done()
	loop.Stop()

	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestLoop_SkipsAlreadyStaleEntry(t *testing.T) {
	pair := domain.Pair{Base: "LTC", Quote: "USD"}
	key := domain.Key{Source: domain.SourceOKX, Pair: pair}
	cache := &fakeCacheReader{entries: map[domain.Key]domain.CacheEntry{
		key: {Quote: domain.Quote{Pair: pair}, ExpiresAt: time.Now().Add(-time.Second)},
	}}
	cfgOf := func(domain.SourceName) (domain.SourceConfig, bool) {
		return domain.SourceConfig{Refetch: true, TTLMs: 100, TimeoutMs: 500}, true
	}
	var calls int32
	fetch := func(ctx context.Context, source domain.SourceName, p domain.Pair) (domain.Quote, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Quote{}, nil
	}

	loop := New(cache, cfgOf, fetch, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)
	<-ctx.Done()
	loop.Stop()

	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

// Package refetch implements the shared refetch scheduler (C7): it
// revalidates cache entries flagged for proactive refresh shortly before
// they expire, so callers rarely observe a cold cache
package refetch

import (
	"context"
	"sync"
	"time"

	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/domain"
)

// minRefetchLead is the floor on how early a refetch fires before expiry
const minRefetchLead = 50 * time.Millisecond

// maxRefetchLead is the ceiling on refetch lead time regardless of TTL
const maxRefetchLead = 2 * time.Second

// Fetcher resolves one (source, pair) quote, typically the orchestrator's
// dedup-wrapped fetch path
type Fetcher func(ctx context.Context, source domain.SourceName, pair domain.Pair) (domain.Quote, error)

// CacheEntryReader exposes the subset of the cache the loop needs to find
// entries due for a refetch
type CacheEntryReader interface {
	Keys() []domain.Key
	Entry(key domain.Key) (domain.CacheEntry, bool)
}

// ConfigLookup resolves the current SourceConfig for a source
type ConfigLookup func(source domain.SourceName) (domain.SourceConfig, bool)

// Loop periodically scans the cache for entries configured with Refetch
// and due within their lead window, and revalidates them in the background
type Loop struct {
	cache    CacheEntryReader
	cfgOf    ConfigLookup
	fetch    Fetcher
	interval time.Duration
	log      logger.Logger

	mu       sync.Mutex
	inflight map[domain.Key]bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Loop that scans every interval
func New(cache CacheEntryReader, cfgOf ConfigLookup, fetch Fetcher, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Loop{
		cache:    cache,
		cfgOf:    cfgOf,
		fetch:    fetch,
		interval: interval,
		log:      logger.Named("aggregator.refetch"),
		inflight: make(map[domain.Key]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, scanning on Loop's interval until ctx is canceled or Stop is called
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.scan(ctx)
		}
	}
}

// Stop requests the loop to exit and blocks until it has
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}

func (l *Loop) scan(ctx context.Context) {
	now := time.Now()
	for _, key := range l.cache.Keys() {
		entry, ok := l.cache.Entry(key)
		if !ok {
			continue
		}
		cfg, ok := l.cfgOf(key.Source)
		if !ok || !cfg.Refetch {
			continue
		}
		lead := refetchLead(cfg.TTL())
		if now.Before(entry.ExpiresAt.Add(-lead)) {
			continue
		}
		if now.After(entry.ExpiresAt) {
			// already stale; the orchestrator's own cache-miss path will
			// refetch it on next request, no need to race it here
			continue
		}
		l.maybeRefetch(ctx, key, cfg.Timeout())
	}
}

func (l *Loop) maybeRefetch(ctx context.Context, key domain.Key, timeout time.Duration) {
	l.mu.Lock()
	if l.inflight[key] {
		l.mu.Unlock()
		return
	}
	l.inflight[key] = true
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.inflight, key)
			l.mu.Unlock()
		}()

		fctx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if _, err := l.fetch(fctx, key.Source, key.Pair); err != nil {
			l.log.Warn().Err(err).Str("key", key.String()).Msg("background refetch failed")
		}
	}()
}

// refetchLead picks how early, before expiry, a refetch should fire:
// a quarter of the TTL, bounded to [minRefetchLead, maxRefetchLead]
func refetchLead(ttl time.Duration) time.Duration {
	lead := ttl / 4
	if lead < minRefetchLead {
		lead = minRefetchLead
	}
	if lead > maxRefetchLead {
		lead = maxRefetchLead
	}
	return lead
}

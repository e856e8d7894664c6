// Package orchestrator implements the quote orchestrator (C11): the
// cache-first, single-flight-deduped entry point every quote request goes
// through, with a per-request deadline independent of the background fetch
package orchestrator

import (
	"context"
	"time"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/dedup"
	"priceoracle/internal/services/aggregator/domain"
)

// defaultRequestTimeout bounds how long a caller waits for a fresh fetch
// before receiving a RequestTimeout error; the fetch itself keeps running
// in the background and still populates the cache on completion
const defaultRequestTimeout = 10 * time.Second

// backgroundFetchTimeout bounds the background fetch goroutine independently
// of the caller-visible deadline above, so a slow adapter call isn't
// canceled the instant a caller gives up on it — it keeps running and still
// warms the cache for the next caller
const backgroundFetchTimeout = 60 * time.Second

// Cache is the subset of the quote cache the orchestrator depends on
type Cache interface {
	Get(key domain.Key) (domain.Quote, bool)
	Set(key domain.Key, q domain.Quote, ttl time.Duration)
}

// Registry is the subset of the pair registry the orchestrator depends on
type Registry interface {
	AddPair(source domain.SourceName, pair domain.Pair)
	TrackRequest(source domain.SourceName, pair domain.Pair)
	TrackSuccessfulFetch(source domain.SourceName, pair domain.Pair)
}

// ConfigLookup resolves a source's current SourceConfig
type ConfigLookup func(source domain.SourceName) (domain.SourceConfig, bool)

// AdapterLookup resolves the Adapter registered for a source
type AdapterLookup func(source domain.SourceName) (domain.Adapter, bool)

// Orchestrator is the single entry point for GetQuote/GetQuotes requests
type Orchestrator struct {
	cache    Cache
	registry Registry
	cfgOf    ConfigLookup
	adapterOf AdapterLookup
	dedup    *dedup.Group
	log      logger.Logger
}

// New constructs an Orchestrator
func New(cache Cache, registry Registry, cfgOf ConfigLookup, adapterOf AdapterLookup) *Orchestrator {
	return &Orchestrator{
		cache:     cache,
		registry:  registry,
		cfgOf:     cfgOf,
		adapterOf: adapterOf,
		dedup:     dedup.New(),
		log:       logger.Named("aggregator.orchestrator"),
	}
}

// GetQuote returns the quote for (source, pair): a fresh cache hit
// short-circuits; otherwise a fetch is deduped across concurrent callers
// and bounded by the source's requestTimeout (default 10s). The fetch
// itself is not canceled on timeout: it keeps running and still
// populates the cache, so the next caller benefits.
func (o *Orchestrator) GetQuote(ctx context.Context, source domain.SourceName, pair domain.Pair) (domain.Quote, error) {
	cfg, ok := o.cfgOf(source)
	if !ok {
		return domain.Quote{}, perr.NotFoundf("orchestrator: unknown source %q", source)
	}
	if !cfg.Enabled {
		return domain.Quote{}, perr.Disabledf("orchestrator: source %q is disabled", source)
	}

	key := domain.Key{Source: source, Pair: pair}
	o.registry.AddPair(source, pair)
	o.registry.TrackRequest(source, pair)

	if q, ok := o.cache.Get(key); ok {
		return q, nil
	}

	adapter, ok := o.adapterOf(source)
	if !ok {
		return domain.Quote{}, perr.NotFoundf("orchestrator: no adapter registered for %q", source)
	}

	timeout := defaultRequestTimeout
	if cfg.TimeoutMs > 0 {
		timeout = cfg.Timeout()
	}

	type result struct {
		q   domain.Quote
		err error
	}
	done := make(chan result, 1)

	go func() {
		q, err, _ := o.dedup.Do(key, func() (domain.Quote, error) {
			fctx, cancel := context.WithTimeout(context.Background(), backgroundFetchTimeout)
			defer cancel()
			q, err := adapter.FetchQuote(fctx, pair)
			if err != nil {
				return domain.Quote{}, err
			}
			o.cache.Set(key, q, cfg.TTL())
			o.registry.TrackSuccessfulFetch(source, pair)
			return q, nil
		})
		done <- result{q, err}
	}()

	select {
	case r := <-done:
		return r.q, r.err
	case <-ctx.Done():
		return domain.Quote{}, perr.RequestTimeoutf("orchestrator: request for %s timed out waiting on %s", key.String(), source)
	case <-time.After(timeout):
		return domain.Quote{}, perr.RequestTimeoutf("orchestrator: request for %s exceeded %s timeout", key.String(), timeout)
	}
}

// GetQuotes fetches a batch of pairs for one source, using the adapter's
// BatchAdapter capability when available and falling back to individual
// GetQuote calls otherwise
func (o *Orchestrator) GetQuotes(ctx context.Context, source domain.SourceName, pairs []domain.Pair) ([]domain.Quote, error) {
	cfg, ok := o.cfgOf(source)
	if !ok {
		return nil, perr.NotFoundf("orchestrator: unknown source %q", source)
	}
	if !cfg.Enabled {
		return nil, perr.Disabledf("orchestrator: source %q is disabled", source)
	}

	adapter, ok := o.adapterOf(source)
	if !ok {
		return nil, perr.NotFoundf("orchestrator: no adapter registered for %q", source)
	}

	batch, isBatch := adapter.(domain.BatchAdapter)
	if !isBatch {
		out := make([]domain.Quote, 0, len(pairs))
		for _, p := range pairs {
			q, err := o.GetQuote(ctx, source, p)
			if err != nil {
				return out, err
			}
			out = append(out, q)
		}
		return out, nil
	}

	// dedupe at the fetch layer, preserving first-seen order, so a repeated
	// pair in the request triggers at most one upstream lookup
	unique := make([]domain.Pair, 0, len(pairs))
	seen := make(map[domain.Pair]bool, len(pairs))
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}

	results := make(map[domain.Pair]domain.Quote, len(unique))
	missing := make([]domain.Pair, 0, len(unique))
	for _, p := range unique {
		key := domain.Key{Source: source, Pair: p}
		o.registry.AddPair(source, p)
		o.registry.TrackRequest(source, p)
		if q, ok := o.cache.Get(key); ok {
			results[p] = q
			continue
		}
		missing = append(missing, p)
	}

	if len(missing) > 0 {
		timeout := defaultRequestTimeout
		if cfg.TimeoutMs > 0 {
			timeout = cfg.Timeout()
		}
		fctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		fetched, err := batch.FetchQuotes(fctx, missing)
		if err != nil {
			return nil, err
		}
		for _, q := range fetched {
			o.cache.Set(domain.Key{Source: source, Pair: q.Pair}, q, cfg.TTL())
			o.registry.TrackSuccessfulFetch(source, q.Pair)
			results[q.Pair] = q
		}
	}

	// rebuild in request order, including repeated positions, so the
	// response shape mirrors the request even after dedup above
	out := make([]domain.Quote, 0, len(pairs))
	for _, p := range pairs {
		q, ok := results[p]
		if !ok {
			return out, perr.NotFoundf("orchestrator: %s: no quote returned for %s", source, p.String())
		}
		out = append(out, q)
	}
	return out, nil
}

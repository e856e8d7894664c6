package stream

import (
	"context"
	"sync"
	"time"

	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/domain"
)

// debounceWindow coalesces rapid-fire registry additions for one source
// into a single batch of subscribe calls
const debounceWindow = 100 * time.Millisecond

// CacheWriter is the subset of the quote cache the streaming service writes to
type CacheWriter interface {
	Set(key domain.Key, q domain.Quote, ttl time.Duration)
}

// RegistryWriter is the subset of the pair registry the streaming service
// reads subscriptions from and writes fetch outcomes to
type RegistryWriter interface {
	Snapshot(source domain.SourceName) []domain.Registration
	TrackSuccessfulFetch(source domain.SourceName, pair domain.Pair)
}

// Service bridges the pair registry to one source's StreamAdapter: it
// coalesces pending subscriptions, forwards inbound quotes to the cache and
// registry, and flushes synchronously on shutdown (C10)
type Service struct {
	source   domain.SourceName
	adapter  domain.StreamAdapter
	cache    CacheWriter
	registry RegistryWriter
	ttl      time.Duration
	log      logger.Logger

	mu      sync.Mutex
	pending map[domain.Pair]bool
	timer   *time.Timer
	ids     map[domain.Pair]string

	flushMu sync.Mutex
}

// New constructs a streaming Service for one source adapter
func New(source domain.SourceName, adapter domain.StreamAdapter, cache CacheWriter, registry RegistryWriter, ttl time.Duration) *Service {
	return &Service{
		source:   source,
		adapter:  adapter,
		cache:    cache,
		registry: registry,
		ttl:      ttl,
		log:      logger.Named("aggregator.stream.service").With().Str("source", string(source)).Logger(),
		pending:  make(map[domain.Pair]bool),
		ids:      make(map[domain.Pair]string),
	}
}

// Source returns the source name this service streams for
func (s *Service) Source() domain.SourceName { return s.source }

// Start connects the adapter and primes subscriptions from any pairs
// already present in the registry
func (s *Service) Start(ctx context.Context) error {
	if err := s.adapter.Connect(ctx); err != nil {
		return err
	}
	for _, reg := range s.registry.Snapshot(s.source) {
		s.RequestPair(reg.Pair)
	}
	return nil
}

// Stop flushes any pending subscription requests and disconnects
func (s *Service) Stop() error {
	s.flush()
	return s.adapter.Disconnect()
}

// RequestPair schedules pair to be subscribed, debounced with any other
// pairs requested within the debounce window
func (s *Service) RequestPair(pair domain.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.ids[pair]; already {
		return
	}
	s.pending[pair] = true
	if s.timer == nil {
		s.timer = time.AfterFunc(debounceWindow, s.flush)
	}
}

// ReleasePair unsubscribes a pair immediately
func (s *Service) ReleasePair(pair domain.Pair) {
	s.mu.Lock()
	delete(s.pending, pair)
	id, ok := s.ids[pair]
	delete(s.ids, pair)
	s.mu.Unlock()
	if ok {
		if err := s.adapter.Unsubscribe(id); err != nil {
			s.log.Warn().Err(err).Str("pair", pair.String()).Msg("unsubscribe failed")
		}
	}
}

// flush issues one batched subscribe call for every pair queued since the
// last flush
func (s *Service) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	pairs := make([]domain.Pair, 0, len(s.pending))
	for p := range s.pending {
		pairs = append(pairs, p)
	}
	s.pending = make(map[domain.Pair]bool)
	s.timer = nil
	s.mu.Unlock()

	if len(pairs) == 0 {
		return
	}

	onQuote := func(q domain.Quote) {
		q.Source = s.source
		s.cache.Set(domain.Key{Source: s.source, Pair: q.Pair}, q, s.ttl)
		s.registry.TrackSuccessfulFetch(s.source, q.Pair)
	}
	onErrorFactory := func(pair domain.Pair) domain.ErrorHandler {
		return func(err error) {
			s.log.Warn().Err(err).Str("pair", pair.String()).Msg("stream subscription error")
		}
	}

	ids, err := s.adapter.SubscribeMany(pairs, onQuote, onErrorFactory)
	if err != nil {
		s.log.Error().Err(err).Int("count", len(pairs)).Msg("subscribe batch failed")
		return
	}

	s.mu.Lock()
	for p, id := range ids {
		s.ids[p] = id
	}
	s.mu.Unlock()
}

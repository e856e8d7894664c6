// Package registry implements the pair registry (C6): a serialized,
// event-emitting record of which (source, pair) combinations are in use
package registry

import (
	"sync"
	"time"

	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/domain"
)

// Event is emitted whenever a pair is added or removed
type Event struct {
	Added  bool
	Source domain.SourceName
	Pair   domain.Pair
}

// Registry tracks every (source, pair) the orchestrator or streaming
// pipeline has observed, and notifies subscribers of additions/removals
type Registry struct {
	mu      sync.Mutex
	entries map[domain.Key]*domain.Registration
	subs    []chan Event
	log     logger.Logger
}

// New constructs an empty Registry
func New() *Registry {
	return &Registry{
		entries: make(map[domain.Key]*domain.Registration),
		log:     logger.Named("aggregator.registry"),
	}
}

// Subscribe returns a channel that receives pair-added/pair-removed
// events. The channel is buffered; slow subscribers may miss bursts and
// should instead call SnapshotAll to resynchronize.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) emit(ev Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Warn().Str("pair", ev.Pair.String()).Msg("registry subscriber channel full, dropping event")
		}
	}
}

// AddPair registers a (source, pair) combination if not already present
func (r *Registry) AddPair(source domain.SourceName, pair domain.Pair) {
	key := domain.Key{Source: source, Pair: pair}
	r.mu.Lock()
	_, exists := r.entries[key]
	if !exists {
		r.entries[key] = &domain.Registration{
			Pair:         pair,
			Source:       source,
			RegisteredAt: time.Now(),
		}
	}
	r.mu.Unlock()
	if !exists {
		r.emit(Event{Added: true, Source: source, Pair: pair})
	}
}

// RemovePair deregisters a (source, pair) combination
func (r *Registry) RemovePair(source domain.SourceName, pair domain.Pair) {
	key := domain.Key{Source: source, Pair: pair}
	r.mu.Lock()
	_, exists := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if exists {
		r.emit(Event{Added: false, Source: source, Pair: pair})
	}
}

// TrackRequest records that a fetch was attempted for (source, pair)
func (r *Registry) TrackRequest(source domain.SourceName, pair domain.Pair) {
	key := domain.Key{Source: source, Pair: pair}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.entries[key]; ok {
		reg.LastRequestAt = time.Now()
	}
}

// TrackSuccessfulFetch records that a fetch for (source, pair) succeeded
func (r *Registry) TrackSuccessfulFetch(source domain.SourceName, pair domain.Pair) {
	key := domain.Key{Source: source, Pair: pair}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.entries[key]; ok {
		reg.LastFetchAt = now
		reg.LastResponseAt = now
	}
}

// Snapshot returns a copy of every registration for a given source
func (r *Registry) Snapshot(source domain.SourceName) []domain.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Registration, 0)
	for key, reg := range r.entries {
		if key.Source == source {
			out = append(out, *reg)
		}
	}
	return out
}

// SnapshotAll returns a copy of every registration across all sources
func (r *Registry) SnapshotAll() []domain.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, *reg)
	}
	return out
}

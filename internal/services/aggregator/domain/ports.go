package domain

import (
	"context"
	"time"
)

// Adapter is the contract every source adapter satisfies
type Adapter interface {
	Name() SourceName
	Enabled() bool
	FetchQuote(ctx context.Context, pair Pair) (Quote, error)
}

// BatchAdapter is implemented by adapters that can fetch several pairs in
// one upstream round trip. The orchestrator type-asserts for it rather
// than calling through a always-present method that most adapters would
// have to fake.
type BatchAdapter interface {
	Adapter
	FetchQuotes(ctx context.Context, pairs []Pair) ([]Quote, error)
}

// QuoteHandler receives quotes pushed by a streaming adapter
type QuoteHandler func(Quote)

// ErrorHandler receives stream-level errors for a specific subscription
type ErrorHandler func(error)

// StreamAdapter is implemented by adapters with WebSocket streaming
// capability. Connect is idempotent; Subscribe/Unsubscribe operate on
// live subscriptions keyed by the id they return.
type StreamAdapter interface {
	Adapter
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(pair Pair, onQuote QuoteHandler, onError ErrorHandler) (id string, err error)
	// SubscribeMany subscribes to every pair in one batched wire call and
	// returns each pair's subscription id, so callers can still Unsubscribe
	// individually later
	SubscribeMany(pairs []Pair, onQuote QuoteHandler, onErrorFactory func(Pair) ErrorHandler) (ids map[Pair]string, err error)
	Unsubscribe(id string) error
}

// CachePort is the contract the orchestrator and streaming pipeline use
// to read and write cached quotes (C5)
type CachePort interface {
	Get(key Key) (Quote, bool)
	Set(key Key, q Quote, ttl time.Duration)
	Delete(key Key)
}

// RegistryPort is the contract for tracking (source, pair) registrations (C6)
type RegistryPort interface {
	AddPair(source SourceName, pair Pair)
	RemovePair(source SourceName, pair Pair)
	TrackRequest(source SourceName, pair Pair)
	TrackSuccessfulFetch(source SourceName, pair Pair)
	Snapshot(source SourceName) []Registration
	SnapshotAll() []Registration
}

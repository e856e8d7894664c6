// Package domain defines the core types for the price aggregator service
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceName identifies one of the ten supported market data providers
type SourceName string

// Supported sources
const (
	SourceAlphaVantage    SourceName = "alphavantage"
	SourceBinance         SourceName = "binance"
	SourceCoinbase        SourceName = "coinbase"
	SourceCoinGecko       SourceName = "coingecko"
	SourceCryptoCompare   SourceName = "cryptocompare"
	SourceExchangeRateAPI SourceName = "exchangerate-host"
	SourceFinnhub         SourceName = "finnhub"
	SourceFrankfurter     SourceName = "frankfurter"
	SourceKraken          SourceName = "kraken"
	SourceOKX             SourceName = "okx"
)

// AllSources lists every source name the registry may validate config against
var AllSources = []SourceName{
	SourceAlphaVantage, SourceBinance, SourceCoinbase, SourceCoinGecko,
	SourceCryptoCompare, SourceExchangeRateAPI, SourceFinnhub,
	SourceFrankfurter, SourceKraken, SourceOKX,
}

// Pair is an ordered base/quote currency pair
type Pair struct {
	Base  string
	Quote string
}

// String renders the pair's log/metrics identity key, "BASE/QUOTE"
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Quote is a single price reading with provenance
type Quote struct {
	Pair       Pair
	Source     SourceName
	Price      decimal.Decimal
	ReceivedAt time.Time
	CachedAt   time.Time // zero until inserted into the cache
}

// StreamOptions configures a source's WebSocket streaming behavior
type StreamOptions struct {
	AutoReconnect        bool
	ReconnectIntervalMs  int
	MaxReconnectAttempts int
	HeartbeatIntervalMs  int
	BatchSize            int
	RateLimitPerInterval int
	RateLimitIntervalMs  int
}

// SourceConfig is the enumerated set of options for one source
type SourceConfig struct {
	Enabled       bool
	TTLMs         int
	TimeoutMs     int
	RPS           float64 // 0 or negative disables throttling
	MaxConcurrent int
	MaxRetries    int
	UseProxy      bool
	ProxyURL      string
	Refetch       bool
	APIKey        string
	MaxBatchSize  int
	Stream        *StreamOptions

	// BaseURL overrides the adapter's default upstream base URL, e.g. to
	// point a source at a sandbox/testnet endpoint. Empty uses the default.
	BaseURL string
}

// TTL returns the configured TTL as a time.Duration
func (c SourceConfig) TTL() time.Duration { return time.Duration(c.TTLMs) * time.Millisecond }

// Timeout returns the configured per-request timeout as a time.Duration
func (c SourceConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// Registration tracks a (source, pair) the orchestrator or streaming
// pipeline has observed
type Registration struct {
	Pair           Pair
	Source         SourceName
	RegisteredAt   time.Time
	LastFetchAt    time.Time
	LastResponseAt time.Time
	LastRequestAt  time.Time
}

// CacheEntry is a Quote plus its derived expiry, as held by the cache
type CacheEntry struct {
	Quote     Quote
	ExpiresAt time.Time
}

// Fresh reports whether the entry is still valid at instant now
func (e CacheEntry) Fresh(now time.Time) bool { return now.Before(e.ExpiresAt) }

// Key is the (source, pair) cache/registry key
type Key struct {
	Source SourceName
	Pair   Pair
}

// String renders a Key for logs
func (k Key) String() string { return string(k.Source) + ":" + k.Pair.String() }

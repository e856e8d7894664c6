// Package sources implements the ten market data source adapters, each
// satisfying domain.Adapter and, where the vendor supports it,
// domain.BatchAdapter or domain.StreamAdapter
package sources

import (
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/domain"
	"priceoracle/internal/services/aggregator/httpx"
	"priceoracle/internal/services/aggregator/ratelimit"
)

// parseDecimal parses a price string, surfacing a structured JSON error on failure
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, perr.Wrapf(err, perr.ErrorCodeJSON, "sources: invalid price %q", s)
	}
	return d, nil
}

// restBase is embedded by every REST-only adapter: it owns the enabled
// flag and the shared httpx.Client, leaving upstream-specific request
// shaping and price extraction to the embedding type
type restBase struct {
	name    domain.SourceName
	enabled bool
	client  *httpx.Client
	log     logger.Logger
}

// Name returns the adapter's source name
func (b *restBase) Name() domain.SourceName { return b.name }

// Enabled reports whether the adapter accepts requests
func (b *restBase) Enabled() bool { return b.enabled }

// newRestBase builds a restBase with its own named logger
func newRestBase(name domain.SourceName, cfg domain.SourceConfig, client *httpx.Client) restBase {
	return restBase{
		name:    name,
		enabled: cfg.Enabled,
		client:  client,
		log:     logger.Named("aggregator.sources." + string(name)),
	}
}

// newClient builds an httpx.Client bound to a per-host rate limiter.
// cfg.BaseURL, when set, overrides defaultBaseURL (e.g. a sandbox endpoint).
func newClient(defaultBaseURL string, cfg domain.SourceConfig, limiters *ratelimit.Registry, headers map[string]string) (*httpx.Client, error) {
	baseURL := defaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	var limiter *ratelimit.Limiter
	if limiters != nil {
		host := baseURL
		if u, err := url.Parse(baseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
		limiter = limiters.Get(host, cfg.RPS, ratelimit.Options{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxRetries:    cfg.MaxRetries,
		})
	}
	return httpx.New(httpx.Options{
		BaseURL:  baseURL,
		Headers:  headers,
		Timeout:  cfg.Timeout(),
		ProxyURL: proxyFor(cfg),
		Limiter:  limiter,
	})
}

func proxyFor(cfg domain.SourceConfig) string {
	if cfg.UseProxy {
		return cfg.ProxyURL
	}
	return ""
}

// decimalFromFloat converts a float64 wire value (used by vendors that
// emit numeric rather than string prices) to decimal.Decimal
func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func nowQuote(pair domain.Pair, source domain.SourceName, price string) (domain.Quote, error) {
	d, err := parseDecimal(price)
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		Pair:       pair,
		Source:     source,
		Price:      d,
		ReceivedAt: time.Now(),
	}, nil
}

// Registry is a simple name-keyed lookup of constructed adapters, handed
// to the orchestrator and streaming service at startup
type Registry struct {
	adapters map[domain.SourceName]domain.Adapter
}

// NewRegistry builds a Registry from a list of adapters
func NewRegistry(adapters ...domain.Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.SourceName]domain.Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered for name
func (r *Registry) Get(name domain.SourceName) (domain.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// All returns every registered adapter
func (r *Registry) All() []domain.Adapter {
	out := make([]domain.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}


// Package http provides the REST transport for the price aggregator
package http

import (
	"context"
	"encoding/json"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"

	"priceoracle/internal/core/version"
	"priceoracle/internal/modkit/httpkit"
	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/services/aggregator/domain"
)

// Orchestrator is the subset of orchestrator.Orchestrator the HTTP layer depends on
type Orchestrator interface {
	GetQuote(ctx context.Context, source domain.SourceName, pair domain.Pair) (domain.Quote, error)
	GetQuotes(ctx context.Context, source domain.SourceName, pairs []domain.Pair) ([]domain.Quote, error)
}

// Registry is the subset of registry.Registry the HTTP layer depends on
type Registry interface {
	Snapshot(source domain.SourceName) []domain.Registration
	SnapshotAll() []domain.Registration
}

// Cache is the subset of cache.Cache the HTTP layer depends on
type Cache interface {
	Get(key domain.Key) (domain.Quote, bool)
}

// Deps bundles the HTTP layer's dependencies
type Deps struct {
	Orchestrator Orchestrator
	Registry     Registry
	Cache        Cache
}

type handlers struct{ deps Deps }

// Register mounts the aggregator's routes
func Register(r httpkit.Router, d Deps) {
	h := &handlers{deps: d}

	r.Get("/healthz", func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(stdhttp.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "build": version.Info()})
	})

	httpkit.Get(r, "/quote/{source}/{base}/{quote}", h.getQuote)
	httpkit.PostJSON[quotesRequest](r, "/quotes/{source}", h.postQuotes)
	httpkit.Get(r, "/pairs", h.listPairs)
	httpkit.Get(r, "/pairs/{source}", h.listPairsForSource)
}

//
// DTOs
//

// quoteResponse is the wire shape for a single quote
type quoteResponse struct {
	Pair       [2]string `json:"pair"`
	Price      string    `json:"price"`
	ReceivedAt int64     `json:"receivedAt"`
	CachedAt   int64     `json:"cachedAt,omitempty"`
}

func toQuoteResponse(q domain.Quote) quoteResponse {
	out := quoteResponse{
		Pair:       [2]string{q.Pair.Base, q.Pair.Quote},
		Price:      q.Price.String(),
		ReceivedAt: q.ReceivedAt.UnixMilli(),
	}
	if !q.CachedAt.IsZero() {
		out.CachedAt = q.CachedAt.UnixMilli()
	}
	return out
}

// quotesRequest is the body for POST /quotes/{source}
type quotesRequest struct {
	Pairs [][2]string `json:"pairs" validate:"required,min=1,dive,len=2"`
}

// quotesResponse wraps a batch result
type quotesResponse struct {
	Quotes []quoteResponse `json:"quotes"`
}

// registrationResponse is the wire shape for a pair registry entry, with
// the cached price attached when one is present
type registrationResponse struct {
	Source         domain.SourceName `json:"source"`
	Pair           [2]string         `json:"pair"`
	RegisteredAt   int64             `json:"registeredAt"`
	LastRequestAt  int64             `json:"lastRequestAt,omitempty"`
	LastFetchAt    int64             `json:"lastFetchAt,omitempty"`
	LastResponseAt int64             `json:"lastResponseAt,omitempty"`
	Price          string            `json:"price,omitempty"`
}

func toRegistrationResponse(reg domain.Registration, cache Cache) registrationResponse {
	out := registrationResponse{
		Source:       reg.Source,
		Pair:         [2]string{reg.Pair.Base, reg.Pair.Quote},
		RegisteredAt: reg.RegisteredAt.UnixMilli(),
	}
	if !reg.LastRequestAt.IsZero() {
		out.LastRequestAt = reg.LastRequestAt.UnixMilli()
	}
	if !reg.LastFetchAt.IsZero() {
		out.LastFetchAt = reg.LastFetchAt.UnixMilli()
	}
	if !reg.LastResponseAt.IsZero() {
		out.LastResponseAt = reg.LastResponseAt.UnixMilli()
	}
	if cache != nil {
		if q, ok := cache.Get(domain.Key{Source: reg.Source, Pair: reg.Pair}); ok {
			out.Price = q.Price.String()
		}
	}
	return out
}

//
// Handlers
//

// getQuote fetches the current price for one pair from one source,
// returning a cached price when the source's TTL has not yet lapsed
func (h *handlers) getQuote(r *stdhttp.Request) (any, error) {
	source := domain.SourceName(chi.URLParam(r, "source"))
	pair := domain.Pair{Base: chi.URLParam(r, "base"), Quote: chi.URLParam(r, "quote")}

	q, err := h.deps.Orchestrator.GetQuote(r.Context(), source, pair)
	if err != nil {
		return nil, err
	}
	return toQuoteResponse(q), nil
}

// postQuotes fetches the current prices for several pairs from one source
// in a single call, deduping repeats and preserving the request's order
func (h *handlers) postQuotes(r *stdhttp.Request, in quotesRequest) (any, error) {
	source := domain.SourceName(chi.URLParam(r, "source"))

	pairs := make([]domain.Pair, 0, len(in.Pairs))
	for _, p := range in.Pairs {
		if len(p) != 2 || p[0] == "" || p[1] == "" {
			return nil, perr.InvalidArgf("aggregator: each pair must be [base, quote]")
		}
		pairs = append(pairs, domain.Pair{Base: p[0], Quote: p[1]})
	}

	quotes, err := h.deps.Orchestrator.GetQuotes(r.Context(), source, pairs)
	if err != nil {
		return nil, err
	}
	out := make([]quoteResponse, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, toQuoteResponse(q))
	}
	return quotesResponse{Quotes: out}, nil
}

// listPairs lists every (source, pair) registration across all sources
func (h *handlers) listPairs(r *stdhttp.Request) (any, error) {
	regs := h.deps.Registry.SnapshotAll()
	out := make([]registrationResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toRegistrationResponse(reg, h.deps.Cache))
	}
	return out, nil
}

// listPairsForSource lists every pair registration for one source
func (h *handlers) listPairsForSource(r *stdhttp.Request) (any, error) {
	source := domain.SourceName(chi.URLParam(r, "source"))
	regs := h.deps.Registry.Snapshot(source)
	out := make([]registrationResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toRegistrationResponse(reg, h.deps.Cache))
	}
	return out, nil
}

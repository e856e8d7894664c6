package sources

import (
	"context"
	"strings"
	"time"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/services/aggregator/domain"
	"priceoracle/internal/services/aggregator/httpx"
	"priceoracle/internal/services/aggregator/ratelimit"
)

const coinGeckoBaseURL = "https://api.coingecko.com"

// coinGeckoIDs maps the small set of symbols this adapter supports to
// CoinGecko's internal coin ids; symbols outside this set surface PriceNotFound
var coinGeckoIDs = map[string]string{
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"sol":  "solana",
	"doge": "dogecoin",
	"ltc":  "litecoin",
	"xrp":  "ripple",
}

// CoinGecko implements domain.Adapter against CoinGecko's simple price
// REST endpoint; no batch or streaming capability
type CoinGecko struct {
	restBase
}

// NewCoinGecko constructs a CoinGecko adapter
func NewCoinGecko(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*CoinGecko, error) {
	client, err := newClient(coinGeckoBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	return &CoinGecko{restBase: newRestBase(domain.SourceCoinGecko, cfg, client)}, nil
}

// FetchQuote fetches a single pair's price via CoinGecko's simple/price endpoint
func (g *CoinGecko) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	id, ok := coinGeckoIDs[strings.ToLower(pair.Base)]
	if !ok {
		return domain.Quote{}, perr.NotFoundf("coingecko: unsupported base symbol %q", pair.Base)
	}
	quoteLower := strings.ToLower(pair.Quote)

	resp, err := g.client.Get(ctx, "/api/v3/simple/price", map[string]string{
		"ids":           id,
		"vs_currencies": quoteLower,
	})
	if err != nil {
		return domain.Quote{}, err
	}
	var raw map[string]map[string]float64
	if err := httpx.DecodeJSON(resp, &raw); err != nil {
		return domain.Quote{}, err
	}
	byQuote, ok := raw[id]
	if !ok {
		return domain.Quote{}, perr.NotFoundf("coingecko: price not found for %s", id)
	}
	price, ok := byQuote[quoteLower]
	if !ok {
		return domain.Quote{}, perr.NotFoundf("coingecko: no %s quote for %s", quoteLower, id)
	}
	return domain.Quote{
		Pair:       pair,
		Source:     domain.SourceCoinGecko,
		Price:      decimalFromFloat(price),
		ReceivedAt: time.Now(),
	}, nil
}

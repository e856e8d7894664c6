package sources

import (
	"context"
	"strings"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/services/aggregator/domain"
	"priceoracle/internal/services/aggregator/httpx"
	"priceoracle/internal/services/aggregator/ratelimit"
)

const alphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantage implements domain.Adapter against Alpha Vantage's realtime
// currency exchange rate REST endpoint; no batch or streaming capability
type AlphaVantage struct {
	restBase
	cfg domain.SourceConfig
}

type alphaVantageResp struct {
	RealtimeRate struct {
		ExchangeRate string `json:"5. Exchange Rate"`
	} `json:"Realtime Currency Exchange Rate"`
}

// NewAlphaVantage constructs an AlphaVantage adapter
func NewAlphaVantage(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*AlphaVantage, error) {
	client, err := newClient(alphaVantageBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	return &AlphaVantage{restBase: newRestBase(domain.SourceAlphaVantage, cfg, client), cfg: cfg}, nil
}

// FetchQuote fetches a single pair's realtime exchange rate
func (a *AlphaVantage) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	if a.cfg.APIKey == "" {
		return domain.Quote{}, perr.Unauthorizedf("alphavantage: missing API key")
	}
	resp, err := a.client.Get(ctx, "/query", map[string]string{
		"function":      "CURRENCY_EXCHANGE_RATE",
		"from_currency": strings.ToUpper(pair.Base),
		"to_currency":   strings.ToUpper(pair.Quote),
		"apikey":        a.cfg.APIKey,
	})
	if err != nil {
		return domain.Quote{}, err
	}
	var r alphaVantageResp
	if err := httpx.DecodeJSON(resp, &r); err != nil {
		return domain.Quote{}, err
	}
	if r.RealtimeRate.ExchangeRate == "" {
		return domain.Quote{}, perr.NotFoundf("alphavantage: price not found for %s/%s", pair.Base, pair.Quote)
	}
	return nowQuote(pair, domain.SourceAlphaVantage, r.RealtimeRate.ExchangeRate)
}

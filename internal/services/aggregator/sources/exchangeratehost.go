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

const exchangeRateHostBaseURL = "https://api.exchangerate.host"

// ExchangeRateHost implements domain.Adapter against exchangerate.host's
// FX rates REST API. The API key is optional: requests are sent with it
// when configured, without it otherwise.
type ExchangeRateHost struct {
	restBase
	cfg domain.SourceConfig
}

type exchangeRateHostResp struct {
	Rates map[string]float64 `json:"rates"`
}

// NewExchangeRateHost constructs an ExchangeRateHost adapter
func NewExchangeRateHost(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*ExchangeRateHost, error) {
	client, err := newClient(exchangeRateHostBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	return &ExchangeRateHost{restBase: newRestBase(domain.SourceExchangeRateAPI, cfg, client), cfg: cfg}, nil
}

// FetchQuote fetches a single FX pair's latest rate
func (e *ExchangeRateHost) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	quote := strings.ToUpper(pair.Quote)
	params := map[string]string{
		"base":    strings.ToUpper(pair.Base),
		"symbols": quote,
	}
	if e.cfg.APIKey != "" {
		params["access_key"] = e.cfg.APIKey
	}
	resp, err := e.client.Get(ctx, "/latest", params)
	if err != nil {
		return domain.Quote{}, err
	}
	var r exchangeRateHostResp
	if err := httpx.DecodeJSON(resp, &r); err != nil {
		return domain.Quote{}, err
	}
	rate, ok := r.Rates[quote]
	if !ok {
		return domain.Quote{}, perr.NotFoundf("exchangerate-host: no rate for %s/%s", pair.Base, pair.Quote)
	}
	return domain.Quote{
		Pair:       pair,
		Source:     domain.SourceExchangeRateAPI,
		Price:      decimalFromFloat(rate),
		ReceivedAt: time.Now(),
	}, nil
}

// FetchQuotes fetches several pairs, grouping by base currency since the
// upstream /latest endpoint accepts one "base" and a comma-separated
// "symbols" list
func (e *ExchangeRateHost) FetchQuotes(ctx context.Context, pairs []domain.Pair) ([]domain.Quote, error) {
	byBase := make(map[string][]string)
	for _, p := range pairs {
		base := strings.ToUpper(p.Base)
		byBase[base] = append(byBase[base], strings.ToUpper(p.Quote))
	}

	out := make([]domain.Quote, 0, len(pairs))
	for base, quotes := range byBase {
		params := map[string]string{
			"base":    base,
			"symbols": strings.Join(quotes, ","),
		}
		if e.cfg.APIKey != "" {
			params["access_key"] = e.cfg.APIKey
		}
		resp, err := e.client.Get(ctx, "/latest", params)
		if err != nil {
			return out, err
		}
		var r exchangeRateHostResp
		if err := httpx.DecodeJSON(resp, &r); err != nil {
			return out, err
		}
		for _, q := range quotes {
			rate, ok := r.Rates[q]
			if !ok {
				continue
			}
			out = append(out, domain.Quote{
				Pair:       domain.Pair{Base: base, Quote: q},
				Source:     domain.SourceExchangeRateAPI,
				Price:      decimalFromFloat(rate),
				ReceivedAt: time.Now(),
			})
		}
	}
	return out, nil
}

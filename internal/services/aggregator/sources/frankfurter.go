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

const frankfurterBaseURL = "https://api.frankfurter.app"

// Frankfurter implements domain.Adapter and domain.BatchAdapter against
// Frankfurter's free FX rates REST API; no streaming or API key
type Frankfurter struct {
	restBase
}

type frankfurterResp struct {
	Rates map[string]float64 `json:"rates"`
}

// NewFrankfurter constructs a Frankfurter adapter
func NewFrankfurter(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*Frankfurter, error) {
	client, err := newClient(frankfurterBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	return &Frankfurter{restBase: newRestBase(domain.SourceFrankfurter, cfg, client)}, nil
}

// FetchQuote fetches a single FX pair's latest rate
func (fk *Frankfurter) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	quote := strings.ToUpper(pair.Quote)
	resp, err := fk.client.Get(ctx, "/latest", map[string]string{
		"from": strings.ToUpper(pair.Base),
		"to":   quote,
	})
	if err != nil {
		return domain.Quote{}, err
	}
	var r frankfurterResp
	if err := httpx.DecodeJSON(resp, &r); err != nil {
		return domain.Quote{}, err
	}
	rate, ok := r.Rates[quote]
	if !ok {
		return domain.Quote{}, perr.NotFoundf("frankfurter: no rate for %s/%s", pair.Base, pair.Quote)
	}
	return domain.Quote{
		Pair:       pair,
		Source:     domain.SourceFrankfurter,
		Price:      decimalFromFloat(rate),
		ReceivedAt: time.Now(),
	}, nil
}

// FetchQuotes fetches several pairs, grouping by base currency since
// Frankfurter's /latest accepts one "from" and a comma-separated "to" list
func (fk *Frankfurter) FetchQuotes(ctx context.Context, pairs []domain.Pair) ([]domain.Quote, error) {
	byBase := make(map[string][]string)
	for _, p := range pairs {
		base := strings.ToUpper(p.Base)
		byBase[base] = append(byBase[base], strings.ToUpper(p.Quote))
	}

	out := make([]domain.Quote, 0, len(pairs))
	for base, quotes := range byBase {
		resp, err := fk.client.Get(ctx, "/latest", map[string]string{
			"from": base,
			"to":   strings.Join(quotes, ","),
		})
		if err != nil {
			return out, err
		}
		var r frankfurterResp
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
				Source:     domain.SourceFrankfurter,
				Price:      decimalFromFloat(rate),
				ReceivedAt: time.Now(),
			})
		}
	}
	return out, nil
}

package sources

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/services/aggregator/domain"
	"priceoracle/internal/services/aggregator/httpx"
	"priceoracle/internal/services/aggregator/ratelimit"
	"priceoracle/internal/services/aggregator/stream"
)

const cryptoCompareBaseURL = "https://min-api.cryptocompare.com"
const cryptoCompareWSURL = "wss://streamer.cryptocompare.com/v2"

// CryptoCompare implements domain.Adapter and domain.StreamAdapter
// against CryptoCompare's public REST and WebSocket APIs
type CryptoCompare struct {
	restBase
	cfg  domain.SourceConfig
	base *stream.Base
	ws   *stream.WSClient
}

// NewCryptoCompare constructs a CryptoCompare adapter; requests carry an
// Apikey header when cfg.APIKey is set
func NewCryptoCompare(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*CryptoCompare, error) {
	var headers map[string]string
	if cfg.APIKey != "" {
		headers = map[string]string{"Authorization": "Apikey " + cfg.APIKey}
	}
	client, err := newClient(cryptoCompareBaseURL, cfg, limiters, headers)
	if err != nil {
		return nil, err
	}
	cc := &CryptoCompare{
		restBase: newRestBase(domain.SourceCryptoCompare, cfg, client),
		cfg:      cfg,
		base:     stream.NewBase("cryptocompare"),
	}
	cc.base.ToIdentifier = cc.toIdentifier
	return cc, nil
}

// toIdentifier is BASE~QUOTE, used as the WS subscription channel suffix
func (cc *CryptoCompare) toIdentifier(pair domain.Pair) (string, error) {
	return strings.ToUpper(pair.Base) + "~" + strings.ToUpper(pair.Quote), nil
}

// FetchQuote fetches a single pair's price
func (cc *CryptoCompare) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	if cc.cfg.APIKey == "" {
		return domain.Quote{}, perr.Unauthorizedf("cryptocompare: missing API key")
	}
	quoteUpper := strings.ToUpper(pair.Quote)
	resp, err := cc.client.Get(ctx, "/data/price", map[string]string{
		"fsym":  strings.ToUpper(pair.Base),
		"tsyms": quoteUpper,
	})
	if err != nil {
		return domain.Quote{}, err
	}
	var raw map[string]json.Number
	if err := httpx.DecodeJSON(resp, &raw); err != nil {
		return domain.Quote{}, err
	}
	val, ok := raw[quoteUpper]
	if !ok {
		return domain.Quote{}, perr.NotFoundf("cryptocompare: price not found for %s/%s", pair.Base, pair.Quote)
	}
	return nowQuote(pair, domain.SourceCryptoCompare, val.String())
}

// Connect opens the CryptoCompare streamer WebSocket
func (cc *CryptoCompare) Connect(ctx context.Context) error {
	if cc.ws != nil {
		return cc.ws.Connect(ctx)
	}
	var opts stream.WSClientOptions
	if cc.cfg.Stream != nil {
		opts = stream.WSClientOptions{
			AutoReconnect:            cc.cfg.Stream.AutoReconnect,
			ReconnectInterval:        time.Duration(cc.cfg.Stream.ReconnectIntervalMs) * time.Millisecond,
			MaxReconnectAttempts:     cc.cfg.Stream.MaxReconnectAttempts,
			HeartbeatInterval:        time.Duration(cc.cfg.Stream.HeartbeatIntervalMs) * time.Millisecond,
			SendRateLimitPerInterval: cc.cfg.Stream.RateLimitPerInterval,
			SendRateLimitInterval:    time.Duration(cc.cfg.Stream.RateLimitIntervalMs) * time.Millisecond,
		}
	}
	opts.URL = cryptoCompareWSURL + "?api_key=" + cc.cfg.APIKey
	cc.ws = stream.NewWSClient(opts, cc.onMessage, cc.onState)
	cc.base.SendSubscribe = cc.sendSubscribe
	cc.base.SendUnsubscribe = cc.sendUnsubscribe
	return cc.ws.Connect(ctx)
}

// Disconnect closes the WebSocket connection
func (cc *CryptoCompare) Disconnect() error {
	if cc.ws == nil {
		return nil
	}
	return cc.ws.Disconnect()
}

// Subscribe registers interest in one pair's live trade updates
func (cc *CryptoCompare) Subscribe(pair domain.Pair, onQuote domain.QuoteHandler, onError domain.ErrorHandler) (string, error) {
	return cc.base.Subscribe(pair, onQuote, onError)
}

// SubscribeMany registers interest in several pairs at once, issuing one
// batched wire subscribe frame
func (cc *CryptoCompare) SubscribeMany(pairs []domain.Pair, onQuote domain.QuoteHandler, onErrorFactory func(domain.Pair) domain.ErrorHandler) (map[domain.Pair]string, error) {
	return cc.base.SubscribeMany(pairs, onQuote, onErrorFactory)
}

// Unsubscribe removes one subscription
func (cc *CryptoCompare) Unsubscribe(id string) error { return cc.base.Unsubscribe(id) }

func (cc *CryptoCompare) sendSubscribe(identifiers []string) error {
	return cc.ws.Send(map[string]any{
		"action": "SubAdd",
		"subs":   ccSubs(identifiers),
	})
}

func (cc *CryptoCompare) sendUnsubscribe(identifiers []string) error {
	return cc.ws.Send(map[string]any{
		"action": "SubRemove",
		"subs":   ccSubs(identifiers),
	})
}

// ccSubs maps every identifier to its CCCAGG trade-channel subscription key
func ccSubs(identifiers []string) []string {
	out := make([]string, len(identifiers))
	for i, ident := range identifiers {
		out[i] = "5~CCCAGG~" + ident
	}
	return out
}

type cryptoCompareFrame struct {
	Type   string  `json:"TYPE"`
	FromSy string  `json:"FROMSYMBOL"`
	ToSy   string  `json:"TOSYMBOL"`
	Price  float64 `json:"PRICE"`
}

func (cc *CryptoCompare) onMessage(raw []byte) {
	var frame cryptoCompareFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "5" || frame.FromSy == "" {
		return
	}
	identifier := frame.FromSy + "~" + frame.ToSy
	q := domain.Quote{
		Source:     domain.SourceCryptoCompare,
		ReceivedAt: time.Now(),
		Price:      decimalFromFloat(frame.Price),
	}
	cc.base.Dispatch(identifier, q)
}

func (cc *CryptoCompare) onState(s stream.ConnState) {
	if s == stream.StateConnected {
		if err := cc.base.Resubscribe(); err != nil {
			cc.log.Warn().Err(err).Msg("cryptocompare: resubscribe after reconnect failed")
		}
	}
}

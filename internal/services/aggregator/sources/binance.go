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

const binanceBaseURL = "https://api.binance.com"
const binanceWSURL = "wss://stream.binance.com:9443/stream"

// Binance implements domain.Adapter, domain.BatchAdapter, and
// domain.StreamAdapter against Binance's public REST and WebSocket APIs
type Binance struct {
	restBase
	cfg  domain.SourceConfig
	base *stream.Base
	ws   *stream.WSClient
}

type binanceTickerResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewBinance constructs a Binance adapter
func NewBinance(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*Binance, error) {
	client, err := newClient(binanceBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	b := &Binance{
		restBase: newRestBase(domain.SourceBinance, cfg, client),
		cfg:      cfg,
		base:     stream.NewBase("binance"),
	}
	b.base.ToIdentifier = b.toSymbol
	return b, nil
}

// toSymbol rewrites USD to USDT before contacting Binance, per spec
func (b *Binance) toSymbol(pair domain.Pair) (string, error) {
	base := strings.ToUpper(pair.Base)
	quote := strings.ToUpper(pair.Quote)
	if quote == "USD" {
		quote = "USDT"
	}
	return base + quote, nil
}

// FetchQuote fetches a single pair's price
func (b *Binance) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	symbol, _ := b.toSymbol(pair)
	resp, err := b.client.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return domain.Quote{}, err
	}
	var t binanceTickerResp
	if err := httpx.DecodeJSON(resp, &t); err != nil {
		return domain.Quote{}, err
	}
	if t.Price == "" {
		return domain.Quote{}, perr.NotFoundf("binance: price not found for %s", symbol)
	}
	q, err := nowQuote(pair, domain.SourceBinance, t.Price)
	return q, err
}

// FetchQuotes fetches several pairs in one upstream round trip
func (b *Binance) FetchQuotes(ctx context.Context, pairs []domain.Pair) ([]domain.Quote, error) {
	symbols := make([]string, len(pairs))
	bySymbol := make(map[string]domain.Pair, len(pairs))
	for i, p := range pairs {
		sym, _ := b.toSymbol(p)
		symbols[i] = sym
		bySymbol[sym] = p
	}
	raw, err := json.Marshal(symbols)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "binance: marshal symbols")
	}
	resp, err := b.client.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbols": string(raw)})
	if err != nil {
		return nil, err
	}
	var ticks []binanceTickerResp
	if err := httpx.DecodeJSON(resp, &ticks); err != nil {
		return nil, err
	}
	out := make([]domain.Quote, 0, len(ticks))
	for _, t := range ticks {
		pair, ok := bySymbol[t.Symbol]
		if !ok {
			continue
		}
		q, err := nowQuote(pair, domain.SourceBinance, t.Price)
		if err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// Connect opens the Binance combined WebSocket stream
func (b *Binance) Connect(ctx context.Context) error {
	if b.ws != nil {
		return b.ws.Connect(ctx)
	}
	var opts stream.WSClientOptions
	if b.cfg.Stream != nil {
		opts = stream.WSClientOptions{
			AutoReconnect:            b.cfg.Stream.AutoReconnect,
			ReconnectInterval:        time.Duration(b.cfg.Stream.ReconnectIntervalMs) * time.Millisecond,
			MaxReconnectAttempts:     b.cfg.Stream.MaxReconnectAttempts,
			HeartbeatInterval:        time.Duration(b.cfg.Stream.HeartbeatIntervalMs) * time.Millisecond,
			SendRateLimitPerInterval: b.cfg.Stream.RateLimitPerInterval,
			SendRateLimitInterval:    time.Duration(b.cfg.Stream.RateLimitIntervalMs) * time.Millisecond,
		}
	}
	opts.URL = binanceWSURL
	b.ws = stream.NewWSClient(opts, b.onMessage, b.onState)
	b.base.SendSubscribe = b.sendSubscribe
	b.base.SendUnsubscribe = b.sendUnsubscribe
	return b.ws.Connect(ctx)
}

// Disconnect closes the WebSocket connection
func (b *Binance) Disconnect() error {
	if b.ws == nil {
		return nil
	}
	return b.ws.Disconnect()
}

// Subscribe registers interest in one pair's live ticker stream
func (b *Binance) Subscribe(pair domain.Pair, onQuote domain.QuoteHandler, onError domain.ErrorHandler) (string, error) {
	return b.base.Subscribe(pair, onQuote, onError)
}

// SubscribeMany registers interest in several pairs at once, issuing one
// batched wire subscribe frame
func (b *Binance) SubscribeMany(pairs []domain.Pair, onQuote domain.QuoteHandler, onErrorFactory func(domain.Pair) domain.ErrorHandler) (map[domain.Pair]string, error) {
	return b.base.SubscribeMany(pairs, onQuote, onErrorFactory)
}

// Unsubscribe removes one subscription
func (b *Binance) Unsubscribe(id string) error { return b.base.Unsubscribe(id) }

func (b *Binance) sendSubscribe(identifiers []string) error {
	return b.ws.Send(map[string]any{
		"method": "SUBSCRIBE",
		"params": streamNames(identifiers),
		"id":     time.Now().UnixNano(),
	})
}

func (b *Binance) sendUnsubscribe(identifiers []string) error {
	return b.ws.Send(map[string]any{
		"method": "UNSUBSCRIBE",
		"params": streamNames(identifiers),
		"id":     time.Now().UnixNano(),
	})
}

// streamNames maps every identifier to its lowercase @ticker stream name
func streamNames(identifiers []string) []string {
	out := make([]string, len(identifiers))
	for i, ident := range identifiers {
		out[i] = strings.ToLower(ident) + "@ticker"
	}
	return out
}

type binanceStreamFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

func (b *Binance) onMessage(raw []byte) {
	var frame binanceStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Symbol == "" {
		return
	}
	q, err := nowQuote(domain.Pair{}, domain.SourceBinance, frame.Data.Close)
	if err != nil {
		b.base.DispatchError(frame.Data.Symbol, err)
		return
	}
	b.base.Dispatch(frame.Data.Symbol, q)
}

func (b *Binance) onState(s stream.ConnState) {
	if s == stream.StateConnected {
		if err := b.base.Resubscribe(); err != nil {
			b.log.Warn().Err(err).Msg("binance: resubscribe after reconnect failed")
		}
	}
}

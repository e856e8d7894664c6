package sources

import (
	"context"
	"encoding/json"
	"time"

	"priceoracle/internal/services/aggregator/domain"
	"priceoracle/internal/services/aggregator/httpx"
	"priceoracle/internal/services/aggregator/ratelimit"
	"priceoracle/internal/services/aggregator/stream"
)

const coinbaseBaseURL = "https://api.coinbase.com"
const coinbaseWSURL = "wss://ws-feed.exchange.coinbase.com"

// Coinbase implements domain.Adapter and domain.StreamAdapter against
// Coinbase's public REST and WebSocket APIs
type Coinbase struct {
	restBase
	cfg  domain.SourceConfig
	base *stream.Base
	ws   *stream.WSClient
}

type coinbasePriceResp struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

// NewCoinbase constructs a Coinbase adapter
func NewCoinbase(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*Coinbase, error) {
	client, err := newClient(coinbaseBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	c := &Coinbase{
		restBase: newRestBase(domain.SourceCoinbase, cfg, client),
		cfg:      cfg,
		base:     stream.NewBase("coinbase"),
	}
	c.base.ToIdentifier = c.toProductID
	return c, nil
}

// toProductID formats BASE-QUOTE, Coinbase's product id format
func (c *Coinbase) toProductID(pair domain.Pair) (string, error) {
	return pair.Base + "-" + pair.Quote, nil
}

// FetchQuote fetches a single pair's spot price
func (c *Coinbase) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	path := "/v2/prices/" + pair.Base + "-" + pair.Quote + "/spot"
	resp, err := c.client.Get(ctx, path, nil)
	if err != nil {
		return domain.Quote{}, err
	}
	var r coinbasePriceResp
	if err := httpx.DecodeJSON(resp, &r); err != nil {
		return domain.Quote{}, err
	}
	return nowQuote(pair, domain.SourceCoinbase, r.Data.Amount)
}

// Connect opens the Coinbase Exchange public WebSocket feed
func (c *Coinbase) Connect(ctx context.Context) error {
	if c.ws != nil {
		return c.ws.Connect(ctx)
	}
	var opts stream.WSClientOptions
	if c.cfg.Stream != nil {
		opts = stream.WSClientOptions{
			AutoReconnect:            c.cfg.Stream.AutoReconnect,
			ReconnectInterval:        time.Duration(c.cfg.Stream.ReconnectIntervalMs) * time.Millisecond,
			MaxReconnectAttempts:     c.cfg.Stream.MaxReconnectAttempts,
			HeartbeatInterval:        time.Duration(c.cfg.Stream.HeartbeatIntervalMs) * time.Millisecond,
			SendRateLimitPerInterval: c.cfg.Stream.RateLimitPerInterval,
			SendRateLimitInterval:    time.Duration(c.cfg.Stream.RateLimitIntervalMs) * time.Millisecond,
		}
	}
	opts.URL = coinbaseWSURL
	c.ws = stream.NewWSClient(opts, c.onMessage, c.onState)
	c.base.SendSubscribe = c.sendSubscribe
	c.base.SendUnsubscribe = c.sendUnsubscribe
	return c.ws.Connect(ctx)
}

// Disconnect closes the WebSocket connection
func (c *Coinbase) Disconnect() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Disconnect()
}

// Subscribe registers interest in one pair's live ticker channel
func (c *Coinbase) Subscribe(pair domain.Pair, onQuote domain.QuoteHandler, onError domain.ErrorHandler) (string, error) {
	return c.base.Subscribe(pair, onQuote, onError)
}

// SubscribeMany registers interest in several pairs at once, issuing one
// batched wire subscribe frame
func (c *Coinbase) SubscribeMany(pairs []domain.Pair, onQuote domain.QuoteHandler, onErrorFactory func(domain.Pair) domain.ErrorHandler) (map[domain.Pair]string, error) {
	return c.base.SubscribeMany(pairs, onQuote, onErrorFactory)
}

// Unsubscribe removes one subscription
func (c *Coinbase) Unsubscribe(id string) error { return c.base.Unsubscribe(id) }

func (c *Coinbase) sendSubscribe(identifiers []string) error {
	return c.ws.Send(map[string]any{
		"type":        "subscribe",
		"product_ids": identifiers,
		"channels":    []string{"ticker"},
	})
}

func (c *Coinbase) sendUnsubscribe(identifiers []string) error {
	return c.ws.Send(map[string]any{
		"type":        "unsubscribe",
		"product_ids": identifiers,
		"channels":    []string{"ticker"},
	})
}

type coinbaseTickerFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

func (c *Coinbase) onMessage(raw []byte) {
	var frame coinbaseTickerFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "ticker" || frame.Price == "" {
		return
	}
	q, err := nowQuote(domain.Pair{}, domain.SourceCoinbase, frame.Price)
	if err != nil {
		c.base.DispatchError(frame.ProductID, err)
		return
	}
	c.base.Dispatch(frame.ProductID, q)
}

func (c *Coinbase) onState(s stream.ConnState) {
	if s == stream.StateConnected {
		if err := c.base.Resubscribe(); err != nil {
			c.log.Warn().Err(err).Msg("coinbase: resubscribe after reconnect failed")
		}
	}
}

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

const okxBaseURL = "https://www.okx.com"
const okxWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// OKX implements domain.Adapter and domain.StreamAdapter against OKX's
// public REST and WebSocket APIs
type OKX struct {
	restBase
	cfg  domain.SourceConfig
	base *stream.Base
	ws   *stream.WSClient
}

type okxTickerResp struct {
	Code string `json:"code"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	} `json:"data"`
}

// NewOKX constructs an OKX adapter
func NewOKX(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*OKX, error) {
	client, err := newClient(okxBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	o := &OKX{
		restBase: newRestBase(domain.SourceOKX, cfg, client),
		cfg:      cfg,
		base:     stream.NewBase("okx"),
	}
	o.base.ToIdentifier = o.toInstID
	return o, nil
}

// toInstID rewrites USD to USDT and joins with '-', OKX's instrument id format
func (o *OKX) toInstID(pair domain.Pair) (string, error) {
	base := strings.ToUpper(pair.Base)
	quote := strings.ToUpper(pair.Quote)
	if quote == "USD" {
		quote = "USDT"
	}
	return base + "-" + quote, nil
}

// FetchQuote fetches a single pair's price
func (o *OKX) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	instID, _ := o.toInstID(pair)
	resp, err := o.client.Get(ctx, "/api/v5/market/ticker", map[string]string{"instId": instID})
	if err != nil {
		return domain.Quote{}, err
	}
	var t okxTickerResp
	if err := httpx.DecodeJSON(resp, &t); err != nil {
		return domain.Quote{}, err
	}
	if t.Code != "0" || len(t.Data) == 0 {
		return domain.Quote{}, perr.NotFoundf("okx: price not found for %s", instID)
	}
	return nowQuote(pair, domain.SourceOKX, t.Data[0].Last)
}

// Connect opens the OKX public WebSocket stream
func (o *OKX) Connect(ctx context.Context) error {
	if o.ws != nil {
		return o.ws.Connect(ctx)
	}
	var opts stream.WSClientOptions
	if o.cfg.Stream != nil {
		opts = stream.WSClientOptions{
			AutoReconnect:            o.cfg.Stream.AutoReconnect,
			ReconnectInterval:        time.Duration(o.cfg.Stream.ReconnectIntervalMs) * time.Millisecond,
			MaxReconnectAttempts:     o.cfg.Stream.MaxReconnectAttempts,
			HeartbeatInterval:        time.Duration(o.cfg.Stream.HeartbeatIntervalMs) * time.Millisecond,
			SendRateLimitPerInterval: o.cfg.Stream.RateLimitPerInterval,
			SendRateLimitInterval:    time.Duration(o.cfg.Stream.RateLimitIntervalMs) * time.Millisecond,
		}
	}
	opts.URL = okxWSURL
	o.ws = stream.NewWSClient(opts, o.onMessage, o.onState)
	o.base.SendSubscribe = o.sendSubscribe
	o.base.SendUnsubscribe = o.sendUnsubscribe
	return o.ws.Connect(ctx)
}

// Disconnect closes the WebSocket connection
func (o *OKX) Disconnect() error {
	if o.ws == nil {
		return nil
	}
	return o.ws.Disconnect()
}

// Subscribe registers interest in one pair's live ticker stream
func (o *OKX) Subscribe(pair domain.Pair, onQuote domain.QuoteHandler, onError domain.ErrorHandler) (string, error) {
	return o.base.Subscribe(pair, onQuote, onError)
}

// SubscribeMany registers interest in several pairs at once, issuing one
// batched wire subscribe frame
func (o *OKX) SubscribeMany(pairs []domain.Pair, onQuote domain.QuoteHandler, onErrorFactory func(domain.Pair) domain.ErrorHandler) (map[domain.Pair]string, error) {
	return o.base.SubscribeMany(pairs, onQuote, onErrorFactory)
}

// Unsubscribe removes one subscription
func (o *OKX) Unsubscribe(id string) error { return o.base.Unsubscribe(id) }

func (o *OKX) sendSubscribe(identifiers []string) error {
	return o.ws.Send(map[string]any{
		"op":   "subscribe",
		"args": okxArgs(identifiers),
	})
}

func (o *OKX) sendUnsubscribe(identifiers []string) error {
	return o.ws.Send(map[string]any{
		"op":   "unsubscribe",
		"args": okxArgs(identifiers),
	})
}

// okxArgs builds one tickers-channel arg entry per identifier
func okxArgs(identifiers []string) []map[string]string {
	args := make([]map[string]string, len(identifiers))
	for i, ident := range identifiers {
		args[i] = map[string]string{"channel": "tickers", "instId": ident}
	}
	return args
}

type okxStreamFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Last string `json:"last"`
	} `json:"data"`
}

func (o *OKX) onMessage(raw []byte) {
	var frame okxStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Data) == 0 {
		return
	}
	q, err := nowQuote(domain.Pair{}, domain.SourceOKX, frame.Data[0].Last)
	if err != nil {
		o.base.DispatchError(frame.Arg.InstID, err)
		return
	}
	o.base.Dispatch(frame.Arg.InstID, q)
}

func (o *OKX) onState(s stream.ConnState) {
	if s == stream.StateConnected {
		if err := o.base.Resubscribe(); err != nil {
			o.log.Warn().Err(err).Msg("okx: resubscribe after reconnect failed")
		}
	}
}

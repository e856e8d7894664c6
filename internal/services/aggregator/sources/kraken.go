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

const krakenBaseURL = "https://api.kraken.com"
const krakenWSURL = "wss://ws.kraken.com"

// Kraken implements domain.Adapter and domain.StreamAdapter against
// Kraken's public REST and WebSocket APIs
type Kraken struct {
	restBase
	cfg  domain.SourceConfig
	base *stream.Base
	ws   *stream.WSClient
}

type krakenTickerResp struct {
	Error  []string                          `json:"error"`
	Result map[string]krakenTickerResultEntry `json:"result"`
}

type krakenTickerResultEntry struct {
	Close []string `json:"c"`
}

// NewKraken constructs a Kraken adapter
func NewKraken(cfg domain.SourceConfig, limiters *ratelimit.Registry) (*Kraken, error) {
	client, err := newClient(krakenBaseURL, cfg, limiters, nil)
	if err != nil {
		return nil, err
	}
	k := &Kraken{
		restBase: newRestBase(domain.SourceKraken, cfg, client),
		cfg:      cfg,
		base:     stream.NewBase("kraken"),
	}
	k.base.ToIdentifier = k.toWirePair
	return k, nil
}

// toWirePair maps BTC to XBT, Kraken's legacy asset code, in the
// slash-separated form used by the WebSocket subscribe/resubscribe frames
// (e.g. "XBT/USD")
func (k *Kraken) toWirePair(pair domain.Pair) (string, error) {
	base := krakenAsset(pair.Base)
	quote := krakenAsset(pair.Quote)
	return base + "/" + quote, nil
}

// toRESTPair maps a pair to the unseparated form Kraken's REST Ticker
// endpoint expects (e.g. "XBTUSD")
func (k *Kraken) toRESTPair(pair domain.Pair) string {
	return krakenAsset(pair.Base) + krakenAsset(pair.Quote)
}

func krakenAsset(symbol string) string {
	if strings.EqualFold(symbol, "BTC") {
		return "XBT"
	}
	return strings.ToUpper(symbol)
}

// FetchQuote fetches a single pair's price
func (k *Kraken) FetchQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	wirePair := k.toRESTPair(pair)
	resp, err := k.client.Get(ctx, "/0/public/Ticker", map[string]string{"pair": wirePair})
	if err != nil {
		return domain.Quote{}, err
	}
	var t krakenTickerResp
	if err := httpx.DecodeJSON(resp, &t); err != nil {
		return domain.Quote{}, err
	}
	if len(t.Error) > 0 {
		return domain.Quote{}, perr.NotFoundf("kraken: %s", strings.Join(t.Error, "; "))
	}
	for _, entry := range t.Result {
		if len(entry.Close) == 0 {
			continue
		}
		return nowQuote(pair, domain.SourceKraken, entry.Close[0])
	}
	return domain.Quote{}, perr.NotFoundf("kraken: price not found for %s", wirePair)
}

// Connect opens the Kraken public WebSocket stream
func (k *Kraken) Connect(ctx context.Context) error {
	if k.ws != nil {
		return k.ws.Connect(ctx)
	}
	var opts stream.WSClientOptions
	if k.cfg.Stream != nil {
		opts = stream.WSClientOptions{
			AutoReconnect:            k.cfg.Stream.AutoReconnect,
			ReconnectInterval:        time.Duration(k.cfg.Stream.ReconnectIntervalMs) * time.Millisecond,
			MaxReconnectAttempts:     k.cfg.Stream.MaxReconnectAttempts,
			HeartbeatInterval:        time.Duration(k.cfg.Stream.HeartbeatIntervalMs) * time.Millisecond,
			SendRateLimitPerInterval: k.cfg.Stream.RateLimitPerInterval,
			SendRateLimitInterval:    time.Duration(k.cfg.Stream.RateLimitIntervalMs) * time.Millisecond,
		}
	}
	opts.URL = krakenWSURL
	k.ws = stream.NewWSClient(opts, k.onMessage, k.onState)
	k.base.SendSubscribe = k.sendSubscribe
	k.base.SendUnsubscribe = k.sendUnsubscribe
	return k.ws.Connect(ctx)
}

// Disconnect closes the WebSocket connection
func (k *Kraken) Disconnect() error {
	if k.ws == nil {
		return nil
	}
	return k.ws.Disconnect()
}

// Subscribe registers interest in one pair's live ticker stream
func (k *Kraken) Subscribe(pair domain.Pair, onQuote domain.QuoteHandler, onError domain.ErrorHandler) (string, error) {
	return k.base.Subscribe(pair, onQuote, onError)
}

// SubscribeMany registers interest in several pairs at once, issuing one
// batched wire subscribe frame
func (k *Kraken) SubscribeMany(pairs []domain.Pair, onQuote domain.QuoteHandler, onErrorFactory func(domain.Pair) domain.ErrorHandler) (map[domain.Pair]string, error) {
	return k.base.SubscribeMany(pairs, onQuote, onErrorFactory)
}

// Unsubscribe removes one subscription
func (k *Kraken) Unsubscribe(id string) error { return k.base.Unsubscribe(id) }

func (k *Kraken) sendSubscribe(identifiers []string) error {
	return k.ws.Send(map[string]any{
		"event":        "subscribe",
		"pair":         identifiers,
		"subscription": map[string]string{"name": "ticker"},
	})
}

func (k *Kraken) sendUnsubscribe(identifiers []string) error {
	return k.ws.Send(map[string]any{
		"event":        "unsubscribe",
		"pair":         identifiers,
		"subscription": map[string]string{"name": "ticker"},
	})
}

func (k *Kraken) onMessage(raw []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 4 {
		return
	}
	var tick struct {
		Close []string `json:"c"`
	}
	if err := json.Unmarshal(arr[1], &tick); err != nil || len(tick.Close) == 0 {
		return
	}
	var pairName string
	_ = json.Unmarshal(arr[3], &pairName)
	if pairName == "" {
		return
	}
	q, err := nowQuote(domain.Pair{}, domain.SourceKraken, tick.Close[0])
	if err != nil {
		k.base.DispatchError(pairName, err)
		return
	}
	k.base.Dispatch(pairName, q)
}

func (k *Kraken) onState(s stream.ConnState) {
	if s == stream.StateConnected {
		if err := k.base.Resubscribe(); err != nil {
			k.log.Warn().Err(err).Msg("kraken: resubscribe after reconnect failed")
		}
	}
}

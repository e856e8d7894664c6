// Package stream implements the WebSocket streaming pipeline: a
// reconnecting connection primitive (C8), a subscription-bookkeeping base
// adapters embed (C9), and the service that bridges the pair registry to
// live subscriptions (C10)
package stream

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/platform/logger"
)

// ConnState is the lifecycle state of a WSClient
type ConnState int

// Connection states
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSClientOptions configures a WSClient
type WSClientOptions struct {
	URL                  string
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 means unlimited
	HeartbeatInterval    time.Duration
	WriteWait            time.Duration
	PongWait             time.Duration

	// SendRateLimitPerInterval and SendRateLimitInterval bound the rate of
	// outbound Send calls (e.g. subscribe/unsubscribe frames) with a token
	// bucket; either field left zero disables send-side rate limiting.
	SendRateLimitPerInterval int
	SendRateLimitInterval    time.Duration
}

// StateHandler is notified on every connection state transition
type StateHandler func(ConnState)

// MessageHandler receives each inbound frame's payload
type MessageHandler func([]byte)

// WSClient owns one WebSocket connection with heartbeat and linear-backoff
// auto-reconnect. It is the transport primitive StreamAdapter embeds; it
// carries no subscription knowledge of its own.
type WSClient struct {
	opts WSClientOptions
	log  logger.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   ConnState
	attempt int

	onMessage MessageHandler
	onState   StateHandler

	sendLimiter *rate.Limiter // nil when send-side rate limiting is disabled

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient constructs a WSClient for the given URL. onMessage is called
// for every inbound frame; onState on every lifecycle transition.
func NewWSClient(opts WSClientOptions, onMessage MessageHandler, onState StateHandler) *WSClient {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	c := &WSClient{
		opts:      opts,
		log:       logger.Named("aggregator.stream.ws"),
		onMessage: onMessage,
		onState:   onState,
	}
	if opts.SendRateLimitPerInterval > 0 && opts.SendRateLimitInterval > 0 {
		rps := float64(opts.SendRateLimitPerInterval) / opts.SendRateLimitInterval.Seconds()
		c.sendLimiter = rate.NewLimiter(rate.Limit(rps), opts.SendRateLimitPerInterval)
	}
	return c
}

// Connect dials the configured URL and starts the read and heartbeat loops.
// It is idempotent: calling Connect while already connected is a no-op.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	if _, err := url.Parse(c.opts.URL); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "stream: invalid websocket url")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.setState(StateDisconnected)
		c.mu.Unlock()
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "stream: dial %s", c.opts.URL)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.ctx = runCtx
	c.cancel = cancel
	c.attempt = 0
	c.setState(StateConnected)
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()

	return nil
}

// Disconnect tears down the current connection and stops auto-reconnect
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	cancel := c.cancel
	c.setState(StateClosed)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// Send writes a JSON-able payload to the connection, blocking on the
// send-side rate limiter (if configured) before writing
func (c *WSClient) Send(v any) error {
	c.mu.RLock()
	conn := c.conn
	runCtx := c.ctx
	c.mu.RUnlock()
	if conn == nil {
		return perr.Unavailablef("stream: not connected")
	}
	if c.sendLimiter != nil {
		waitCtx := runCtx
		if waitCtx == nil {
			waitCtx = context.Background()
		}
		if err := c.sendLimiter.Wait(waitCtx); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnavailable, "stream: send rate limit wait")
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteJSON(v); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "stream: write")
	}
	return nil
}

// State returns the current connection state
func (c *WSClient) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState updates state and notifies onState; caller must hold c.mu
func (c *WSClient) setState(s ConnState) {
	c.state = s
	if c.onState != nil {
		go c.onState(s)
	}
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()
	for {
		c.mu.RLock()
		conn := c.conn
		ctx := c.ctx
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.log.Warn().Err(err).Msg("websocket read failed")
			c.handleDisconnect()
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *WSClient) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		c.mu.RLock()
		ctx := c.ctx
		c.mu.RUnlock()
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.log.Warn().Err(err).Msg("websocket ping failed")
				c.handleDisconnect()
				return
			}
		}
	}
}

// handleDisconnect marks the client disconnected and, if configured,
// schedules a reconnect attempt with linear backoff
func (c *WSClient) handleDisconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setState(StateDisconnected)
	auto := c.opts.AutoReconnect
	c.mu.Unlock()

	if !auto {
		return
	}
	c.scheduleReconnect()
}

func (c *WSClient) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.attempt++
	attempt := c.attempt
	if c.opts.MaxReconnectAttempts > 0 && attempt > c.opts.MaxReconnectAttempts {
		c.log.Error().Int("attempts", attempt).Msg("max reconnect attempts reached, giving up")
		c.mu.Unlock()
		return
	}
	c.setState(StateReconnecting)
	c.mu.Unlock()

	delay := time.Duration(attempt) * c.opts.ReconnectInterval
	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling websocket reconnect")

	time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("websocket reconnect attempt failed")
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			c.scheduleReconnect()
		}
	})
}

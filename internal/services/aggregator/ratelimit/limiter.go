// Package ratelimit provides per-host token-bucket rate limiting with a
// concurrency cap and a retry policy for upstream market data calls
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/platform/logger"
)

// Job is the unit of work submitted through a Limiter
type Job func(ctx context.Context) error

// Options configures one limiter key
type Options struct {
	// RPS is the steady-state rate; zero or negative disables throttling
	RPS float64
	// MaxConcurrent bounds in-flight jobs; zero means 1
	MaxConcurrent int
	// MaxRetries bounds retryable-failure requeues; zero means no retries
	MaxRetries int
}

// Limiter gates jobs for one key (hostname + '-' + rps) behind a token
// bucket reservoir and a concurrency semaphore, and applies the retry
// policy from spec section 4.1 on failure
type Limiter struct {
	key     string
	opts    Options
	bucket  *rate.Limiter // nil when disabled
	sem     chan struct{}
	log     logger.Logger
	mu      sync.Mutex
	stopped bool
}

// New constructs a Limiter for key with the given options
func New(key string, opts Options) *Limiter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	l := &Limiter{
		key:  key,
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrent),
		log:  logger.Named("ratelimit").With().Str("key", key).Logger(),
	}
	if opts.RPS > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(opts.RPS), max(1, int(opts.RPS)))
	}
	return l
}

// Submit blocks until a token and a concurrency slot are available, then
// runs job; on a retryable failure it requeues immediately (delay 0) up
// to MaxRetries since the reservoir already spaces upstream calls
func (l *Limiter) Submit(ctx context.Context, job Job) error {
	attempt := 0
	for {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return perr.Unavailablef("ratelimit: limiter %s is shut down", l.key)
		}

		if err := l.acquire(ctx); err != nil {
			return err
		}

		err := job(ctx)
		l.release()

		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= l.opts.MaxRetries {
			return err
		}
		l.log.Warn().Err(err).Int("attempt", attempt).Msg("retryable failure, requeueing")
		attempt++
	}
}

// acquire waits for a reservoir token (if enabled) and a concurrency slot
func (l *Limiter) acquire(ctx context.Context) error {
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnavailable, "ratelimit: wait for token")
		}
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) release() { <-l.sem }

// Stop stops admitting new jobs: later Submit calls return Unavailable.
// Jobs already running are neither waited for nor canceled; Stop returns
// immediately.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

// Retryable classifies an error per spec section 4.1: network-level
// failures and HTTP 408/429/5xx are retryable; other 4xx, malformed
// JSON, and PriceNotFound are not
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if code := perr.CodeOf(err); code != perr.ErrorCodeUnknown {
		switch code {
		case perr.ErrorCodeTooManyRequests, perr.ErrorCodeUnavailable, perr.ErrorCodeRequestTimeout:
			return true
		case perr.ErrorCodeBadGateway, perr.ErrorCodeNotFound, perr.ErrorCodeUnauthorized,
			perr.ErrorCodeForbidden, perr.ErrorCodeInvalidArgument, perr.ErrorCodeJSON,
			perr.ErrorCodeDisabled:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"econn", "socket hang up", "connection reset", "timeout", "no such host", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RetryableStatus reports whether an upstream HTTP status code should be
// retried by the limiter's caller (used by httpx before wrapping a
// status into an *errors.Error)
func RetryableStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

// KeyFor builds the limiter key for a (hostname, rps) pair
func KeyFor(host string, rps float64) string {
	return host + "-" + strconv.FormatFloat(rps, 'g', -1, 64)
}

// Registry holds one Limiter per key, created lazily
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry constructs an empty limiter registry
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the limiter for host+rps, creating it on first use
func (r *Registry) Get(host string, rps float64, opts Options) *Limiter {
	key := KeyFor(host, rps)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	opts.RPS = rps
	l := New(key, opts)
	r.limiters[key] = l
	return l
}

// StopAll shuts down every limiter in the registry
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.limiters {
		l.Stop()
	}
}

// Package httpx provides a rate-limited HTTP client for market data
// adapters: base URL + default query merging, proxy support, URL-safe
// logging, and submission through the per-host rate limiter
package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/ratelimit"
)

// secretParams are query keys redacted before a URL is logged
var secretParams = map[string]bool{
	"api_key": true, "apikey": true, "token": true, "access_token": true,
	"key": true, "secret": true, "signature": true, "sig": true,
}

// Options configures a Client
type Options struct {
	BaseURL       string
	DefaultParams map[string]string
	Headers       map[string]string
	Timeout       time.Duration
	ProxyURL      string // empty disables proxying
	Limiter       *ratelimit.Limiter
}

// Response is the client's response contract; the adapter owns JSON parsing
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client issues HTTP requests through a shared rate limiter
type Client struct {
	http    *http.Client
	opts    Options
	log     logger.Logger
}

// New builds a Client from Options, applying a proxy transport when ProxyURL is set
func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: opts.Timeout}
	if opts.ProxyURL != "" {
		pu, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "httpx: invalid proxy url")
		}
		hc.Transport = &http.Transport{Proxy: http.ProxyURL(pu)}
	}
	return &Client{
		http: hc,
		opts: opts,
		log:  logger.Named("httpx"),
	}, nil
}

// Get issues a GET request to path with params merged over DefaultParams
// (caller params win) and submits the call through the limiter
func (c *Client) Get(ctx context.Context, path string, params map[string]string) (Response, error) {
	full, err := c.buildURL(path, params)
	if err != nil {
		return Response{}, err
	}

	c.log.Debug().Str("url", redact(full)).Msg("httpx get")

	var out Response
	job := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnknown, "httpx: new request")
		}
		for k, v := range c.opts.Headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnavailable, "httpx: do %s", redact(full))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeUnavailable, "httpx: read body")
		}

		out = Response{Status: resp.StatusCode, Headers: resp.Header, Body: body}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return statusError(resp.StatusCode, body)
	}

	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Submit(ctx, job); err != nil {
			return Response{}, err
		}
		return out, nil
	}
	if err := job(ctx); err != nil {
		return Response{}, err
	}
	return out, nil
}

// buildURL joins BaseURL and path, merging DefaultParams under params
func (c *Client) buildURL(path string, params map[string]string) (string, error) {
	base := c.opts.BaseURL
	var full string
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "httpx: invalid base url")
		}
		ref, err := url.Parse(path)
		if err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "httpx: invalid path")
		}
		full = u.ResolveReference(ref).String()
	} else {
		full = path
	}

	u, err := url.Parse(full)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "httpx: invalid url")
	}
	q := u.Query()
	for k, v := range c.opts.DefaultParams {
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// statusError maps a non-2xx status to a structured error per spec section 7
func statusError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return perr.Unauthorizedf("httpx: upstream status %d: %s", status, snippet)
	case status == http.StatusNotFound:
		return perr.NotFoundf("httpx: upstream status %d: %s", status, snippet)
	case status == http.StatusTooManyRequests:
		return perr.TooManyRequestsf("httpx: upstream status %d: %s", status, snippet)
	case ratelimit.RetryableStatus(status):
		return perr.Unavailablef("httpx: upstream status %d: %s", status, snippet)
	default:
		return perr.Newf(perr.ErrorCodeBadGateway, "httpx: upstream status %d: %s", status, snippet)
	}
}

// redact replaces sensitive query values with REDACTED before logging
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	changed := false
	for k := range q {
		if secretParams[strings.ToLower(k)] {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// DecodeJSON is a small helper adapters use to unmarshal a Response body
func DecodeJSON(r Response, v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "httpx: decode json")
	}
	return nil
}

// Package venue provides a thin, permissive HTTP client for the upstream
// prediction-market API: rate limiting, bounded retry, and best-effort
// extraction of a polymorphic JSON envelope.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the upstream reports error code 10200
// ("topic not found") for a detail or multi-outcome lookup.
var ErrNotFound = errors.New("venue: topic not found")

const notFoundCode = 10200

// Client is a rate-limited, retrying HTTP client over the upstream venue's
// JSON API.
type Client struct {
	listURL          string
	detailURL        string
	multiURL         string
	orderbookURL     string
	privateMarketURL string
	serverTimeURL    string

	httpClient   *http.Client
	limiter      *rate.Limiter
	retryBackoff time.Duration
}

// Config carries the subset of venue settings the client needs, kept
// separate from the config package to avoid an import cycle.
type Config struct {
	ListURL            string
	DetailURL          string
	MultiURL           string
	OrderbookURL       string
	PrivateMarketURL   string
	ServerTimeURL      string
	Timeout            time.Duration
	RetryBackoff       time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	return &Client{
		listURL:          cfg.ListURL,
		detailURL:        cfg.DetailURL,
		multiURL:         cfg.MultiURL,
		orderbookURL:     cfg.OrderbookURL,
		privateMarketURL: cfg.PrivateMarketURL,
		serverTimeURL:    cfg.ServerTimeURL,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		limiter:          rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		retryBackoff:     cfg.RetryBackoff,
	}
}

// Get issues a rate-limited GET against urlStr, retrying at most once after
// retryBackoff on a request timeout or a 5xx response, decodes the JSON
// body, and returns the payload found by walking result -> data -> <self>.
// A non-zero errno/code is surfaced as an error; code 10200 as ErrNotFound.
func (c *Client) Get(ctx context.Context, urlStr string) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	body, err := c.doWithRetry(ctx, urlStr)
	if err != nil {
		return nil, err
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	if code, ok := errnoOf(envelope); ok && code != 0 {
		if code == notFoundCode {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("venue reported error code %d", code)
	}

	payload := unwrapPayload(envelope)
	return payload, nil
}

func (c *Client) doWithRetry(ctx context.Context, urlStr string) ([]byte, error) {
	body, err := c.doRequest(ctx, urlStr)
	if err == nil {
		return body, nil
	}
	if !isRetryable(err) {
		return nil, err
	}
	select {
	case <-time.After(c.retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.doRequest(ctx, urlStr)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &retryableError{fmt.Errorf("request timed out: %w", err)}
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &retryableError{fmt.Errorf("server error: %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("client error: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// errnoOf finds an application-level status code under either "errno" or
// "code", returning (0, false) when neither key is present.
func errnoOf(envelope map[string]any) (int, bool) {
	for _, key := range []string{"errno", "code"} {
		if v, ok := envelope[key]; ok {
			if n, ok := coerceInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// unwrapPayload walks result -> data -> <self>, descending into each wrapper
// key that is present, and returns the innermost map reached, or the
// envelope itself if neither wrapper key is present.
func unwrapPayload(envelope map[string]any) map[string]any {
	cur := envelope
	for _, key := range []string{"result", "data"} {
		if inner, ok := cur[key].(map[string]any); ok {
			cur = inner
		}
	}
	return cur
}

func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// getNumeric reads a numeric field under any of keys from m, tolerating
// both JSON numbers and numeric strings.
func getNumeric(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// pickFirst returns the first present, non-nil value under any of keys.
func pickFirst(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// coerceMillis normalizes a timestamp that may be reported in seconds or
// milliseconds: any value less than 10^12 is treated as seconds.
func coerceMillis(v float64) int64 {
	if v < 1e12 {
		return int64(v * 1000)
	}
	return int64(v)
}

func withQuery(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

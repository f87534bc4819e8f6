// Package rest is a small HTTP client for the public REST endpoints a
// streaming client needs alongside the socket: platform status and candle
// history for seeding managed candle series.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"bfxstream/internal/circuitbreaker"
	"bfxstream/internal/ratelimit"
	"bfxstream/pkg/core"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("rest client is closed")

// Client issues rate limited, circuit-broken requests against the REST API.
type Client struct {
	client  *resty.Client
	breaker *circuitbreaker.Breaker
	limiter *ratelimit.Limiter
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Config configures a Client.
type Config struct {
	BaseURL      string            `validate:"required,url"`
	Timeout      time.Duration     `validate:"min=1ms"`
	MaxRetries   int               `validate:"min=0"`
	RetryWaitMin time.Duration     `validate:"min=0"`
	RetryWaitMax time.Duration     `validate:"min=0"`
	Headers      map[string]string `validate:"omitempty"`
	// RequestsPerMinute bounds each endpoint separately.
	RequestsPerMinute int `validate:"min=1"`
	Breaker           circuitbreaker.Config
}

// ConfigFrom derives a client config from the streaming configuration.
func ConfigFrom(c *core.Config) *Config {
	return &Config{
		BaseURL:           c.RESTURL,
		Timeout:           c.RESTTimeout,
		MaxRetries:        2,
		RetryWaitMin:      200 * time.Millisecond,
		RetryWaitMax:      2 * time.Second,
		RequestsPerMinute: 30,
		Breaker:           circuitbreaker.DefaultConfig(),
	}
}

// APIError is a non-2xx reply. The exchange encodes errors as
// ["error", code, message].
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rest: status %d: code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rest: status %d: %s", e.Status, e.Message)
}

// RequestOption customizes one request.
type RequestOption func(*resty.Request)

// NewClient validates config and builds a client.
func NewClient(config *Config) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(config.BaseURL)
	client.SetTimeout(config.Timeout)
	client.SetRetryCount(config.MaxRetries)
	client.SetRetryWaitTime(config.RetryWaitMin)
	client.SetRetryMaxWaitTime(config.RetryWaitMax)
	client.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	client.AddContentTypeDecoder("application/json", func(r io.Reader, v any) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return sonic.Unmarshal(data, v)
	})

	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	c := &Client{
		client:  client,
		breaker: circuitbreaker.New(config.Breaker),
		limiter: ratelimit.PerMinute(config.RequestsPerMinute),
		logger:  zerolog.Nop(),
	}

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		c.logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})
	client.AddResponseMiddleware(func(_ *resty.Client, resp *resty.Response) error {
		c.logger.Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("status", resp.StatusCode()).
			Msg("http response")
		return nil
	})

	return c, nil
}

// SetLogger configures the logger for the client.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Close releases the underlying transport. Later requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// get waits for the endpoint's rate bucket, then runs the request through
// the breaker. Transport failures and 5xx replies count as breaker failures.
func (c *Client) get(ctx context.Context, bucket, path string, opts ...RequestOption) (*resty.Response, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	if err := c.limiter.WaitBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", bucket, circuitbreaker.ErrOpen)
	}

	var errBody []any
	req := c.client.R().SetContext(ctx).SetError(&errBody)
	for _, opt := range opts {
		opt(req)
	}
	resp, err := req.Get(path)
	if err != nil {
		c.breaker.Record(false)
		return nil, fmt.Errorf("%s: %w", bucket, err)
	}
	c.breaker.Record(resp.StatusCode() < http.StatusInternalServerError)

	if resp.IsError() {
		apiErr := apiError(resp.StatusCode(), errBody)
		c.logger.Warn().Str("endpoint", bucket).Int("status", apiErr.Status).Int("code", apiErr.Code).Msg(apiErr.Message)
		return nil, apiErr
	}
	return resp, nil
}

func apiError(status int, body []any) *APIError {
	e := &APIError{Status: status, Message: http.StatusText(status)}
	if len(body) >= 3 && body[0] == "error" {
		if code, ok := body[1].(float64); ok {
			e.Code = int(code)
		}
		if msg, ok := body[2].(string); ok {
			e.Message = msg
		}
	}
	return e
}

// WithQueryParam sets one query parameter.
func WithQueryParam(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetQueryParam(key, value)
	}
}

// WithPathParam fills one {name} placeholder in the request path.
func WithPathParam(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetPathParam(key, value)
	}
}

// WithResult decodes a successful reply into res.
func WithResult(res any) RequestOption {
	return func(r *resty.Request) {
		r.SetResult(res)
	}
}

// Package httpclient runs outbound OpenStack API calls through a retry policy and a
// circuit breaker.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == code
	}
	return false
}

// Config tunes a Client.
type Config struct {
	Name           string
	Timeout        time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CircuitBreaker bool
}

func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		CircuitBreaker: true,
	}
}

func (c Config) normalize() Config {
	if c.Name == "" {
		c.Name = "http"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Retryable reports whether a failed attempt may be repeated: transport errors,
// 5xx and 429.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError ||
			statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

type Client struct {
	name     string
	http     *http.Client
	executor failsafe.Executor[*http.Response]
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Client {
	cfg = cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		name: cfg.Name,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.Named("httpclient").With(zap.String("client", cfg.Name)),
	}
	c.executor = c.newExecutor(cfg)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

//nolint:bodyclose // *http.Response is a type parameter here
func (c *Client) newExecutor(cfg Config) failsafe.Executor[*http.Response] {
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool {
			return Retryable(err)
		}).
		Build()

	if !cfg.CircuitBreaker {
		return failsafe.With(retry)
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(_ *http.Response, err error) bool {
			return Retryable(err)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			c.log.Warn("httpclient.circuit_breaker.state_changed",
				zap.String("from", stateName(event.OldState)),
				zap.String("to", stateName(event.NewState)),
			)
		}).
		Build()

	return failsafe.With(retry, breaker)
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// Do executes the request built by build. The builder runs once per attempt so
// request bodies are never reused. Non-2xx responses are returned as *StatusError.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_ = resp.Body.Close()
			return nil, &StatusError{
				Method:     req.Method,
				URL:        req.URL.String(),
				StatusCode: resp.StatusCode,
				Body:       string(bytes.TrimSpace(body)),
			}
		}
		return resp, nil
	})
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

// JSON sends in (when non-nil) as a JSON body and decodes a 2xx response into out
// (when non-nil). The response headers are returned for callers that read tokens.
func (c *Client) JSON(ctx context.Context, method, url string, header http.Header, in, out any) (http.Header, error) {
	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		for key, values := range header {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

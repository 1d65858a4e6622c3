// Package transport is the JSON-over-HTTP client shared by the gateway adapters.
// Every call goes through a per-provider circuit breaker; nothing is retried.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type Request struct {
	Operation string
	Method    string
	Path      string
	Body      any
	Header    http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Option func(*Client)

// WithBasicAuth sets HTTP basic credentials on every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithFailureThreshold trips the breaker after n consecutive server failures.
func WithFailureThreshold(n uint32) Option {
	return func(c *Client) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.openTimeout = d
		}
	}
}

type Client struct {
	provider paymentdomain.ProviderType
	baseURL  string
	http     *http.Client
	log      *zap.Logger
	breaker  *gobreaker.CircuitBreaker[*Response]

	username         string
	password         string
	failureThreshold uint32
	openTimeout      time.Duration
}

// errServer marks a response the breaker counts as a failure.
var errServer = errors.New("server_error")

func New(provider paymentdomain.ProviderType, baseURL string, httpClient *http.Client, log *zap.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		provider:         provider,
		baseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:             httpClient,
		log:              log,
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        string(provider),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("gateway circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *Client) Provider() paymentdomain.ProviderType {
	return c.provider
}

// Do sends req and decodes a 2xx JSON body into out. Any other status returns
// the response alongside a *GatewayError.
func (c *Client) Do(ctx context.Context, req Request, out any) (*Response, error) {
	resp, err := c.breaker.Execute(func() (*Response, error) {
		resp, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServer
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s %s: %w", c.provider, req.Operation, paymentdomain.ErrGatewayUnavailable)
	}
	if err != nil && !errors.Is(err, errServer) {
		return nil, fmt.Errorf("%s %s: %w", c.provider, req.Operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("gateway request failed",
			zap.String("provider", string(c.provider)),
			zap.String("operation", req.Operation),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(resp.Body, 2048)),
		)
		return resp, &paymentdomain.GatewayError{
			Provider:   c.provider,
			Operation:  req.Operation,
			StatusCode: resp.StatusCode,
			Body:       string(truncate(resp.Body, 2048)),
		}
	}

	if out != nil && len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("%s %s: decode response: %w", c.provider, req.Operation, err)
		}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: raw}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Package api is the thin REST layer the gateway engine needs: a generic
// request(descriptor) call that unwraps the platform's {code, message, data}
// envelope and reports rate-limit headers. Endpoint wrappers are generated
// elsewhere and build on Do.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kookgo/kookgo/pkg/auth"
	"github.com/kookgo/kookgo/pkg/logger"
)

const (
	DefaultBaseURL = "https://www.kookapp.cn/api/v3"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
)

// Endpoint describes one REST call.
type Endpoint struct {
	Method string
	Path   string
}

// GatewayIndex is the endpoint that hands out the WebSocket URL.
var GatewayIndex = Endpoint{Method: http.MethodGet, Path: "/gateway/index"}

// Response carries the envelope metadata of a completed call.
type Response struct {
	Status    int
	Code      int
	Message   string
	RateLimit RateLimitInfo
}

// StatusError is returned for non-2xx statuses and for envelopes whose
// code is not zero.
type StatusError struct {
	Endpoint  Endpoint
	Status    int
	Code      int
	Message   string
	RateLimit RateLimitInfo
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d, code %d: %s",
		e.Endpoint.Method, e.Endpoint.Path, e.Status, e.Code, e.Message)
}

// Unauthorized reports whether the server refused the credentials.
func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsUnauthorized unwraps err looking for a credential rejection.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Unauthorized()
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client performs authenticated calls against the REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its transport is wrapped
// with the ticket's Authorization header.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit paces outgoing requests client-side. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewClient(baseURL string, ticket auth.Ticket, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.httpClient
	hc.Transport = ticket.Transport(c.httpClient.Transport)
	c.httpClient = &hc
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do issues the call and decodes the envelope's data into out (which may
// be nil). The Response is returned whenever the server answered, even
// alongside a *StatusError.
func (c *Client) Do(ctx context.Context, ep Endpoint, query url.Values, body any, out any) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("api: rate limit wait: %w", err)
		}
	}

	target := c.baseURL + ep.Path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", ep.Method, ep.Path, err)
	}
	defer resp.Body.Close()

	result := &Response{
		Status:    resp.StatusCode,
		RateLimit: ParseRateLimit(resp.Header),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return result, fmt.Errorf("api: read body: %w", err)
	}

	if result.RateLimit.Remaining == 0 && result.RateLimit.Limit > 0 {
		logger.DebugCF("api", "Rate limit bucket exhausted", map[string]any{
			"bucket":   result.RateLimit.Bucket,
			"reset_ms": result.RateLimit.ResetMillis,
			"global":   result.RateLimit.Global,
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Endpoint: ep, Status: resp.StatusCode, RateLimit: result.RateLimit}
		var env envelope
		if json.Unmarshal(raw, &env) == nil {
			se.Code, se.Message = env.Code, env.Message
		} else {
			se.Message = http.StatusText(resp.StatusCode)
		}
		return result, se
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return result, fmt.Errorf("api: decode envelope: %w", err)
	}
	result.Code, result.Message = env.Code, env.Message

	if env.Code != 0 {
		return result, &StatusError{
			Endpoint:  ep,
			Status:    resp.StatusCode,
			Code:      env.Code,
			Message:   env.Message,
			RateLimit: result.RateLimit,
		}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return result, fmt.Errorf("api: decode data: %w", err)
		}
	}
	return result, nil
}

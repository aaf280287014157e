package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nfrund/wsexport/internal/breaker"
)

// BreakerName is the registry name of the breaker guarding every call
// to the workspace service.
const BreakerName = "workspace-api"

const defaultPageSize = 100

// ClientConfig configures a workspace client.
type ClientConfig struct {
	BaseURL string
	Token   string

	// RequestsPerSecond caps the outbound rate. Zero means 3 rps,
	// matching the service's published limit.
	RequestsPerSecond float64

	Timeout time.Duration
	Retry   RetryConfig

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client talks to the workspace service. Every request waits on the
// rate limiter, runs inside the circuit breaker, and is retried on
// transient failure.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	breaker *breaker.Breaker
	retry   RetryConfig
}

// NewClient builds a client whose breaker lives in the given
// registry, so breaker state is visible alongside the rest of the
// control plane's breakers.
func NewClient(cfg ClientConfig, breakers *breaker.Registry) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = DefaultRetryConfig()
	}

	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: breakers.GetOrCreate(BreakerName, breaker.DefaultConfig()),
		retry:   retryCfg,
	}
}

// Breaker returns the breaker guarding this client.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// GetPage fetches one page by id.
func (c *Client) GetPage(ctx context.Context, pageID string) (Page, error) {
	var page Page
	err := c.get(ctx, "/v1/pages/"+url.PathEscape(pageID), nil, &page)
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// ListBlocks fetches one page of a page's block children. An empty
// cursor starts from the beginning.
func (c *Client) ListBlocks(ctx context.Context, pageID, cursor string) (BlockPage, error) {
	params := url.Values{"page_size": {strconv.Itoa(defaultPageSize)}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var blocks BlockPage
	err := c.get(ctx, "/v1/blocks/"+url.PathEscape(pageID)+"/children", params, &blocks)
	if err != nil {
		return BlockPage{}, err
	}
	return blocks, nil
}

// Search fetches one page of pages matching the query. An empty query
// lists everything the token can read.
func (c *Client) Search(ctx context.Context, query, cursor string) (SearchPage, error) {
	body := map[string]any{"query": query, "page_size": defaultPageSize}
	if cursor != "" {
		body["cursor"] = cursor
	}

	var results SearchPage
	err := c.do(ctx, http.MethodPost, "/v1/search", body, &results)
	if err != nil {
		return SearchPage{}, err
	}
	return results, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do runs one request: limiter, then retry loop, each attempt inside
// the breaker.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("workspace: encode request body: %w", err)
		}
	}

	return withRetry(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.roundTrip(ctx, method, path, encoded, out)
		})
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("workspace: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("workspace: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("workspace: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
		apiErr.Status = resp.StatusCode
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
			return &retryAfterError{apiErr: apiErr, delay: delay}
		}
	}
	return apiErr
}

// parseRetryAfter handles the delay-seconds form; the HTTP-date form
// is not sent by the workspace service.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Package provider is the HTTP client for the invoicing platform's REST API.
// It never retries; callers own their retry policy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/invoicehook/internal/obs"
)

const (
	defaultBaseURL = "https://api-v2.fattureincloud.it"
	maxBodyBytes   = 4 << 20
)

// Options configures a Client. Zero values get defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Limiter paces outgoing requests. Nil means unlimited.
	Limiter   *rate.Limiter
	UserAgent string
	Logger    *slog.Logger
	Metrics   *obs.Metrics
	Now       func() time.Time
}

// Client calls the provider API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     *slog.Logger
	metrics    *obs.Metrics
	now        func() time.Time
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    opts.Limiter,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger.With("component", "provider"),
		metrics:    opts.Metrics,
		now:        now,
	}, nil
}

// NewLimiter builds the request pacer from a per-second rate. rps <= 0
// disables pacing.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// CreateSubscription registers a new subscription.
func (c *Client) CreateSubscription(ctx context.Context, auth Auth, req CreateSubscriptionRequest) (*Subscription, error) {
	var out Subscription
	path := "/c/" + url.PathEscape(auth.CompanyID) + "/subscriptions"
	if err := c.do(ctx, "create_subscription", http.MethodPost, path, auth, envelopeOf(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewSubscription touches the subscription, which extends its lifetime
// upstream. The body carries no config so the mapping chosen at creation
// is kept. Idempotent per subscription id.
func (c *Client) RenewSubscription(ctx context.Context, auth Auth, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is empty")
	}
	body := envelopeOf(map[string]any{})
	var out Subscription
	path := "/c/" + url.PathEscape(auth.CompanyID) + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, "renew_subscription", http.MethodPut, path, auth, body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = subscriptionID
	}
	return &out, nil
}

// GetSubscription fetches one subscription.
func (c *Client) GetSubscription(ctx context.Context, auth Auth, subscriptionID string) (*Subscription, error) {
	var out Subscription
	path := "/c/" + url.PathEscape(auth.CompanyID) + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, "get_subscription", http.MethodGet, path, auth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubscriptions returns every subscription of the company.
func (c *Client) ListSubscriptions(ctx context.Context, auth Auth) ([]Subscription, error) {
	var out []Subscription
	path := "/c/" + url.PathEscape(auth.CompanyID) + "/subscriptions"
	if err := c.do(ctx, "list_subscriptions", http.MethodGet, path, auth, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetResource fetches the current state of one resource as raw JSON.
func (c *Client) GetResource(ctx context.Context, auth Auth, resourceType, id string) (json.RawMessage, error) {
	base, _, err := resourcePath(resourceType)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("resource id is empty")
	}
	var out json.RawMessage
	path := "/c/" + url.PathEscape(auth.CompanyID) + base + "/" + url.PathEscape(id)
	if err := c.do(ctx, "get_resource", http.MethodGet, path, auth, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListResources returns one page of a resource collection. Pages start at 1.
func (c *Client) ListResources(ctx context.Context, auth Auth, resourceType string, page, perPage int) (*Page, error) {
	base, docType, err := resourcePath(resourceType)
	if err != nil {
		return nil, err
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 50
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if docType != "" {
		q.Set("type", docType)
	}
	path := "/c/" + url.PathEscape(auth.CompanyID) + base + "?" + q.Encode()

	raw, err := c.send(ctx, "list_resources", http.MethodGet, path, auth, nil)
	if err != nil {
		return nil, err
	}
	var env listEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode list_resources: %w", err)
	}
	if env.CurrentPage == 0 {
		env.CurrentPage = page
	}
	return &Page{
		Items:       env.Data,
		CurrentPage: env.CurrentPage,
		LastPage:    env.LastPage,
		PerPage:     env.PerPage,
		Total:       env.Total,
	}, nil
}

// resourcePath maps a resource type to its collection path and, for issued
// documents, the type filter.
func resourcePath(resourceType string) (string, string, error) {
	switch resourceType {
	case ResourceClient:
		return "/entities/clients", "", nil
	case ResourceSupplier:
		return "/entities/suppliers", "", nil
	case ResourceQuote:
		return "/issued_documents", "quote", nil
	case ResourceInvoice:
		return "/issued_documents", "invoice", nil
	default:
		return "", "", fmt.Errorf("unknown resource type %q", resourceType)
	}
}

func envelopeOf(v any) map[string]any {
	return map[string]any{"data": v}
}

// do sends a request and decodes the response's "data" field into out.
func (c *Client) do(ctx context.Context, op, method, path string, auth Auth, body any, out any) error {
	raw, err := c.send(ctx, op, method, path, auth, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, auth Auth, body any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("provider client is nil")
	}
	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("%s: %w: access token is empty", op, ErrUnauthorized)
	}
	if auth.CompanyID == "" {
		return nil, fmt.Errorf("%s: company id is empty", op)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.UpstreamCall(op, 0)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.metrics.UpstreamCall(op, resp.StatusCode)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	c.logger.Debug("provider call", "op", op, "method", method, "status", resp.StatusCode,
		"duration_ms", c.now().Sub(start).Milliseconds())

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", op, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now())})
	default:
		return nil, fmt.Errorf("%s: %w", op, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)})
	}
}

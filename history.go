package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// HistoryClient
// ============================================================================

const defaultHistoryTimeout = 30 * time.Second

// HistoryClient talks to the remote store for context creation/lookup and
// paginated history retrieval. Plain request/response; the realtime stream
// never flows through here.
type HistoryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HistoryOption configures a HistoryClient.
type HistoryOption func(*HistoryClient)

// WithHistoryHTTPClient swaps the underlying HTTP client.
func WithHistoryHTTPClient(hc *http.Client) HistoryOption {
	return func(c *HistoryClient) { c.httpClient = hc }
}

// WithHistoryTimeout sets the per-request timeout.
func WithHistoryTimeout(d time.Duration) HistoryOption {
	return func(c *HistoryClient) { c.httpClient.Timeout = d }
}

// NewHistoryClient creates a client for the remote store. token may be empty
// for unauthenticated backends.
func NewHistoryClient(baseURL, token string, opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultHistoryTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a token refresh.
func (c *HistoryClient) SetToken(token string) {
	c.token = token
}

func (c *HistoryClient) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, faultf(FaultTargetMissing, "%s %s: not found", method, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		// No automatic retry; the caller decides whether to resubmit.
		return nil, faultf(FaultThrottled, "%s %s: rate limited", method, path)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Operations
// ============================================================================

// HistoryPage is one page of a context's history.
type HistoryPage struct {
	ContextID string    `json:"contextId"`
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"hasMore"`
}

// FetchHistory retrieves one page of a context's authoritative history,
// oldest first within the page.
func (c *HistoryClient) FetchHistory(ctx context.Context, contextID string, limit, offset int) (*HistoryPage, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if offset > 0 {
		query["offset"] = strconv.Itoa(offset)
	}
	data, err := c.doRequest(ctx, "GET", "/api/contexts/"+url.PathEscape(contextID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HistoryPage](data)
}

// LookupContext resolves a room code or context ID to its context record.
// A stale reference comes back as a target_not_found fault.
func (c *HistoryClient) LookupContext(ctx context.Context, ref string) (*Context, error) {
	data, err := c.doRequest(ctx, "GET", "/api/contexts/"+url.PathEscape(ref), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Context](data)
}

// CreateContext creates a room or DM thread on the remote store.
func (c *HistoryClient) CreateContext(ctx context.Context, opts CreateContextPayload) (*Context, error) {
	data, err := c.doRequest(ctx, "POST", "/api/contexts", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Context](data)
}

// Participants retrieves a room's participant list from the remote store.
func (c *HistoryClient) Participants(ctx context.Context, contextID string) ([]Participant, error) {
	data, err := c.doRequest(ctx, "GET", "/api/contexts/"+url.PathEscape(contextID)+"/participants", nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[ParticipantsPayload](data)
	if err != nil {
		return nil, err
	}
	return page.Participants, nil
}

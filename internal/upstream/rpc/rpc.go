// Package rpc posts upstream requests to a JSON endpoint, typically a hosted
// edge function that fronts the completion provider.
package rpc

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

	"github.com/superpaes/exercise-gateway/internal/upstream"
)

var _ upstream.Transport = (*Client)(nil)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 4 << 20

// Config holds configuration for the RPC client.
type Config struct {
	URL            string
	APIKey         string // sent as a bearer token and apikey header when set
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client sends upstream.Request values over HTTP POST.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("rpc: url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{url: url, apiKey: cfg.APIKey, httpClient: client}, nil
}

// Do posts the request. Non-2xx answers are returned as a Response, not an error.
func (c *Client) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("rpc: read response: %w", err)
	}
	return &upstream.Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Package render bridges to an out-of-process headless browser service.
// Pages that hydrate price and stock client-side come back empty from a
// plain GET; the renderer executes their scripts and returns the settled
// DOM.
package render

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

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned when no renderer service is configured or
// rendering is disabled.
var ErrUnavailable = errors.New("renderer service not available")

// Result is a rendered page: the settled HTML plus the URL the browser
// ended up on after any client-side redirects.
type Result struct {
	HTML     string `json:"html"`
	FinalURL string `json:"final_url"`
	Status   int    `json:"status"`
}

// Fetcher renders a page in a real browser context.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string, timeout time.Duration) (*Result, error)
	Available() bool
}

// Client talks to the renderer microservice over HTTP.
type Client struct {
	baseURL string
	enabled bool
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a renderer client. An empty baseURL or enabled=false
// produces a client whose Fetch always fails with ErrUnavailable.
func NewClient(baseURL string, enabled bool, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		enabled: enabled && baseURL != "",
		client:  &http.Client{},
		log:     log.With().Str("component", "renderer").Logger(),
	}
}

// Available reports whether rendering is configured and enabled.
func (c *Client) Available() bool {
	return c.enabled
}

type renderRequest struct {
	URL       string `json:"url"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// Fetch asks the renderer to load the page and return the settled DOM.
func (c *Client) Fetch(ctx context.Context, pageURL string, timeout time.Duration) (*Result, error) {
	if !c.enabled {
		return nil, ErrUnavailable
	}

	payload, err := json.Marshal(renderRequest{
		URL:       pageURL,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	// The browser needs the full page budget plus a little slack for the
	// round trip itself.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renderer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("renderer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode render response: %w", err)
	}
	if result.HTML == "" {
		return nil, errors.New("renderer returned empty document")
	}

	c.log.Debug().Str("url", pageURL).Int("bytes", len(result.HTML)).Msg("Page rendered")
	return &result, nil
}

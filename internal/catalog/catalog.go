// Package catalog fetches publication candidates from the external catalog
// feed. The client is a thin I/O wrapper: it performs the HTTP call with an
// explicit timeout, decodes the feed, and reports the raw payload size so the
// shadow-ban breaker can judge the response shape. It does no scraping or
// field extraction of its own.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Item is one raw candidate from the feed, prior to validation.
type Item struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Vendor   string `json:"vendor"`
	OfferID  string `json:"offer_id"`
	MarketID string `json:"market_id"`
	Priority int    `json:"priority"`
}

// feed is the wire envelope of the catalog endpoint.
type feed struct {
	Items []Item `json:"items"`
}

// Client fetches candidates from a single catalog URL.
type Client struct {
	// URL is the feed endpoint fetched on every discovery cycle.
	URL string

	http *http.Client
}

// New constructs a Client with the given per-request timeout.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		URL:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// FetchCandidates retrieves the feed once. It returns the decoded items and
// the size in bytes of the raw response body; the caller feeds both to the
// shadow-ban breaker regardless of decode success.
func (c *Client) FetchCandidates(ctx context.Context) ([]Item, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, len(body), fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	var f feed
	if err := json.Unmarshal(body, &f); err != nil {
		// A 200 that does not decode is exactly the decoy shape the breaker
		// watches for, so the payload size still goes back to the caller.
		return nil, len(body), fmt.Errorf("catalog: decode feed: %w", err)
	}
	return f.Items, len(body), nil
}

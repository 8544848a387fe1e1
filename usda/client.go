package usda

import (
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

	"go.uber.org/atomic"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	DefaultBaseURL  = "https://api.nal.usda.gov/fdc/v1"
	DefaultPageSize = 25
	MaxPageSize     = 100

	throttleRetryDelay = time.Second
	barcodePageSize    = 10
)

// Client queries FoodData Central over HTTPS. It holds an ordered pool of
// API keys and a cyclic cursor; a throttled or rejected key rotates the
// cursor and the call is retried once. Lookups are idempotent so no backoff
// loop is needed here. Concurrent callers may race on the cursor — key
// selection is a load-spreading heuristic, not mutual exclusion.
type Client struct {
	baseURL         string
	keys            []string
	cursor          *atomic.Uint32
	httpClient      doer
	defaultPageSize int
	maxPageSize     int
	retryDelay      time.Duration
}

type ClientOpts struct {
	BaseURL         string
	DefaultPageSize int
	MaxPageSize     int
}

func NewClient(keys []string, httpClient doer, opts ClientOpts) (*Client, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("usda: at least one API key is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = DefaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = MaxPageSize
	}

	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		keys:            keys,
		cursor:          atomic.NewUint32(0),
		httpClient:      httpClient,
		defaultPageSize: opts.DefaultPageSize,
		maxPageSize:     opts.MaxPageSize,
		retryDelay:      throttleRetryDelay,
	}, nil
}

func (c *Client) key() string {
	return c.keys[int(c.cursor.Load())%len(c.keys)]
}

func (c *Client) rotate() {
	c.cursor.Inc()
}

// Search runs a free-text food search. pageSize is clamped to
// [1, MaxPageSize]; zero or negative means the configured default. Zero
// hits is a valid result, not an error.
func (c *Client) Search(ctx context.Context, query string, pageSize int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("usda: search query must not be empty")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("pageSize", strconv.Itoa(c.clampPageSize(pageSize)))
	params.Set("pageNumber", "1")
	params.Set("sortBy", "dataType.keyword")
	params.Set("sortOrder", "asc")

	body, status, err := c.get(ctx, "/foods/search", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("usda: search %q returned status %d: %s", query, status, string(body))
	}

	var wire searchResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("usda: decode search response: %w", err)
	}

	result := &SearchResult{
		Query:     query,
		TotalHits: wire.TotalHits,
		Foods:     make([]SearchFood, 0, len(wire.Foods)),
	}
	for _, f := range wire.Foods {
		result.Foods = append(result.Foods, f.toFood())
	}

	slog.Debug("USDA: search complete", "query", query, "total_hits", wire.TotalHits, "returned", len(result.Foods))
	return result, nil
}

// FoodDetails fetches the full record for one FDC ID. A missing record
// maps to ErrNoNutritionData.
func (c *Client) FoodDetails(ctx context.Context, fdcID int) (*FoodDetail, error) {
	if fdcID <= 0 {
		return nil, fmt.Errorf("usda: fdc id must be positive, got %d", fdcID)
	}

	body, status, err := c.get(ctx, "/food/"+strconv.Itoa(fdcID), url.Values{})
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("food %d: %w", fdcID, ErrNoNutritionData)
	case status != http.StatusOK:
		return nil, fmt.Errorf("usda: food %d returned status %d: %s", fdcID, status, string(body))
	}

	var wire detailResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("usda: decode food %d: %w", fdcID, err)
	}
	return wire.toDetail(), nil
}

// LookupBarcode finds the branded food whose gtinUpc exactly matches the
// given UPC string and returns its full record.
func (c *Client) LookupBarcode(ctx context.Context, upc string) (*FoodDetail, error) {
	upc = strings.TrimSpace(upc)
	if upc == "" || !allDigits(upc) {
		return nil, fmt.Errorf("usda: invalid UPC %q", upc)
	}

	res, err := c.Search(ctx, upc, barcodePageSize)
	if err != nil {
		return nil, err
	}
	for _, food := range res.Foods {
		if food.GTINUPC == upc {
			return c.FoodDetails(ctx, food.FDCID)
		}
	}
	return nil, fmt.Errorf("upc %s: %w", upc, ErrNoNutritionData)
}

// get issues one GET with the current key, rotating and retrying exactly
// once when the provider throttles (429) or rejects the key (403).
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	body, status, err := c.attempt(ctx, path, params)
	if err != nil {
		return nil, 0, err
	}

	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		c.rotate()
		slog.Warn("USDA: credential rejected, rotated to next key", "status", status, "path", path)

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(c.retryDelay):
		}

		body, status, err = c.attempt(ctx, path, params)
		if err != nil {
			return nil, 0, err
		}
	}

	return body, status, nil
}

func (c *Client) attempt(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("api_key", c.key())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("usda: request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func (c *Client) clampPageSize(pageSize int) int {
	if pageSize <= 0 {
		return c.defaultPageSize
	}
	if pageSize > c.maxPageSize {
		return c.maxPageSize
	}
	return pageSize
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

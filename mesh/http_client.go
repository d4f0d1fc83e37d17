package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxRetries   = 3

	defaultBaseBackoff = 500 * time.Millisecond
	maxGridBytes       = 50 << 20
)

// errPermanent marks fetch failures that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

// GridFetcher downloads agent grid snapshots from a map server. Server
// errors and transport failures are retried with exponential backoff;
// client errors and undecodable payloads are not.
type GridFetcher struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// FetchOption configures a GridFetcher.
type FetchOption func(*GridFetcher)

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) FetchOption {
	return func(f *GridFetcher) { f.client.Timeout = d }
}

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(f *GridFetcher) { f.maxRetries = n }
}

// WithBaseBackoff sets the delay before the second attempt; later delays double.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(f *GridFetcher) { f.baseBackoff = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(f *GridFetcher) { f.client = client }
}

// NewGridFetcher creates a fetcher with the given options applied.
func NewGridFetcher(opts ...FetchOption) *GridFetcher {
	f := &GridFetcher{
		client:      &http.Client{Timeout: DefaultFetchTimeout},
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxRetries < 1 {
		f.maxRetries = 1
	}
	return f
}

// Fetch downloads and decodes the grid at url for agentID.
func (f *GridFetcher) Fetch(ctx context.Context, url, agentID string) (*OccupancyGrid, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch grid for %s: map URL is empty", agentID)
	}

	var lastErr error
	backoff := f.baseBackoff
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			log.Printf("[FETCH] Retrying %s in %v (attempt %d/%d): %v", url, backoff, attempt, f.maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch grid for %s: %w", agentID, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		g, err := f.fetchOnce(ctx, url, agentID)
		if err == nil {
			return g, nil
		}
		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch grid for %s: %w", agentID, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch grid for %s: gave up after %d attempts: %w", agentID, f.maxRetries, lastErr)
}

func (f *GridFetcher) fetchOnce(ctx context.Context, url, agentID string) (*OccupancyGrid, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Accept", "application/json, image/png")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: GET %s: status %d", errPermanent, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGridBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(body) > maxGridBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errPermanent, url, maxGridBytes)
	}

	g, err := DecodeGridData(body, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPermanent, err)
	}
	return g, nil
}

// FetchGridFromAPI fetches one grid with a default fetcher.
func FetchGridFromAPI(apiURL, agentID string, opts ...FetchOption) (*OccupancyGrid, error) {
	return FetchGridFromAPIWithContext(context.Background(), apiURL, agentID, opts...)
}

// FetchGridFromAPIWithContext is FetchGridFromAPI bounded by ctx.
func FetchGridFromAPIWithContext(ctx context.Context, apiURL, agentID string, opts ...FetchOption) (*OccupancyGrid, error) {
	return NewGridFetcher(opts...).Fetch(ctx, apiURL, agentID)
}

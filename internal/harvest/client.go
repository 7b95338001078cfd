// Package harvest holds the adapters that talk to external publishers:
// ModernGov meeting services and council transparency pages.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"spend-enrichment-pipeline/internal/ratelimit"
)

// Record is a protocol-agnostic harvested artifact.
type Record struct {
	Title             string     `json:"title"`
	Date              *time.Time `json:"date,omitempty"`
	ExternalGroupID   string     `json:"externalGroupId"`
	SourceDocumentURL string     `json:"sourceDocumentUrl"`
}

// Client is implemented by every harvest protocol adapter. TestConnection is
// a cheap probe and must be called before FetchRecords.
type Client interface {
	Name() string
	TestConnection(ctx context.Context, baseURL string) bool
	FetchRecords(ctx context.Context, baseURL string, start, end time.Time) ([]Record, error)
}

// Limiter throttles outbound requests per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Fetcher performs bounded, timed, politely throttled GET requests.
type Fetcher struct {
	HTTP      *http.Client
	UserAgent string
	Limiter   Limiter
	MaxBytes  int64
}

// ErrTooLarge is returned when a response exceeds the fetcher's byte limit.
var ErrTooLarge = errors.New("response too large")

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// NewFetcher returns a fetcher with sensible defaults.
func NewFetcher(userAgent string, limiter Limiter, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Fetcher{
		HTTP:      &http.Client{},
		UserAgent: userAgent,
		Limiter:   limiter,
		MaxBytes:  maxBytes,
	}
}

// Get fetches url with the given timeout. The timeout is enforced through
// the request context so a stalled server is cancelled, not polled. Waiting
// for a host token does not count against it.
func (f *Fetcher) Get(ctx context.Context, url string, timeout time.Duration) ([]byte, string, error) {
	resp, cancel, err := f.do(ctx, http.MethodGet, url, timeout)
	if err != nil {
		return nil, "", err
	}
	defer cancel()
	defer resp.Body.Close()

	limit := f.MaxBytes
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("%s: %w (>%d bytes)", url, ErrTooLarge, limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Head issues a HEAD request and returns the response status. Statuses of
// 400 and above are returned as a *StatusError.
func (f *Fetcher) Head(ctx context.Context, url string, timeout time.Duration) (int, error) {
	resp, cancel, err := f.do(ctx, http.MethodHead, url, timeout)
	if err != nil {
		return 0, err
	}
	defer cancel()
	resp.Body.Close()
	return resp.StatusCode, nil
}

// do waits for the host token on ctx, then sends the request under its own
// timeout. The caller closes the body and then calls cancel.
func (f *Fetcher) do(ctx context.Context, method, url string, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx, ratelimit.HostKey(url)); err != nil {
			return nil, nil, fmt.Errorf("rate limit %s: %w", url, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		cancel()
		return nil, nil, &StatusError{URL: url, Status: resp.StatusCode}
	}
	return resp, cancel, nil
}

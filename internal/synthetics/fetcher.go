package synthetics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Fetcher performs one GET against the monitoring API and returns the raw
// response body. Any network or non-2xx failure is a *TransportError.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}

// TransportError describes a failed API call. It is always fatal to a poll
// cycle.
type TransportError struct {
	URL        string
	StatusCode int    // 0 when no response was received
	Body       string // leading bytes of the error response, if any
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Body != "" {
			return fmt.Sprintf("GET %s: http %d: %s", e.URL, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("GET %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 512

// HTTPFetcher is the production Fetcher. It authenticates every request with
// the organization access token.
type HTTPFetcher struct {
	client *http.Client
	token  string
}

// NewHTTPFetcher creates a fetcher with the given access token and request
// timeout.
func NewHTTPFetcher(token string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}

// Fetch implements Fetcher. params are merged into any query already present
// on rawURL.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: fmt.Errorf("parse url: %w", err)}
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &TransportError{URL: u.String(), Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SF-TOKEN", f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: u.String(), StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

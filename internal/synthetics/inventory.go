package synthetics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
)

// firstPage is the token of the first inventory page.
const firstPage = "1"

type testsPage struct {
	Tests        []testSummary `json:"tests"`
	NextPageLink pageToken     `json:"nextPageLink"`
}

type testSummary struct {
	ID          flexID   `json:"id"`
	Name        string   `json:"name"`
	LastRunAt   *string  `json:"lastRunAt"`
	LocationIDs []string `json:"locationIds"`
}

// flexID accepts a JSON number or a numeric string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("test id %s: %w", b, err)
	}
	*f = flexID(n)
	return nil
}

// pageToken accepts a JSON number, string or null. Null and "" mean no
// further page.
type pageToken string

func (p *pageToken) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = pageToken(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("page token %s: %w", b, err)
	}
	*p = pageToken(n.String())
	return nil
}

// Tests walks the inventory of active browser tests page by page. Every page
// is fetched exactly once; the walk stops at the first page that is empty or
// carries no next-page token. Tests without run history are skipped. A fetch
// failure, undecodable page or repeated token is yielded as the final error.
func (s *Session) Tests(ctx context.Context) iter.Seq2[TestDescriptor, error] {
	return func(yield func(TestDescriptor, error) bool) {
		seen := make(map[string]struct{})
		token := firstPage
		for {
			if _, dup := seen[token]; dup {
				yield(TestDescriptor{}, fmt.Errorf("%w: token %q issued twice", ErrPaginationLoop, token))
				return
			}
			seen[token] = struct{}{}

			page, err := s.inventoryPage(ctx, token)
			if err != nil {
				yield(TestDescriptor{}, err)
				return
			}
			if len(page.Tests) == 0 {
				return
			}

			for _, ts := range page.Tests {
				td, ok, err := s.descriptor(ts)
				if err != nil {
					yield(TestDescriptor{}, err)
					return
				}
				if !ok {
					continue
				}
				if !yield(td, nil) {
					return
				}
			}

			if page.NextPageLink == "" {
				return
			}
			token = string(page.NextPageLink)
		}
	}
}

// ListActiveTests drains Tests into a slice.
func (s *Session) ListActiveTests(ctx context.Context) ([]TestDescriptor, error) {
	var out []TestDescriptor
	for td, err := range s.Tests(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	return out, nil
}

func (s *Session) inventoryPage(ctx context.Context, token string) (*testsPage, error) {
	rawURL, params := s.inventoryRequest(token)
	body, err := s.fetch(ctx, EndpointInventory, rawURL, params)
	if err != nil {
		return nil, fmt.Errorf("fetch inventory page %s: %w", token, err)
	}
	var page testsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode inventory page %s: %w", token, err)
	}
	s.log.Debug("inventory page", "token", token, "tests", len(page.Tests), "next", string(page.NextPageLink))
	return &page, nil
}

// inventoryRequest builds the request for a page token. Tokens that look like
// links are followed as given; anything else is sent as the page parameter.
func (s *Session) inventoryRequest(token string) (string, url.Values) {
	if strings.Contains(token, "/") {
		return s.resolve(token), nil
	}
	return s.client.cfg.APIRoot + "/v2/synthetics/tests", url.Values{
		"active":   {"true"},
		"testType": {s.client.cfg.TestType},
		"page":     {token},
	}
}

func (s *Session) descriptor(ts testSummary) (TestDescriptor, bool, error) {
	if ts.LastRunAt == nil || *ts.LastRunAt == "" {
		s.log.Warn("skipping test without run history", "test_id", int64(ts.ID), "test_name", ts.Name)
		return TestDescriptor{}, false, nil
	}
	last, err := har.ParseTimestamp(*ts.LastRunAt)
	if err != nil {
		return TestDescriptor{}, false, fmt.Errorf("test %d lastRunAt: %w", int64(ts.ID), err)
	}
	return TestDescriptor{
		ID:                 int64(ts.ID),
		Name:               ts.Name,
		LastRunEpochMillis: last.UnixMilli(),
		Locations:          ts.LocationIDs,
	}, true, nil
}

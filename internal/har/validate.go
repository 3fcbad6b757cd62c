package har

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedDocument is returned when an archive document lacks structure
// the transformer depends on.
var ErrMalformedDocument = errors.New("malformed archive document")

// ValidationError lists every structural problem found in a document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedDocument, strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match with errors.Is(err, ErrMalformedDocument).
func (e *ValidationError) Unwrap() error { return ErrMalformedDocument }

// Validate checks the document before transformation:
// - log, log.pages and log.entries are present
// - every entry has request, response and response.content
// - every entry timestamp parses
func Validate(doc *Document) error {
	if doc == nil || doc.Log == nil {
		return &ValidationError{Problems: []string{"missing log"}}
	}

	var problems []string
	if doc.Log.Pages == nil {
		problems = append(problems, "missing log.pages")
	}
	if doc.Log.Entries == nil {
		problems = append(problems, "missing log.entries")
	}

	for i, e := range doc.Log.Entries {
		if e.Request == nil {
			problems = append(problems, fmt.Sprintf("missing log.entries[%d].request", i))
		}
		if e.Response == nil {
			problems = append(problems, fmt.Sprintf("missing log.entries[%d].response", i))
		} else if content, err := e.Response.Object("content"); err != nil {
			problems = append(problems, fmt.Sprintf("log.entries[%d].response: %v", i, err))
		} else if content == nil {
			problems = append(problems, fmt.Sprintf("missing log.entries[%d].response.content", i))
		}
		if _, err := ParseTimestamp(e.StartedDateTime); err != nil {
			problems = append(problems, fmt.Sprintf("log.entries[%d].startedDateTime: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// timestampLayout is the UTC form producers emit. Fractional seconds are
// matched by time.Parse after the seconds field; ParseTimestamp requires them.
const timestampLayout = "2006-01-02T15:04:05Z"

// ParseTimestamp parses an ISO-8601 UTC timestamp with fractional seconds and
// a literal Z, e.g. 2024-01-01T00:00:00.000Z. Other offsets and timestamps
// without a fraction are rejected.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if len(s) < len("2006-01-02T15:04:05.0Z") || s[len("2006-01-02T15:04:05")] != '.' {
		return time.Time{}, fmt.Errorf("parse timestamp %q: missing fractional seconds", s)
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

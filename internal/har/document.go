// Package har models the HTTP Archive documents produced by synthetic browser
// test runs and flattens them into self-contained event records.
package har

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is the top-level archive envelope.
type Document struct {
	Log *Log `json:"log"`
}

// Log holds the three collections the transformer reads. Pages and Entries
// are required; GroupData is optional and may be empty.
type Log struct {
	Version   string  `json:"version,omitempty"`
	Pages     []Page  `json:"pages"`
	Entries   []Entry `json:"entries"`
	GroupData []Group `json:"_groupData,omitempty"`
}

// Page is one navigated page of the run.
type Page struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	StartedDateTime string          `json:"startedDateTime,omitempty"`
	WebVitals       json.RawMessage `json:"_webVitals,omitempty"`
}

// Group is a business-transaction boundary marker.
type Group struct {
	Position Position `json:"position"`
	Name     string   `json:"name"`
}

// Entry is one captured request/response exchange.
type Entry struct {
	PageRef         string          `json:"pageref"`
	BTRef           *Position       `json:"_btref,omitempty"`
	StartedDateTime string          `json:"startedDateTime"`
	Time            float64         `json:"time"`
	Request         Fields          `json:"request"`
	Response        Fields          `json:"response"`
	ServerIPAddress string          `json:"serverIPAddress,omitempty"`
	Timings         json.RawMessage `json:"timings"`
}

// Fields is a JSON object kept verbatim, so members this package does not
// model (including producer extensions such as "_priority") survive a
// decode/encode round trip. Request and response are held this way.
type Fields map[string]json.RawMessage

// Has reports whether key is present and not null.
func (f Fields) Has(key string) bool {
	v, ok := f[key]
	return ok && !isNull(v)
}

// String returns the string member key, or "" when absent or not a string.
func (f Fields) String(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return s
}

// Number returns the numeric member key, or 0 when absent or not a number.
func (f Fields) Number(key string) float64 {
	var n float64
	if err := json.Unmarshal(f[key], &n); err != nil {
		return 0
	}
	return n
}

// Object decodes the member key as a nested object. A missing or null member
// yields nil with no error.
func (f Fields) Object(key string) (Fields, error) {
	v, ok := f[key]
	if !ok || isNull(v) {
		return nil, nil
	}
	var obj Fields
	if err := json.Unmarshal(v, &obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return obj, nil
}

// With returns a copy of f with key set to v. f is not modified.
func (f Fields) With(key string, v json.RawMessage) Fields {
	out := make(Fields, len(f)+1)
	for k, val := range f {
		out[k] = val
	}
	out[key] = v
	return out
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// Position identifies a business-transaction group. Producers emit it as
// either a JSON number or a string; both decode to the same key.
type Position string

// UnmarshalJSON accepts a number or a string.
func (p *Position) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("decode position %s: %w", b, err)
		}
		*p = Position(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode position %s: %w", b, err)
	}
	*p = Position(n.String())
	return nil
}

// Parse decodes a raw archive document. It does not validate structure; see
// Validate.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedDocument, err)
	}
	return &doc, nil
}

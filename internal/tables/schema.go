// Package tables defines the columnar layout of harvested records and
// encodes runs as parquet tables.
package tables

import (
	"time"
)

// PageRow represents a single row in the har_pages table.
type PageRow struct {
	// Run identity
	TestID   int64  `parquet:"test_id"`
	TestName string `parquet:"test_name"`
	Location string `parquet:"location"`
	RunTime  int64  `parquet:"run_time"` // epoch ms

	// Page fields
	PageRef   string `parquet:"page_ref"`
	PageURL   string `parquet:"page_url"`
	WebVitals string `parquet:"web_vitals,optional"` // raw JSON

	// Ingestion metadata
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (PageRow) TableName() string {
	return "har_pages"
}

// RequestRow represents a single row in the har_requests table.
// Nested request and response parts are flattened; header lists and timings
// are kept as raw JSON.
type RequestRow struct {
	// Run identity
	TestID   int64  `parquet:"test_id"`
	TestName string `parquet:"test_name"`
	Location string `parquet:"location"`
	OrgID    string `parquet:"org_id"`
	Realm    string `parquet:"realm"`
	RunTime  int64  `parquet:"run_time"` // epoch ms
	DeepLink string `parquet:"deep_link"`

	// Cross references
	Seq                 int32  `parquet:"seq"`
	PageRef             string `parquet:"page_ref"`
	PageURL             string `parquet:"page_url"`
	BusinessTransaction string `parquet:"business_transaction"`

	// Request
	Method             string `parquet:"method"`
	URL                string `parquet:"url"`
	RequestHeadersJSON string `parquet:"request_headers,optional"`

	// Response
	Status              int32  `parquet:"status"`
	StatusText          string `parquet:"status_text"`
	MimeType            string `parquet:"mime_type"`
	ContentSize         int64  `parquet:"content_size"`
	ResponseBodySize    int64  `parquet:"response_body_size"`
	ResponseHeadersJSON string `parquet:"response_headers,optional"`

	// Timing
	ServerIP    string  `parquet:"server_ip"`
	StartedAt   int64   `parquet:"started_at"` // epoch s
	TimeMillis  float64 `parquet:"time_ms"`
	TimingsJSON string  `parquet:"timings,optional"`

	// Ingestion metadata
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (RequestRow) TableName() string {
	return "har_requests"
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "zstd",
	}
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"

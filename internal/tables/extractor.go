package tables

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
)

// Extractor converts flattened records into table rows.
type Extractor struct {
	now func() time.Time
}

// NewExtractor creates a new row extractor.
func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// ExtractPage builds a PageRow for a page summary of run.
func (e *Extractor) ExtractPage(run har.RunMeta, p har.PageSummary) PageRow {
	return PageRow{
		TestID:     run.TestID,
		TestName:   run.TestName,
		Location:   run.Location,
		RunTime:    p.StartedDateTime,
		PageRef:    p.PageRef,
		PageURL:    p.PageURL,
		WebVitals:  rawString(p.WebVitals),
		IngestedAt: e.now().UTC(),
	}
}

// ExtractRequest builds a RequestRow for the seq-th record of a run.
func (e *Extractor) ExtractRequest(seq int, r har.RequestRecord) (RequestRow, error) {
	content, err := r.Response.Object("content")
	if err != nil {
		return RequestRow{}, fmt.Errorf("decode response content: %w", err)
	}

	row := RequestRow{
		TestID:   r.TransactionDetails.ID,
		TestName: r.TransactionDetails.Name,
		Location: r.TransactionDetails.Location,
		OrgID:    r.TransactionDetails.OrgID,
		Realm:    r.TransactionDetails.Realm,
		RunTime:  r.TransactionDetails.RunTime,
		DeepLink: r.TransactionDetails.DeepLink,

		Seq:                 int32(seq),
		PageRef:             r.PageRef,
		PageURL:             r.PageURL,
		BusinessTransaction: r.BusinessTransaction,

		Method:             r.Request.String("method"),
		URL:                r.Request.String("url"),
		RequestHeadersJSON: headersString(r.Request),

		Status:              int32(r.Response.Number("status")),
		StatusText:          r.Response.String("statusText"),
		ResponseBodySize:    int64(r.Response.Number("bodySize")),
		ResponseHeadersJSON: headersString(r.Response),

		ServerIP:    r.ServerIPAddress,
		StartedAt:   r.StartedDateTime,
		TimeMillis:  r.Time,
		TimingsJSON: rawString(r.Timings),

		IngestedAt: e.now().UTC(),
	}
	if content != nil {
		row.MimeType = content.String("mimeType")
		row.ContentSize = int64(content.Number("size"))
	}
	return row, nil
}

func rawString(m json.RawMessage) string {
	if len(m) == 0 || string(m) == "null" {
		return ""
	}
	return string(m)
}

// headersString returns the raw headers array, or "" when it is empty.
func headersString(f har.Fields) string {
	s := rawString(f["headers"])
	if s == "[]" {
		return ""
	}
	return s
}

package har

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// RedactedPlaceholder replaces every captured request body.
const RedactedPlaceholder = "REMOVED"

var redactedPostData = json.RawMessage(`"` + RedactedPlaceholder + `"`)

// Kind distinguishes the two record variants.
type Kind string

const (
	KindPage    Kind = "page"
	KindRequest Kind = "request"
)

// Record is one flattened event. Implementations are PageSummary and
// RequestRecord; both marshal to self-describing JSON objects.
type Record interface {
	Kind() Kind
}

// PageSummary describes one page of a run.
// StartedDateTime is the run time in epoch milliseconds.
type PageSummary struct {
	PageRef         string          `json:"page_ref"`
	PageURL         string          `json:"page_url"`
	StartedDateTime int64           `json:"startedDateTime"`
	WebVitals       json.RawMessage `json:"web_vitals"`
}

// Kind implements Record.
func (PageSummary) Kind() Kind { return KindPage }

// RequestRecord describes one captured request with its resolved page and
// business transaction. StartedDateTime is the entry start in epoch seconds,
// truncated.
type RequestRecord struct {
	BusinessTransaction string             `json:"business_transaction"`
	PageURL             string             `json:"page_url"`
	PageRef             string             `json:"pageref"`
	Request             Fields             `json:"request"`
	Response            Fields             `json:"response"`
	ServerIPAddress     string             `json:"serverIPAddress"`
	StartedDateTime     int64              `json:"startedDateTime"`
	Time                float64            `json:"time"`
	Timings             json.RawMessage    `json:"timings"`
	TransactionDetails  TransactionDetails `json:"transaction_details"`
}

// Kind implements Record.
func (RequestRecord) Kind() Kind { return KindRequest }

// TransactionDetails is the run-scoped metadata block attached to every
// request record. RunTime is epoch milliseconds.
type TransactionDetails struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	OrgID    string `json:"org_id"`
	Realm    string `json:"realm"`
	RunTime  int64  `json:"run_time"`
	DeepLink string `json:"deep_link"`
}

// RunMeta identifies the run a document belongs to.
type RunMeta struct {
	TestID   int64
	TestName string
	Location string
	OrgID    string
	Realm    string
	RunTime  int64 // epoch ms

	// PlatformRoot is the UI root deep links hang off,
	// e.g. https://app.us1.signalfx.com/#.
	PlatformRoot string
}

// DeepLink returns the UI link for the run.
func (m RunMeta) DeepLink() string {
	link := fmt.Sprintf("%s/synthetics/run/browser/%d/%s/%d",
		strings.TrimRight(m.PlatformRoot, "/"), m.TestID, m.Location, m.RunTime)
	if m.OrgID != "" {
		link += "?orgID=" + url.QueryEscape(m.OrgID)
	}
	return link
}

func (m RunMeta) details() TransactionDetails {
	return TransactionDetails{
		ID:       m.TestID,
		Name:     m.TestName,
		Location: m.Location,
		OrgID:    m.OrgID,
		Realm:    m.Realm,
		RunTime:  m.RunTime,
		DeepLink: m.DeepLink(),
	}
}

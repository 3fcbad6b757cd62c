package har

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const homepageDoc = `{
  "log": {
    "pages": [{"id": "p1", "title": "https://site"}],
    "entries": [{
      "pageref": "p1",
      "startedDateTime": "2024-01-01T00:00:00.000Z",
      "request": {
        "url": "https://site/res",
        "method": "GET",
        "postData": {"mimeType": "application/json", "text": "{\"password\":\"hunter2\"}"}
      },
      "response": {
        "status": 200,
        "statusText": "OK",
        "content": {"mimeType": "text/html", "size": 10},
        "headers": [],
        "cookies": []
      },
      "time": 50,
      "timings": {}
    }]
  }
}`

func homepageRun() RunMeta {
	return RunMeta{
		TestID:       42,
		TestName:     "Homepage",
		Location:     "eu-west",
		Realm:        "us1",
		RunTime:      1700000000000,
		PlatformRoot: "https://app.us1.signalfx.com/#",
	}
}

func mustParse(t *testing.T, raw string) *Document {
	t.Helper()
	doc, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return doc
}

// jsonEqual compares two JSON values structurally.
func jsonEqual(t *testing.T, got any, want string) {
	t.Helper()
	gotBytes, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var g, w any
	if err := json.Unmarshal(gotBytes, &g); err != nil {
		t.Fatalf("unmarshal got: %v", err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("unmarshal want: %v", err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Errorf("json mismatch\n got: %s\nwant: %s", gotBytes, want)
	}
}

func TestTransformHomepage(t *testing.T) {
	records, err := Transform(mustParse(t, homepageDoc), homepageRun())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	jsonEqual(t, records[0], `{
		"page_ref": "p1",
		"page_url": "https://site",
		"startedDateTime": 1700000000000,
		"web_vitals": null
	}`)

	jsonEqual(t, records[1], `{
		"business_transaction": "",
		"page_url": "https://site",
		"pageref": "p1",
		"request": {"url": "https://site/res", "method": "GET", "postData": "REMOVED"},
		"response": {
			"status": 200,
			"statusText": "OK",
			"content": {"mimeType": "text/html", "size": 10},
			"headers": [],
			"cookies": []
		},
		"serverIPAddress": "",
		"startedDateTime": 1704067200,
		"time": 50,
		"timings": {},
		"transaction_details": {
			"id": 42,
			"name": "Homepage",
			"location": "eu-west",
			"org_id": "",
			"realm": "us1",
			"run_time": 1700000000000,
			"deep_link": "https://app.us1.signalfx.com/#/synthetics/run/browser/42/eu-west/1700000000000"
		}
	}`)
}

func TestTransformOrdersPagesBeforeEntries(t *testing.T) {
	doc := mustParse(t, `{"log": {
		"pages": [{"id": "a", "title": "A"}, {"id": "b", "title": "B"}],
		"entries": [
			{"pageref": "b", "startedDateTime": "2024-01-01T00:00:01.000Z", "request": {"url": "u1"}, "response": {"content": {}}},
			{"pageref": "a", "startedDateTime": "2024-01-01T00:00:02.000Z", "request": {"url": "u2"}, "response": {"content": {}}},
			{"pageref": "b", "startedDateTime": "2024-01-01T00:00:03.000Z", "request": {"url": "u3"}, "response": {"content": {}}}
		]
	}}`)

	records, err := Transform(doc, homepageRun())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	var kinds []Kind
	var urls []string
	for _, r := range records {
		kinds = append(kinds, r.Kind())
		switch rec := r.(type) {
		case PageSummary:
			urls = append(urls, rec.PageURL)
		case RequestRecord:
			urls = append(urls, rec.Request.String("url")+"@"+rec.PageURL)
		}
	}

	wantKinds := []Kind{KindPage, KindPage, KindRequest, KindRequest, KindRequest}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Errorf("kinds = %v, want %v", kinds, wantKinds)
	}
	wantURLs := []string{"A", "B", "u1@B", "u2@A", "u3@B"}
	if !reflect.DeepEqual(urls, wantURLs) {
		t.Errorf("order = %v, want %v", urls, wantURLs)
	}

	if s := Summarize(records); s.Pages != 2 || s.Requests != 3 {
		t.Errorf("Summarize = %+v, want 2 pages, 3 requests", s)
	}
}

func TestTransformRedactsEveryRequestBody(t *testing.T) {
	big := strings.Repeat("x", 1<<20)
	payloads := []string{
		``,
		`"postData": null,`,
		`"postData": "plain text",`,
		`"postData": {"mimeType": "application/x-www-form-urlencoded", "params": [{"name": "card", "value": "4111"}]},`,
		`"postData": {"text": "` + big + `"},`,
		`"postData": [1, 2, 3],`,
	}

	for i, p := range payloads {
		doc := mustParse(t, `{"log": {"pages": [], "entries": [{
			"startedDateTime": "2024-01-01T00:00:00.000Z",
			"request": {`+p+` "url": "https://site", "method": "POST"},
			"response": {"content": {}}
		}]}}`)

		records, err := Transform(doc, homepageRun())
		if err != nil {
			t.Fatalf("payload %d: Transform failed: %v", i, err)
		}
		rec := records[0].(RequestRecord)
		if string(rec.Request["postData"]) != `"REMOVED"` {
			t.Errorf("payload %d: postData = %.40s, want \"REMOVED\"", i, rec.Request["postData"])
		}
	}
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	doc := mustParse(t, homepageDoc)
	before := string(doc.Log.Entries[0].Request["postData"])

	if _, err := Transform(doc, homepageRun()); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if after := string(doc.Log.Entries[0].Request["postData"]); after != before {
		t.Errorf("input postData changed to %s", after)
	}
}

func TestTransformIsDeterministic(t *testing.T) {
	raw := `{"log": {
		"pages": [{"id": "p1", "title": "https://site", "_webVitals": {"lcp": 1200, "cls": 0.01}}],
		"_groupData": [{"position": 1, "name": "Login"}, {"position": 2, "name": "Checkout"}],
		"entries": [
			{"pageref": "p1", "_btref": 2, "startedDateTime": "2024-01-01T00:00:00.250Z",
			 "request": {"url": "https://site/a", "method": "GET", "headers": [{"name": "Accept", "value": "*/*"}]},
			 "response": {"status": 302, "statusText": "Found", "redirectURL": "/b", "content": {"size": -1}, "headers": [], "cookies": []},
			 "serverIPAddress": "10.0.0.1", "time": 12.5, "timings": {"dns": 1, "wait": 10.5}}
		]
	}}`
	run := homepageRun()
	run.OrgID = "ORG1"

	render := func() []byte {
		records, err := Transform(mustParse(t, raw), run)
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				t.Fatalf("encode: %v", err)
			}
		}
		return buf.Bytes()
	}

	first, second := render(), render()
	if !bytes.Equal(first, second) {
		t.Errorf("outputs differ:\n%s\n%s", first, second)
	}
}

func TestTransformResolvesBusinessTransactions(t *testing.T) {
	doc := mustParse(t, `{"log": {
		"pages": [{"id": "p1", "title": "https://site"}],
		"_groupData": [{"position": 1, "name": "Login"}, {"position": "2", "name": "Checkout"}],
		"entries": [
			{"pageref": "p1", "_btref": 1, "startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}},
			{"pageref": "p1", "_btref": 2, "startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}},
			{"pageref": "p1", "_btref": "9", "startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}},
			{"pageref": "p1", "startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}}
		]
	}}`)

	records, err := Transform(doc, homepageRun())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	want := []string{"Login", "Checkout", "", ""}
	for i, w := range want {
		got := records[1+i].(RequestRecord).BusinessTransaction
		if got != w {
			t.Errorf("entry %d business_transaction = %q, want %q", i, got, w)
		}
	}
}

func TestTransformDanglingReferencesDefaultToEmpty(t *testing.T) {
	doc := mustParse(t, `{"log": {
		"pages": [{"id": "p1", "title": "https://site"}],
		"entries": [
			{"pageref": "missing", "_btref": 7, "startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}},
			{"startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}}
		]
	}}`)

	records, err := Transform(doc, homepageRun())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	for _, r := range records[1:] {
		rec := r.(RequestRecord)
		if rec.PageURL != "" {
			t.Errorf("page_url = %q, want empty", rec.PageURL)
		}
		if rec.BusinessTransaction != "" {
			t.Errorf("business_transaction = %q, want empty", rec.BusinessTransaction)
		}
	}
}

func TestTransformTruncatesEntryTimestamp(t *testing.T) {
	doc := mustParse(t, `{"log": {"pages": [], "entries": [
		{"startedDateTime": "2024-01-01T00:00:00.999Z", "request": {}, "response": {"content": {}}},
		{"startedDateTime": "2024-01-01T00:00:01.000Z", "request": {}, "response": {"content": {}}}
	]}}`)

	records, err := Transform(doc, homepageRun())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if got := records[0].(RequestRecord).StartedDateTime; got != 1704067200 {
		t.Errorf("startedDateTime = %d, want 1704067200", got)
	}
	if got := records[1].(RequestRecord).StartedDateTime; got != 1704067201 {
		t.Errorf("startedDateTime = %d, want 1704067201", got)
	}
}

func TestTransformRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no log", `{}`, "missing log"},
		{"no pages", `{"log": {"entries": []}}`, "missing log.pages"},
		{"no entries", `{"log": {"pages": []}}`, "missing log.entries"},
		{"no request", `{"log": {"pages": [], "entries": [{"startedDateTime": "2024-01-01T00:00:00.000Z", "response": {"content": {}}}]}}`, "log.entries[0].request"},
		{"no response", `{"log": {"pages": [], "entries": [{"startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}}]}}`, "log.entries[0].response"},
		{"no content", `{"log": {"pages": [], "entries": [{"startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {}}]}}`, "log.entries[0].response.content"},
		{"content not an object", `{"log": {"pages": [], "entries": [{"startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": "gzip"}}]}}`, "log.entries[0].response"},
		{"bad timestamp", `{"log": {"pages": [], "entries": [{"startedDateTime": "yesterday", "request": {}, "response": {"content": {}}}]}}`, "log.entries[0].startedDateTime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Transform(mustParse(t, tt.raw), homepageRun())
			if !errors.Is(err, ErrMalformedDocument) {
				t.Fatalf("err = %v, want ErrMalformedDocument", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestTransformEmptyGroupData(t *testing.T) {
	for _, groups := range []string{``, `"_groupData": null,`, `"_groupData": [],`} {
		doc := mustParse(t, `{"log": {`+groups+` "pages": [], "entries": [
			{"_btref": 1, "startedDateTime": "2024-01-01T00:00:00.000Z", "request": {}, "response": {"content": {}}}
		]}}`)
		records, err := Transform(doc, homepageRun())
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
		if bt := records[0].(RequestRecord).BusinessTransaction; bt != "" {
			t.Errorf("groups %q: business_transaction = %q, want empty", groups, bt)
		}
	}
}

func TestTransformPassesThroughUnknownFields(t *testing.T) {
	doc := mustParse(t, `{"log": {"pages": [], "entries": [{
		"startedDateTime": "2024-01-01T00:00:00.000Z",
		"request": {"method": "GET", "url": "https://site/res", "_priority": "High", "bodySize": 0.5,
			"postData": {"text": "secret"}},
		"response": {"status": 200, "_transferSize": 1234.5,
			"content": {"size": 10.5, "mimeType": "text/html", "_encodedSize": 7}}
	}]}}`)

	records, err := Transform(doc, homepageRun())
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	rec := records[0].(RequestRecord)

	jsonEqual(t, rec.Request, `{"method": "GET", "url": "https://site/res", "_priority": "High", "bodySize": 0.5, "postData": "REMOVED"}`)
	jsonEqual(t, rec.Response, `{"status": 200, "_transferSize": 1234.5,
		"content": {"size": 10.5, "mimeType": "text/html", "_encodedSize": 7}}`)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in     string
		want   int64 // epoch ms
		wantOK bool
	}{
		{"2024-01-01T00:00:00.000Z", 1704067200000, true},
		{"2024-01-01T00:00:00.5Z", 1704067200500, true},
		{"2024-01-01T00:00:00.123456Z", 1704067200123, true},
		{"2024-01-01T00:00:00Z", 0, false},
		{"2024-01-01T00:00:00.000+02:00", 0, false},
		{"2024-01-01T00:00:00.000", 0, false},
		{"2024-01-01 00:00:00.000Z", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if tt.wantOK != (err == nil) {
			t.Errorf("ParseTimestamp(%q) err = %v, want ok=%v", tt.in, err, tt.wantOK)
			continue
		}
		if tt.wantOK && got.UnixMilli() != tt.want {
			t.Errorf("ParseTimestamp(%q) = %d, want %d", tt.in, got.UnixMilli(), tt.want)
		}
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"log": [`))
	if !errors.Is(err, ErrMalformedDocument) {
		t.Errorf("err = %v, want ErrMalformedDocument", err)
	}
}

func TestDeepLink(t *testing.T) {
	run := homepageRun()
	want := "https://app.us1.signalfx.com/#/synthetics/run/browser/42/eu-west/1700000000000"
	if got := run.DeepLink(); got != want {
		t.Errorf("DeepLink() = %q, want %q", got, want)
	}

	run.OrgID = "ABC123"
	if got := run.DeepLink(); got != want+"?orgID=ABC123" {
		t.Errorf("DeepLink() = %q, want org id query", got)
	}
}

package harvester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/selection"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/sink"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/synthetics"
)

const (
	homepageInventory = `{"tests":[{"id":42,"name":"Homepage","lastRunAt":"2023-11-14T22:13:20.000Z","locationIds":["us-east","eu-west"]}]}`
	homepageRun       = int64(1700000000000)

	homepageDoc = `{"log":{
		"pages":[{"id":"p1","title":"https://site"}],
		"entries":[{
			"pageref":"p1",
			"startedDateTime":"2024-01-01T00:00:00.000Z",
			"request":{"url":"https://site/res","method":"GET","postData":{"text":"password=hunter2"}},
			"response":{"status":200,"statusText":"OK","content":{"mimeType":"text/html","size":10},"headers":[],"cookies":[]},
			"time":50,
			"timings":{}
		}]
	}}`
)

// fakeAPI serves the inventory, artifact and archive endpoints.
type fakeAPI struct {
	mu            sync.Mutex
	inventory     string
	artifacts     map[string]string // locationId -> body
	archive       string
	archiveStatus int
	requests      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		inventory: homepageInventory,
		artifacts: map[string]string{
			"us-east": `{"artifacts":[]}`,
			"eu-west": `{"artifacts":[{"type":"screenshot","url":"/s"},{"type":"har","url":"/x"}]}`,
		},
		archive: homepageDoc,
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.URL.Path)

	switch {
	case r.URL.Path == "/v2/synthetics/tests":
		fmt.Fprint(w, f.inventory)
	case strings.HasSuffix(r.URL.Path, "/artifacts"):
		body, ok := f.artifacts[r.URL.Query().Get("locationId")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	case r.URL.Path == "/x":
		if f.archiveStatus != 0 {
			http.Error(w, "archive unavailable", f.archiveStatus)
			return
		}
		fmt.Fprint(w, f.archive)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.requests {
		if p == path {
			n++
		}
	}
	return n
}

// fakeSink records events and can fail on Flush. onFlush runs before the
// flush returns.
type fakeSink struct {
	events   []sink.Event
	flushes  int
	flushErr error
	onFlush  func()
}

func (s *fakeSink) Emit(ctx context.Context, evt sink.Event) error {
	s.events = append(s.events, evt)
	return nil
}

func (s *fakeSink) Flush(ctx context.Context) error {
	s.flushes++
	if s.onFlush != nil {
		s.onFlush()
	}
	return s.flushErr
}

func (s *fakeSink) Close() error { return nil }

type fixture struct {
	api     *fakeAPI
	store   *checkpoint.MemoryStore
	sink    *fakeSink
	archive storage.ArchiveStore
	metrics *metrics.Metrics
	h       *Harvester
}

func newFixture(t *testing.T, selector *selection.Selector) *fixture {
	t.Helper()
	f := &fixture{
		api:     newFakeAPI(),
		store:   checkpoint.NewMemoryStore(),
		sink:    &fakeSink{},
		archive: storage.NewBlobArchive(memblob.OpenBucket(nil), "har/", "test"),
		metrics: metrics.New(prometheus.NewRegistry(), "test"),
	}
	srv := httptest.NewServer(f.api)
	t.Cleanup(srv.Close)

	client := synthetics.New(synthetics.Config{APIRoot: srv.URL}, synthetics.NewHTTPFetcher("token", 0))
	f.h = New(client, f.store, f.sink, Options{
		OrgID:        "",
		Realm:        "us1",
		PlatformRoot: "https://app.us1.signalfx.com/#",
		Selector:     selector,
		Archive:      f.archive,
		Metrics:      f.metrics,
	})
	return f
}

func (f *fixture) checkpointFor(t *testing.T, key string) (int64, bool) {
	t.Helper()
	cp, ok, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get checkpoint failed: %v", err)
	}
	return cp.Checkpoint, ok
}

func TestPollHarvestsNewRun(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.h.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if res.Tests != 1 || res.Harvested != 1 || res.Records != 2 || res.Pages != 1 || res.Requests != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.CycleID == "" {
		t.Error("cycle id not set")
	}
	if res.API.InventoryPages != 1 || res.API.ArtifactQueries != 2 || res.API.ArchiveFetches != 1 {
		t.Errorf("api stats = %+v", res.API)
	}

	if len(f.sink.events) != 2 {
		t.Fatalf("got %d events, want 2", len(f.sink.events))
	}
	page, ok := f.sink.events[0].Record.(har.PageSummary)
	if !ok || page.PageRef != "p1" || page.PageURL != "https://site" || page.StartedDateTime != homepageRun {
		t.Errorf("event 0 = %#v", f.sink.events[0].Record)
	}
	req, ok := f.sink.events[1].Record.(har.RequestRecord)
	if !ok {
		t.Fatalf("event 1 = %T", f.sink.events[1].Record)
	}
	if string(req.Request["postData"]) != `"REMOVED"` {
		t.Errorf("postData = %s", req.Request["postData"])
	}
	if req.StartedDateTime != 1704067200 || req.BusinessTransaction != "" || req.PageURL != "https://site" {
		t.Errorf("request record = %+v", req)
	}
	td := req.TransactionDetails
	if td.ID != 42 || td.Name != "Homepage" || td.Location != "eu-west" || td.RunTime != homepageRun {
		t.Errorf("transaction details = %+v", td)
	}
	for i, evt := range f.sink.events {
		if evt.Seq != i || evt.Run.Location != "eu-west" {
			t.Errorf("event %d: seq=%d run=%+v", i, evt.Seq, evt.Run)
		}
	}

	if v, ok := f.checkpointFor(t, "42_eu-west"); !ok || v != homepageRun {
		t.Errorf("checkpoint = %d (%v), want %d", v, ok, homepageRun)
	}
	if _, ok := f.checkpointFor(t, "42_us-east"); ok {
		t.Error("checkpoint written for location without archive")
	}

	if got := testutil.ToFloat64(f.metrics.Tests.WithLabelValues(metrics.OutcomeHarvested)); got != 1 {
		t.Errorf("harvested metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.RecordsEmitted.WithLabelValues("request")); got != 1 {
		t.Errorf("request records metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.APIRequests.WithLabelValues(synthetics.EndpointArtifacts)); got != 2 {
		t.Errorf("artifact requests metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(f.metrics.Cycles.WithLabelValues("success")); got != 1 {
		t.Errorf("success cycles = %v, want 1", got)
	}
}

func TestPollRetainsRawArchive(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.h.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	ref := storage.RunRef{TestID: 42, Location: "eu-west", RunTime: homepageRun}
	raw, err := f.archive.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("archive Get failed: %v", err)
	}
	if string(raw) != homepageDoc {
		t.Error("retained archive differs from fetched document")
	}
}

func TestPollWithoutArchive(t *testing.T) {
	f := newFixture(t, nil)
	h := New(f.h.client, f.store, f.sink, Options{Realm: "us1", Metrics: f.metrics})

	res, err := h.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Harvested != 1 || len(f.sink.events) != 2 {
		t.Errorf("harvested = %d, events = %d", res.Harvested, len(f.sink.events))
	}
	if cp, ok := f.checkpointFor(t, "42_eu-west"); !ok || cp != homepageRun {
		t.Errorf("checkpoint = %d (%v), want %d", cp, ok, homepageRun)
	}
}

func TestPollSkipsHarvestedRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.h.Poll(ctx); err != nil {
		t.Fatalf("first Poll failed: %v", err)
	}
	res, err := f.h.Poll(ctx)
	if err != nil {
		t.Fatalf("second Poll failed: %v", err)
	}

	if res.UpToDate != 1 || res.Harvested != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(f.sink.events) != 2 {
		t.Errorf("second poll emitted: %d events total", len(f.sink.events))
	}
	if n := f.api.count("/x"); n != 1 {
		t.Errorf("archive fetched %d times, want 1", n)
	}
}

func TestPollNewerRunAfterCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.store.Update(ctx, "42_eu-west", checkpoint.Checkpoint{Checkpoint: homepageRun - 60000}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	res, err := f.h.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Harvested != 1 {
		t.Errorf("harvested = %d, want 1", res.Harvested)
	}
	if v, _ := f.checkpointFor(t, "42_eu-west"); v != homepageRun {
		t.Errorf("checkpoint = %d, want %d", v, homepageRun)
	}
}

func TestPollNotFoundContinues(t *testing.T) {
	f := newFixture(t, nil)
	f.api.inventory = `{"tests":[
		{"id":7,"name":"Login","lastRunAt":"2023-11-14T22:13:20.000Z","locationIds":["us-east"]},
		{"id":42,"name":"Homepage","lastRunAt":"2023-11-14T22:13:20.000Z","locationIds":["us-east","eu-west"]}
	]}`

	res, err := f.h.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.NotFound != 1 || res.Harvested != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := f.checkpointFor(t, "7_us-east"); ok {
		t.Error("checkpoint written for test without archive")
	}
}

func TestPollNoActiveTests(t *testing.T) {
	f := newFixture(t, nil)
	f.api.inventory = `{"tests":[]}`

	_, err := f.h.Poll(context.Background())
	if !errors.Is(err, ErrNoActiveTests) {
		t.Fatalf("err = %v, want ErrNoActiveTests", err)
	}
	if got := testutil.ToFloat64(f.metrics.Cycles.WithLabelValues("no_active_tests")); got != 1 {
		t.Errorf("no_active_tests cycles = %v, want 1", got)
	}
}

func TestPollTransportErrorIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.api.archiveStatus = http.StatusBadGateway

	_, err := f.h.Poll(context.Background())
	var te *synthetics.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", te.StatusCode)
	}
	if _, ok := f.checkpointFor(t, "42_eu-west"); ok {
		t.Error("checkpoint advanced after transport failure")
	}
	if len(f.sink.events) != 0 {
		t.Error("records emitted after transport failure")
	}
}

func TestPollMalformedDocumentIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.api.archive = `{"log":{"pages":[],"entries":[{"pageref":"p1","startedDateTime":"2024-01-01T00:00:00.000Z","request":{"url":"u","method":"GET"}}]}}`

	_, err := f.h.Poll(context.Background())
	if !errors.Is(err, har.ErrMalformedDocument) {
		t.Fatalf("err = %v, want ErrMalformedDocument", err)
	}
	if len(f.sink.events) != 0 {
		t.Error("records emitted for malformed document")
	}
	if _, ok := f.checkpointFor(t, "42_eu-west"); ok {
		t.Error("checkpoint advanced for malformed document")
	}

	exists, err := f.archive.Exists(context.Background(), storage.RunRef{TestID: 42, Location: "eu-west", RunTime: homepageRun})
	if err != nil || !exists {
		t.Errorf("malformed document not retained: exists=%v err=%v", exists, err)
	}
}

func TestPollFlushesBeforeAdvance(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.onFlush = func() {
		if _, ok := f.checkpointFor(t, "42_eu-west"); ok {
			t.Error("checkpoint advanced before sink flush")
		}
	}

	if _, err := f.h.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if f.sink.flushes != 1 {
		t.Errorf("flushes = %d, want 1", f.sink.flushes)
	}
}

func TestPollSinkFailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("collector down")
	f.sink.flushErr = boom

	_, err := f.h.Poll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := f.checkpointFor(t, "42_eu-west"); ok {
		t.Error("checkpoint advanced after sink failure")
	}
}

func TestPollSelection(t *testing.T) {
	sel, err := selection.New([]string{"Checkout"}, nil)
	if err != nil {
		t.Fatalf("selection.New failed: %v", err)
	}
	f := newFixture(t, sel)

	res, err := f.h.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Filtered != 1 || res.Harvested != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.API.ArtifactQueries != 0 {
		t.Errorf("artifact queries = %d for unselected test", res.API.ArtifactQueries)
	}
}

func TestPollSelectionNarrowsLocations(t *testing.T) {
	sel, err := selection.New(nil, []selection.Rule{{TestID: 42, Locations: []string{"eu-west"}}})
	if err != nil {
		t.Fatalf("selection.New failed: %v", err)
	}
	f := newFixture(t, sel)

	res, err := f.h.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Harvested != 1 || res.API.ArtifactQueries != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestPollCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.h.Poll(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, ok := f.checkpointFor(t, "42_eu-west"); ok {
		t.Error("checkpoint advanced on cancelled cycle")
	}
}

func TestPollRecordsAreSerializable(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.h.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	for i, evt := range f.sink.events {
		if _, err := json.Marshal(evt.Record); err != nil {
			t.Errorf("record %d: %v", i, err)
		}
	}
}

// Package harvester runs poll cycles: discover active tests, locate each
// test's latest archive, gate it on the checkpoint, and deliver the
// flattened records to the sink.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/selection"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/sink"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/synthetics"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrNoActiveTests is returned when the inventory lists no active tests.
var ErrNoActiveTests = errors.New("no active tests")

// Options configures a Harvester. OrgID, Realm and PlatformRoot are stamped
// on every record.
type Options struct {
	OrgID        string
	Realm        string
	PlatformRoot string

	Selector *selection.Selector
	Archive  storage.ArchiveStore // nil disables retention
	Metrics  *metrics.Metrics     // nil falls back to metrics.Get()
}

// Harvester orchestrates poll cycles. It is not safe for concurrent Poll
// calls; cycles run one after another.
type Harvester struct {
	client  *synthetics.Client
	gate    *checkpoint.Gate
	sink    sink.Sink
	archive storage.ArchiveStore
	opts    Options
	metrics *metrics.Metrics
}

// New creates a harvester.
func New(client *synthetics.Client, store checkpoint.Store, out sink.Sink, opts Options) *Harvester {
	archive := opts.Archive
	if archive == nil {
		archive = storage.NoopArchive()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Get()
	}
	return &Harvester{
		client:  client,
		gate:    checkpoint.NewGate(store),
		sink:    out,
		archive: archive,
		opts:    opts,
		metrics: m,
	}
}

// Result summarizes one poll cycle.
type Result struct {
	CycleID   string
	Tests     int // active tests in the inventory
	Harvested int // runs emitted and checkpointed
	NotFound  int // no harvestable artifact at any location
	UpToDate  int // run already at or below the checkpoint
	Filtered  int // excluded by selection rules
	Records   int
	Pages     int
	Requests  int
	API       synthetics.Stats
	Duration  time.Duration
}

// Poll runs one cycle. Any transport, parse, sink or checkpoint error aborts
// the cycle; checkpoints already advanced for earlier tests stay advanced.
func (h *Harvester) Poll(ctx context.Context) (Result, error) {
	start := time.Now()
	cycleID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, cycleID)
	log := logging.WithComponent(logging.CycleLogger(cycleID), "harvester")
	session := h.client.NewSession(cycleID, log)

	res := Result{CycleID: cycleID}
	err := h.poll(ctx, session, log, &res)

	res.API = session.Stats()
	res.Duration = time.Since(start)
	h.record(res, err)

	if err != nil {
		log.Error("poll cycle failed", "error", err, "harvested", res.Harvested, "duration", res.Duration.String())
		return res, err
	}
	log.Info("poll cycle complete",
		"tests", res.Tests,
		"harvested", res.Harvested,
		"not_found", res.NotFound,
		"up_to_date", res.UpToDate,
		"filtered", res.Filtered,
		"records", res.Records,
		"api_requests", res.API.InventoryPages+res.API.ArtifactQueries+res.API.ArchiveFetches,
		"duration", res.Duration.String(),
	)
	return res, nil
}

func (h *Harvester) poll(ctx context.Context, session *synthetics.Session, log *slog.Logger, res *Result) error {
	// INVENTORY: every page is read before any test is touched.
	tests, err := session.ListActiveTests(ctx)
	if err != nil {
		return fmt.Errorf("list active tests: %w", err)
	}
	if len(tests) == 0 {
		return ErrNoActiveTests
	}
	res.Tests = len(tests)
	log.Debug("inventory loaded", "tests", len(tests))

	for _, test := range tests {
		if err := ctx.Err(); err != nil {
			return err
		}

		tlog := logging.WithTest(log, test.ID, test.Name)

		selected, outcome := h.opts.Selector.Match(test)
		switch outcome {
		case selection.NotSelected:
			tlog.Debug("test not selected")
			res.Filtered++
			h.incTests(metrics.OutcomeFiltered)
			continue
		case selection.NoLocation:
			tlog.Warn("test selected but none of its locations match", "locations", test.Locations)
			res.Filtered++
			h.incTests(metrics.OutcomeFiltered)
			continue
		}

		if err := h.harvestTest(ctx, session, tlog, selected, res); err != nil {
			return fmt.Errorf("test %d (%s): %w", test.ID, test.Name, err)
		}
	}
	return nil
}

// harvestTest is the per-test lifecycle. The order is fixed:
//  1. Locate the run's archive
//  2. Gate on the checkpoint
//  3. Fetch the document
//  4. Retain the raw bytes (optional)
//  5. Validate and transform
//  6. Emit every record, then flush the sink
//  7. Advance the checkpoint
func (h *Harvester) harvestTest(ctx context.Context, session *synthetics.Session, log *slog.Logger, test synthetics.TestDescriptor, res *Result) error {
	// Step 1: LOCATE
	ref, err := session.Locate(ctx, test)
	if errors.Is(err, synthetics.ErrNotFound) {
		log.Debug("no archive for last run", "run_time", test.LastRunEpochMillis, "locations", test.Locations)
		res.NotFound++
		h.incTests(metrics.OutcomeNotFound)
		return nil
	}
	if err != nil {
		return err
	}
	log = log.With("location", ref.LocationID, "run_time", ref.RunEpochMillis)

	// Step 2: GATE
	key := checkpoint.Key(test.ID, ref.LocationID)
	ok, err := h.gate.ShouldProcess(ctx, key, ref.RunEpochMillis)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("run already harvested", "checkpoint_key", key)
		res.UpToDate++
		h.incTests(metrics.OutcomeUpToDate)
		return nil
	}

	// Step 3: FETCH_DOC
	raw, err := session.FetchArchive(ctx, ref)
	if err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.ObserveArchiveBytes(len(raw))
	}

	run := har.RunMeta{
		TestID:       test.ID,
		TestName:     test.Name,
		Location:     ref.LocationID,
		OrgID:        h.opts.OrgID,
		Realm:        h.opts.Realm,
		RunTime:      ref.RunEpochMillis,
		PlatformRoot: h.opts.PlatformRoot,
	}

	// Step 4: retain the raw document before it is interpreted
	if err := h.retain(ctx, log, run, raw); err != nil {
		return err
	}

	// Step 5: TRANSFORM
	doc, err := har.Parse(raw)
	if err != nil {
		return err
	}
	records, err := har.Transform(doc, run)
	if err != nil {
		return err
	}

	// Step 6: EMIT
	for i, rec := range records {
		if err := h.sink.Emit(ctx, sink.Event{Run: run, Seq: i, Record: rec}); err != nil {
			return fmt.Errorf("emit record %d: %w", i, err)
		}
	}
	if err := h.sink.Flush(ctx); err != nil {
		return fmt.Errorf("flush sink: %w", err)
	}

	// Step 7: ADVANCE_CHECKPOINT (only after the sink accepted everything)
	if err := h.gate.Advance(ctx, key, ref.RunEpochMillis); err != nil {
		return err
	}

	sum := har.Summarize(records)
	res.Harvested++
	res.Records += len(records)
	res.Pages += sum.Pages
	res.Requests += sum.Requests
	if h.metrics != nil {
		h.metrics.IncTests(metrics.OutcomeHarvested)
		h.metrics.AddRecordsEmitted(string(har.KindPage), float64(sum.Pages))
		h.metrics.AddRecordsEmitted(string(har.KindRequest), float64(sum.Requests))
		h.metrics.IncCheckpointAdvances()
	}

	log.Info("run harvested", "pages", sum.Pages, "requests", sum.Requests, "bytes", len(raw))
	return nil
}

func (h *Harvester) retain(ctx context.Context, log *slog.Logger, run har.RunMeta, raw []byte) error {
	ref := storage.RunRef{TestID: run.TestID, Location: run.Location, RunTime: run.RunTime}
	exists, err := h.archive.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check archive: %w", err)
	}
	if exists {
		log.Debug("raw archive already retained")
		return nil
	}
	result, err := h.archive.Put(ctx, ref, run.TestName, raw)
	if err != nil {
		return fmt.Errorf("retain archive: %w", err)
	}
	if result != nil {
		log.Debug("raw archive retained", "key", result.ArchiveKey, "bytes", result.ByteSize)
	}
	return nil
}

func (h *Harvester) incTests(outcome string) {
	if h.metrics != nil {
		h.metrics.IncTests(outcome)
	}
}

func (h *Harvester) record(res Result, err error) {
	if h.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, ErrNoActiveTests):
		status = "no_active_tests"
	case err != nil:
		status = "failure"
	}
	h.metrics.ObserveCycle(status, res.Duration)
	h.metrics.AddAPIRequests(synthetics.EndpointInventory, res.API.InventoryPages)
	h.metrics.AddAPIRequests(synthetics.EndpointArtifacts, res.API.ArtifactQueries)
	h.metrics.AddAPIRequests(synthetics.EndpointArchive, res.API.ArchiveFetches)
}

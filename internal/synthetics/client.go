// Package synthetics talks to the synthetic-monitoring API: it pages through
// the browser-test inventory, locates run artifacts and downloads archive
// documents.
package synthetics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
)

var (
	// ErrNotFound is returned by Locate when no candidate location holds a
	// harvestable artifact for the run. It is not a failure.
	ErrNotFound = errors.New("no harvestable artifact found")

	// ErrPaginationLoop is returned when the inventory hands back a page
	// token it has already issued in the same walk.
	ErrPaginationLoop = errors.New("inventory pagination loop")
)

// TestDescriptor is one active browser test as listed by the inventory.
type TestDescriptor struct {
	ID                 int64
	Name               string
	LastRunEpochMillis int64
	Locations          []string // candidate run locations, in inventory order
}

// ArtifactReference points at one harvestable archive for one run.
type ArtifactReference struct {
	URL            string
	LocationID     string
	RunEpochMillis int64
}

// Config configures the API client.
type Config struct {
	APIRoot      string // e.g. https://api.us1.signalfx.com
	TestType     string // inventory testType filter, "browser"
	ArtifactType string // harvestable artifact type, "har"
}

// APIRootForRealm returns the API root for a realm such as "us1".
func APIRootForRealm(realm string) string {
	return fmt.Sprintf("https://api.%s.signalfx.com", realm)
}

// PlatformRootForRealm returns the UI root deep links are built from.
func PlatformRootForRealm(realm string) string {
	return fmt.Sprintf("https://app.%s.signalfx.com/#", realm)
}

// Client is a stateless handle on the API. Per-cycle state lives in Session.
type Client struct {
	cfg     Config
	fetcher Fetcher
}

// New creates a client. Empty TestType and ArtifactType default to "browser"
// and "har".
func New(cfg Config, fetcher Fetcher) *Client {
	if cfg.TestType == "" {
		cfg.TestType = "browser"
	}
	if cfg.ArtifactType == "" {
		cfg.ArtifactType = "har"
	}
	cfg.APIRoot = strings.TrimRight(cfg.APIRoot, "/")
	return &Client{cfg: cfg, fetcher: fetcher}
}

// NewSession starts a session scoped to one poll cycle.
func (c *Client) NewSession(cycleID string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		client:  c,
		cycleID: cycleID,
		log:     logging.WithComponent(log, "synthetics"),
	}
}

// Endpoint names used for request accounting.
const (
	EndpointInventory = "inventory"
	EndpointArtifacts = "artifacts"
	EndpointArchive   = "archive"
)

// Stats counts the API calls a session made.
type Stats struct {
	InventoryPages  int64
	ArtifactQueries int64
	ArchiveFetches  int64
}

// Session carries the state of one poll cycle: its correlation id, logger
// and request counters. Stats may be read from another goroutine; the
// remaining methods are meant for a single caller.
type Session struct {
	client  *Client
	cycleID string
	log     *slog.Logger

	inventoryPages  atomic.Int64
	artifactQueries atomic.Int64
	archiveFetches  atomic.Int64
}

// CycleID returns the correlation id of the session.
func (s *Session) CycleID() string { return s.cycleID }

// Stats returns a snapshot of the request counters.
func (s *Session) Stats() Stats {
	return Stats{
		InventoryPages:  s.inventoryPages.Load(),
		ArtifactQueries: s.artifactQueries.Load(),
		ArchiveFetches:  s.archiveFetches.Load(),
	}
}

func (s *Session) fetch(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	switch endpoint {
	case EndpointInventory:
		s.inventoryPages.Add(1)
	case EndpointArtifacts:
		s.artifactQueries.Add(1)
	case EndpointArchive:
		s.archiveFetches.Add(1)
	}
	s.log.Debug("api request", "endpoint", endpoint, "url", rawURL, "params", params.Encode())
	return s.client.fetcher.Fetch(ctx, rawURL, params)
}

// resolve turns an API-relative path into an absolute URL. Absolute URLs are
// returned unchanged.
func (s *Session) resolve(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return s.client.cfg.APIRoot + ref
}

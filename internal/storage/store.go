// Package storage holds bucket-backed persistence shared by the archive
// store, the checkpoint blob backend and the bucket sinks.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunRef identifies one harvested run of one test at one location.
type RunRef struct {
	TestID   int64
	Location string
	RunTime  int64 // epoch ms
}

// DirPath returns the directory path for this run.
func (r RunRef) DirPath(prefix string) string {
	return fmt.Sprintf("%stest=%d/location=%s/run=%d", prefix, r.TestID, r.Location, r.RunTime)
}

// Path returns the storage path for the compressed archive document.
func (r RunRef) Path(prefix string) string {
	return r.DirPath(prefix) + "/har.json.zst"
}

// ManifestPath returns the storage path for this run's manifest.
func (r RunRef) ManifestPath(prefix string) string {
	return r.DirPath(prefix) + "/_manifest.json"
}

// Manifest describes the contents of a run directory.
type Manifest struct {
	Run       RunInfo             `json:"run"`
	Files     map[string]FileInfo `json:"files"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// RunInfo echoes the run the directory belongs to.
type RunInfo struct {
	TestID   int64  `json:"test_id"`
	TestName string `json:"test_name,omitempty"`
	Location string `json:"location"`
	RunTime  int64  `json:"run_time"`
}

// FileInfo describes a single object in the run directory. Checksum and
// RawSize refer to the payload before compression.
type FileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count,omitempty"`
	RawSize  int64  `json:"raw_size,omitempty"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the run directory.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// PublishResult contains the result of an archive write.
type PublishResult struct {
	ArchiveKey  string
	ManifestKey string
	Checksum    string
	ByteSize    int64
}

// ArchiveStore retains raw archive documents.
type ArchiveStore interface {
	// Put compresses and writes raw, then writes the manifest. A run is
	// visible to Exists only once its manifest is written.
	Put(ctx context.Context, ref RunRef, testName string, raw []byte) (*PublishResult, error)

	// Get reads back and verifies a stored document.
	Get(ctx context.Context, ref RunRef) ([]byte, error)

	// Exists reports whether a run has been fully written.
	Exists(ctx context.Context, ref RunRef) (bool, error)

	// Close releases any resources.
	Close() error
}

// ArchiveConfig configures raw archive retention.
type ArchiveConfig struct {
	Enabled bool         `yaml:"enabled"`
	Bucket  BucketConfig `yaml:"bucket"`
	Prefix  string       `yaml:"prefix"`  // "har/"
	Version string       `yaml:"version"` // producer version recorded in manifests
}

// NewArchiveStore opens the archive store described by cfg. When retention
// is disabled it returns a store that accepts and discards writes.
func NewArchiveStore(ctx context.Context, cfg ArchiveConfig) (ArchiveStore, error) {
	if !cfg.Enabled {
		return NoopArchive(), nil
	}
	bucket, err := cfg.Bucket.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive bucket: %w", err)
	}
	return NewBlobArchive(bucket, cfg.Prefix, cfg.Version), nil
}

// NoopArchive returns a store that accepts and discards writes.
func NoopArchive() ArchiveStore { return noopArchive{} }

type noopArchive struct{}

func (noopArchive) Put(ctx context.Context, ref RunRef, testName string, raw []byte) (*PublishResult, error) {
	return &PublishResult{}, nil
}

func (noopArchive) Get(ctx context.Context, ref RunRef) ([]byte, error) {
	return nil, fmt.Errorf("archive retention disabled")
}

func (noopArchive) Exists(ctx context.Context, ref RunRef) (bool, error) { return false, nil }

func (noopArchive) Close() error { return nil }

// Package sink delivers flattened records to the downstream event pipeline.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
)

// SourceType tags every record delivered to an indexer.
const SourceType = "splunk:synthetics:har"

// Event is one record together with the run it came from. Seq is the
// record's position in the transformer output for that run.
type Event struct {
	Run    har.RunMeta
	Seq    int
	Record har.Record
}

// ID returns a stable identifier for the event, usable for downstream
// de-duplication when a run is delivered more than once.
func (e Event) ID() string {
	return fmt.Sprintf("%d_%s_%d_%d", e.Run.TestID, e.Run.Location, e.Run.RunTime, e.Seq)
}

// Sink receives records. Emit may buffer; after Flush returns nil every
// event emitted before it has been durably handed off.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
	Flush(ctx context.Context) error
	Close() error
}

// Config selects and configures sink backends.
type Config struct {
	Backends []string `yaml:"backends"` // "stdout" | "file" | "hec" | "nats" | "opensearch" | "blob" | "parquet"

	File       FileConfig       `yaml:"file"`
	HEC        HECConfig        `yaml:"hec"`
	NATS       NATSConfig       `yaml:"nats"`
	OpenSearch OpenSearchConfig `yaml:"opensearch"`
	Blob       BlobConfig       `yaml:"blob"`
	Parquet    ParquetConfig    `yaml:"parquet"`
}

// FileConfig configures the NDJSON file sink.
type FileConfig struct {
	Path string `yaml:"path"`
}

// HECConfig configures the HTTP event collector sink.
type HECConfig struct {
	URL        string        `yaml:"url"` // e.g. https://splunk:8088
	Token      string        `yaml:"token"`
	Index      string        `yaml:"index"`
	Source     string        `yaml:"source"`
	Host       string        `yaml:"host"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	BackupDir  string        `yaml:"backup_dir"` // batches are saved here before posting
}

// NATSConfig configures the JetStream sink.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// OpenSearchConfig configures the bulk indexing sink.
type OpenSearchConfig struct {
	Addresses     []string `yaml:"addresses"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Index         string   `yaml:"index"`
	TLSSkipVerify bool     `yaml:"tls_skip_verify"`
}

// BlobConfig configures the per-run NDJSON object sink.
type BlobConfig struct {
	Bucket storage.BucketConfig `yaml:"bucket"`
	Prefix string               `yaml:"prefix"`
}

// ParquetConfig configures the per-run parquet object sink.
type ParquetConfig struct {
	Bucket      storage.BucketConfig `yaml:"bucket"`
	Prefix      string               `yaml:"prefix"`
	Compression string               `yaml:"compression"`
}

// New builds the configured sinks. More than one backend yields a Multi
// that delivers to all of them in order.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if len(cfg.Backends) == 0 {
		return NewWriterSink(os.Stdout), nil
	}

	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	for _, backend := range cfg.Backends {
		s, err := newBackend(ctx, backend, cfg)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("create %s sink: %w", backend, err)
		}
		logging.Component("sink").Info("sink ready", "backend", backend)
		sinks = append(sinks, s)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMulti(sinks...), nil
}

func newBackend(ctx context.Context, backend string, cfg Config) (Sink, error) {
	switch backend {
	case "stdout":
		return NewWriterSink(os.Stdout), nil
	case "file":
		return NewFileSink(cfg.File.Path)
	case "hec":
		return NewHECSink(cfg.HEC)
	case "nats":
		return NewNATSSink(ctx, cfg.NATS)
	case "opensearch":
		return NewOpenSearchSink(cfg.OpenSearch)
	case "blob":
		bucket, err := cfg.Blob.Bucket.Open(ctx)
		if err != nil {
			return nil, err
		}
		return NewBlobSink(bucket, cfg.Blob.Prefix), nil
	case "parquet":
		bucket, err := cfg.Parquet.Bucket.Open(ctx)
		if err != nil {
			return nil, err
		}
		return NewParquetSink(bucket, cfg.Parquet.Prefix, cfg.Parquet.Compression), nil
	default:
		return nil, fmt.Errorf("unknown sink backend: %s", backend)
	}
}

// Multi fans every call out to several sinks. The first failure stops the
// call.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Emit implements Sink.
func (m *Multi) Emit(ctx context.Context, evt Event) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Flush implements Sink.
func (m *Multi) Flush(ctx context.Context) error {
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink. Every sink is closed; errors are joined.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

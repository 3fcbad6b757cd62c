package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/tables"
)

func runRef(run har.RunMeta) storage.RunRef {
	return storage.RunRef{TestID: run.TestID, Location: run.Location, RunTime: run.RunTime}
}

type runKey struct {
	testID   int64
	location string
	runTime  int64
}

func keyOf(run har.RunMeta) runKey {
	return runKey{run.TestID, run.Location, run.RunTime}
}

// BlobSink writes each run's records as one zstd-compressed NDJSON object:
// <prefix>test=<id>/location=<loc>/run=<ms>/records.ndjson.zst.
type BlobSink struct {
	bucket *blob.Bucket
	prefix string

	mu    sync.Mutex
	order []runKey
	runs  map[runKey]*blobRun
}

type blobRun struct {
	meta har.RunMeta
	buf  bytes.Buffer
}

// NewBlobSink wraps an open bucket. The sink owns the bucket.
func NewBlobSink(bucket *blob.Bucket, prefix string) *BlobSink {
	return &BlobSink{bucket: bucket, prefix: prefix, runs: make(map[runKey]*blobRun)}
}

// RecordsPath returns the object key for a run.
func (s *BlobSink) RecordsPath(run har.RunMeta) string {
	return runRef(run).DirPath(s.prefix) + "/records.ndjson.zst"
}

// Emit implements Sink.
func (s *BlobSink) Emit(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(evt.Run)
	r, ok := s.runs[k]
	if !ok {
		r = &blobRun{meta: evt.Run}
		s.runs[k] = r
		s.order = append(s.order, k)
	}
	r.buf.Write(data)
	r.buf.WriteByte('\n')
	return nil
}

// Flush implements Sink. Runs that fail to upload stay buffered.
func (s *BlobSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.order) > 0 {
		k := s.order[0]
		r := s.runs[k]
		key := s.RecordsPath(r.meta)
		if err := storage.WriteObject(ctx, s.bucket, key, storage.Compress(r.buf.Bytes()), "application/zstd"); err != nil {
			return err
		}
		delete(s.runs, k)
		s.order = s.order[1:]
	}
	return nil
}

// Close implements Sink.
func (s *BlobSink) Close() error {
	err := s.Flush(context.Background())
	if cerr := s.bucket.Close(); err == nil {
		err = cerr
	}
	return err
}

// ParquetSink writes each run as har_pages and har_requests parquet files
// plus a manifest under <prefix>test=<id>/location=<loc>/run=<ms>/.
type ParquetSink struct {
	bucket    *blob.Bucket
	prefix    string
	cfg       tables.ParquetConfig
	extractor *tables.Extractor

	mu      sync.Mutex
	order   []runKey
	batches map[runKey]*tables.Batch
}

// NewParquetSink wraps an open bucket. The sink owns the bucket.
func NewParquetSink(bucket *blob.Bucket, prefix, compression string) *ParquetSink {
	cfg := tables.DefaultParquetConfig()
	if compression != "" {
		cfg.Compression = compression
	}
	return &ParquetSink{
		bucket:    bucket,
		prefix:    prefix,
		cfg:       cfg,
		extractor: tables.NewExtractor(),
		batches:   make(map[runKey]*tables.Batch),
	}
}

// Emit implements Sink.
func (s *ParquetSink) Emit(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(evt.Run)
	b, ok := s.batches[k]
	if !ok {
		b = tables.NewBatch(evt.Run, s.extractor)
		s.batches[k] = b
		s.order = append(s.order, k)
	}
	return b.Add(evt.Seq, evt.Record)
}

// Flush implements Sink. The manifest is written last.
func (s *ParquetSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.order) > 0 {
		k := s.order[0]
		if err := s.writeRun(ctx, s.batches[k]); err != nil {
			return err
		}
		delete(s.batches, k)
		s.order = s.order[1:]
	}
	return nil
}

func (s *ParquetSink) writeRun(ctx context.Context, b *tables.Batch) error {
	data, rows, err := b.ToParquet(s.cfg)
	if err != nil {
		return err
	}

	ref := runRef(b.Run)
	dir := ref.DirPath(s.prefix)
	manifest := &storage.Manifest{
		Run: storage.RunInfo{
			TestID:   b.Run.TestID,
			TestName: b.Run.TestName,
			Location: b.Run.Location,
			RunTime:  b.Run.RunTime,
		},
		Files:     make(map[string]storage.FileInfo, len(data)),
		Producer:  storage.ProducerInfo{Name: "har-harvester", Version: tables.SchemaVersion},
		CreatedAt: time.Now().UTC(),
	}

	for table, payload := range data {
		file := table + ".parquet"
		if err := storage.WriteObject(ctx, s.bucket, dir+"/"+file, payload, "application/vnd.apache.parquet"); err != nil {
			return err
		}
		manifest.Files[table] = storage.FileInfo{
			File:     file,
			Checksum: storage.ComputeChecksum(payload),
			RowCount: rows[table],
			ByteSize: int64(len(payload)),
		}
	}

	body, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return storage.WriteObject(ctx, s.bucket, ref.ManifestPath(s.prefix), body, "application/json")
}

// Close implements Sink.
func (s *ParquetSink) Close() error {
	err := s.Flush(context.Background())
	if cerr := s.bucket.Close(); err == nil {
		err = cerr
	}
	return err
}

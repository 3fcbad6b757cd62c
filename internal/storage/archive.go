package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
)

// BlobArchive stores raw archive documents in a gocloud bucket.
type BlobArchive struct {
	bucket  *blob.Bucket
	prefix  string
	version string
	log     *slog.Logger
}

// NewBlobArchive wraps an open bucket. The archive owns the bucket and
// closes it on Close.
func NewBlobArchive(bucket *blob.Bucket, prefix, version string) *BlobArchive {
	if version == "" {
		version = "dev"
	}
	return &BlobArchive{
		bucket:  bucket,
		prefix:  prefix,
		version: version,
		log:     logging.Component("archive"),
	}
}

// Put implements ArchiveStore.
func (s *BlobArchive) Put(ctx context.Context, ref RunRef, testName string, raw []byte) (*PublishResult, error) {
	archiveKey := ref.Path(s.prefix)
	manifestKey := ref.ManifestPath(s.prefix)

	compressed := Compress(raw)
	checksum := ComputeChecksum(raw)

	if err := publish(ctx, s.bucket, archiveKey, compressed, "application/zstd"); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	manifest := &Manifest{
		Run: RunInfo{
			TestID:   ref.TestID,
			TestName: testName,
			Location: ref.Location,
			RunTime:  ref.RunTime,
		},
		Files: map[string]FileInfo{
			"har": {
				File:     path.Base(archiveKey),
				Checksum: checksum,
				RawSize:  int64(len(raw)),
				ByteSize: int64(len(compressed)),
			},
		},
		Producer:  ProducerInfo{Name: "har-harvester", Version: s.version},
		CreatedAt: time.Now().UTC(),
	}
	data, err := manifest.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := publish(ctx, s.bucket, manifestKey, data, "application/json"); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	logging.FromContext(ctx, s.log).Debug("archived run",
		"test_id", ref.TestID,
		"location", ref.Location,
		"run_time", ref.RunTime,
		"raw_bytes", len(raw),
		"stored_bytes", len(compressed),
	)

	return &PublishResult{
		ArchiveKey:  archiveKey,
		ManifestKey: manifestKey,
		Checksum:    checksum,
		ByteSize:    int64(len(compressed)),
	}, nil
}

// Get implements ArchiveStore.
func (s *BlobArchive) Get(ctx context.Context, ref RunRef) ([]byte, error) {
	data, err := ReadObject(ctx, s.bucket, ref.ManifestPath(s.prefix))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	info, ok := manifest.Files["har"]
	if !ok {
		return nil, fmt.Errorf("manifest %s lists no archive", ref.ManifestPath(s.prefix))
	}

	compressed, err := ReadObject(ctx, s.bucket, ref.Path(s.prefix))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	raw, err := Decompress(compressed)
	if err != nil {
		return nil, err
	}
	if !VerifyChecksum(raw, info.Checksum) {
		return nil, fmt.Errorf("checksum mismatch for %s", ref.Path(s.prefix))
	}
	return raw, nil
}

// Exists implements ArchiveStore.
func (s *BlobArchive) Exists(ctx context.Context, ref RunRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.ManifestPath(s.prefix))
}

// Close releases the bucket.
func (s *BlobArchive) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ ArchiveStore = (*BlobArchive)(nil)

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
)

// BlobStore keeps one JSON object per checkpoint key in a bucket, for
// deployments without a local disk or database.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBlobStore opens bucketURL and returns a store rooted at prefix.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := storage.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return NewBlobStore(bucket, prefix), nil
}

// NewBlobStore wraps an open bucket. The store owns the bucket.
func NewBlobStore(bucket *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, prefix: prefix}
}

func (s *BlobStore) objectKey(key string) string {
	return s.prefix + "checkpoints/" + key + ".json"
}

// Get implements Store.
func (s *BlobStore) Get(ctx context.Context, key string) (Checkpoint, bool, error) {
	data, err := storage.ReadObject(ctx, s.bucket, s.objectKey(key))
	if storage.IsNotFound(err) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", key, err)
	}
	return cp, true, nil
}

// Update implements Store.
func (s *BlobStore) Update(ctx context.Context, key string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return storage.WriteObject(ctx, s.bucket, s.objectKey(key), data, "application/json")
}

// Close implements Store.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver (also B2, R2, MinIO via endpoint)
	"gocloud.dev/gcerrors"
)

// BucketConfig describes a bucket either by gocloud URL or by backend fields.
type BucketConfig struct {
	URL string `yaml:"url"` // takes precedence over the fields below

	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

// BucketURL returns the gocloud URL for the configuration.
func (c BucketConfig) BucketURL() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	switch c.Backend {
	case "local":
		if c.LocalDir == "" {
			return "", fmt.Errorf("local_dir required for local backend")
		}
		return "file://" + c.LocalDir + "?create_dir=true", nil
	case "gcs":
		if c.GCSBucket == "" {
			return "", fmt.Errorf("gcs_bucket required for gcs backend")
		}
		return fmt.Sprintf("gs://%s", c.GCSBucket), nil
	case "s3":
		if c.S3Bucket == "" {
			return "", fmt.Errorf("s3_bucket required for s3 backend")
		}
		bucketURL := fmt.Sprintf("s3://%s", c.S3Bucket)
		params := url.Values{}
		if c.S3Region != "" {
			params.Set("region", c.S3Region)
		}
		if c.S3Endpoint != "" {
			params.Set("endpoint", c.S3Endpoint)
			params.Set("use_path_style", "true")
		}
		if len(params) > 0 {
			bucketURL += "?" + params.Encode()
		}
		return bucketURL, nil
	case "mem":
		return "mem://", nil
	case "":
		return "", fmt.Errorf("bucket url or backend required")
	default:
		return "", fmt.Errorf("unknown storage backend: %s", c.Backend)
	}
}

// Open opens the configured bucket.
func (c BucketConfig) Open(ctx context.Context) (*blob.Bucket, error) {
	u, err := c.BucketURL()
	if err != nil {
		return nil, err
	}
	return OpenBucket(ctx, u)
}

// OpenBucket opens a bucket from a gocloud URL.
func OpenBucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return bucket, nil
}

// WriteObject writes data to key in a single writer session.
func WriteObject(ctx context.Context, bucket *blob.Bucket, key string, data []byte, contentType string) error {
	var opts *blob.WriterOptions
	if contentType != "" {
		opts = &blob.WriterOptions{ContentType: contentType}
	}
	w, err := bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// ReadObject reads key in full. A missing key returns an error for which
// IsNotFound is true.
func ReadObject(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// publish writes data under a temporary key and then copies it into place,
// so readers never observe a partially written object at key.
func publish(ctx context.Context, bucket *blob.Bucket, key string, data []byte, contentType string) error {
	tempKey := key + ".tmp." + uuid.New().String()
	if err := WriteObject(ctx, bucket, tempKey, data, contentType); err != nil {
		return err
	}
	defer bucket.Delete(ctx, tempKey) // ignore errors

	if err := bucket.Copy(ctx, key, tempKey, nil); err != nil {
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, key, err)
	}
	return nil
}

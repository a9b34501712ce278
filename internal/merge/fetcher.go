package merge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/withObsrvr/obsrvr-segment-merger/internal/metrics"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/segment"
)

// PartialFetcher retrieves one partial partition's rows by object key.
// Partial outputs are sorted parquet files written by the upstream
// partial-segment phase.
type PartialFetcher interface {
	Fetch(ctx context.Context, objectKey string) ([]segment.Row, error)
	Close() error
}

// FetcherConfig configures the blob-backed fetcher.
type FetcherConfig struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string
	S3Region   string

	Prefix string // key prefix within the bucket

	RetryAttempts  int
	RetryBackoffMs int
}

// BlobFetcher reads partial parquet objects from a gocloud.dev bucket.
type BlobFetcher struct {
	bucket   *blob.Bucket
	prefix   string
	dataset  string
	maxRetry int
	backoff  time.Duration
	log      *slog.Logger
}

// NewBlobFetcher opens the configured bucket and returns a fetcher.
// Uses Application Default Credentials for GCS and the standard AWS
// credential chain for S3.
func NewBlobFetcher(ctx context.Context, cfg FetcherConfig, dataset string) (*BlobFetcher, error) {
	bucketURL, err := bucketURL(cfg)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open partial bucket %s: %w", bucketURL, err)
	}

	maxRetry := cfg.RetryAttempts
	if maxRetry < 1 {
		maxRetry = 3
	}
	backoffMs := cfg.RetryBackoffMs
	if backoffMs < 100 {
		backoffMs = 500
	}

	return &BlobFetcher{
		bucket:   bucket,
		prefix:   cfg.Prefix,
		dataset:  dataset,
		maxRetry: maxRetry,
		backoff:  time.Duration(backoffMs) * time.Millisecond,
		log:      slog.With("component", "fetcher"),
	}, nil
}

// bucketURL builds the gocloud.dev URL for the configured backend.
func bucketURL(cfg FetcherConfig) (string, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return "", fmt.Errorf("local backend requires a directory")
		}
		abs, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return "", fmt.Errorf("resolve local dir %s: %w", cfg.LocalDir, err)
		}
		return "file://" + abs, nil
	case "gcs":
		if cfg.GCSBucket == "" {
			return "", fmt.Errorf("gcs backend requires a bucket name")
		}
		return fmt.Sprintf("gs://%s", cfg.GCSBucket), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return "", fmt.Errorf("s3 backend requires a bucket name")
		}
		u := fmt.Sprintf("s3://%s", cfg.S3Bucket)
		params := url.Values{}
		if cfg.S3Region != "" {
			params.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			u = u + "?" + params.Encode()
		}
		return u, nil
	default:
		return "", fmt.Errorf("unknown source backend %q", cfg.Backend)
	}
}

// Fetch reads the object and decodes its rows. Read errors are retried
// with linear backoff; decode errors are not, since re-reading corrupt
// data cannot help.
func (f *BlobFetcher) Fetch(ctx context.Context, objectKey string) ([]segment.Row, error) {
	key := f.prefix + objectKey

	var data []byte
	var err error
	for attempt := 0; attempt < f.maxRetry; attempt++ {
		data, err = f.bucket.ReadAll(ctx, key)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < f.maxRetry-1 {
			f.log.Warn("partial read failed, retrying",
				"object_key", key, "attempt", attempt+1, "error", err)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(metrics.Labels{Dataset: f.dataset, Operation: "partial_fetch"})
			}
			select {
			case <-time.After(f.backoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncFetchErrors(metrics.Labels{Dataset: f.dataset})
		}
		return nil, fmt.Errorf("read partial %s after %d attempts: %w", key, f.maxRetry, err)
	}

	rows, err := segment.ReadParquet(data)
	if err != nil {
		return nil, fmt.Errorf("decode partial %s: %w", key, err)
	}
	return rows, nil
}

// Close releases the underlying bucket.
func (f *BlobFetcher) Close() error {
	if f.bucket != nil {
		return f.bucket.Close()
	}
	return nil
}

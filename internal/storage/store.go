package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/timeline"
)

// SegmentRef describes a merged segment's location in storage.
type SegmentRef struct {
	Dataset      string // e.g. "payments"
	VersionLabel string // e.g. "v1"
	Interval     timeline.Interval
	Bucket       int
}

// SegmentID returns the canonical segment identifier:
// dataset_startMillis_endMillis_version_bucket.
func (r SegmentRef) SegmentID() string {
	k := r.Interval.Key()
	return fmt.Sprintf("%s_%d_%d_%s_%d", r.Dataset, k.StartMillis, k.EndMillis, r.VersionLabel, r.Bucket)
}

// Path returns the storage path for this segment's parquet file.
func (r SegmentRef) Path(prefix string) string {
	k := r.Interval.Key()
	return fmt.Sprintf("%s%s/%s/range=%d-%d/bucket=%d/part-%d.parquet",
		prefix, r.Dataset, r.VersionLabel, k.StartMillis, k.EndMillis, r.Bucket, r.Bucket)
}

// ManifestPath returns the storage path for this segment's manifest.
func (r SegmentRef) ManifestPath(prefix string) string {
	k := r.Interval.Key()
	return fmt.Sprintf("%s%s/%s/range=%d-%d/bucket=%d/_manifest.json",
		prefix, r.Dataset, r.VersionLabel, k.StartMillis, k.EndMillis, r.Bucket)
}

// DirPath returns the directory path for this segment.
func (r SegmentRef) DirPath(prefix string) string {
	k := r.Interval.Key()
	return fmt.Sprintf("%s%s/%s/range=%d-%d/bucket=%d",
		prefix, r.Dataset, r.VersionLabel, k.StartMillis, k.EndMillis, r.Bucket)
}

// Manifest describes the contents of a segment directory.
type Manifest struct {
	Segment   SegmentInfo     `json:"segment"`
	ShardSpec json.RawMessage `json:"shard_spec"`
	File      FileInfo        `json:"file"`
	Producer  ProducerInfo    `json:"producer"`
	CreatedAt time.Time       `json:"created_at"`
}

// SegmentInfo describes the segment's identity.
type SegmentInfo struct {
	ID           string            `json:"id"`
	Dataset      string            `json:"dataset"`
	VersionLabel string            `json:"version"`
	Interval     timeline.Interval `json:"interval"`
	Bucket       int               `json:"bucket"`
	Inputs       int               `json:"inputs"` // partial partitions merged
}

// FileInfo describes the segment's parquet file.
type FileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the segment.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// SegmentStore abstracts writing merged segments to storage.
type SegmentStore interface {
	// WriteParquet writes parquet bytes to storage.
	WriteParquet(ctx context.Context, ref SegmentRef, parquetBytes []byte) error

	// WriteManifest writes a manifest file to storage.
	WriteManifest(ctx context.Context, ref SegmentRef, manifest *Manifest) error

	// Exists checks if a segment already exists.
	Exists(ctx context.Context, ref SegmentRef) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// AtomicStore extends SegmentStore with atomic publish capabilities.
type AtomicStore interface {
	SegmentStore

	// WriteParquetTemp writes parquet bytes to a temporary location.
	// Returns the temp key that can be passed to Finalize.
	WriteParquetTemp(ctx context.Context, ref SegmentRef, parquetBytes []byte) (tempKey string, err error)

	// WriteManifestTemp writes a manifest to a temporary location.
	WriteManifestTemp(ctx context.Context, ref SegmentRef, manifest *Manifest) (tempKey string, err error)

	// Finalize atomically moves temp files to their canonical location.
	// For object stores this is copy+delete; for local filesystem it's rename.
	Finalize(ctx context.Context, ref SegmentRef, tempKeys []string) error

	// Abort removes temporary files without publishing.
	Abort(ctx context.Context, tempKeys []string) error

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// NewSegmentStore creates a storage backend based on configuration.
func NewSegmentStore(cfg Config) (SegmentStore, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs backend requires a bucket name")
		}
		return NewGCSStore(cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 backend requires a bucket name")
		}
		return NewS3Store(cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// AsAtomic returns the store as an AtomicStore if it supports atomic
// publishes, or nil otherwise.
func AsAtomic(s SegmentStore) AtomicStore {
	if a, ok := s.(AtomicStore); ok {
		return a
	}
	return nil
}

// Package metadata records published segments in the pipeline's catalog.
package metadata

import (
	"context"
)

// CatalogConfig configures the metadata catalog connection.
type CatalogConfig struct {
	PostgresDSN string
	Namespace   string
}

// Writer persists dataset and segment lineage metadata.
type Writer interface {
	// EnsureDataset registers the dataset and returns its catalog ID.
	EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error)

	// RecordSegment writes a lineage record for a published segment.
	RecordSegment(ctx context.Context, rec SegmentRecord) error

	// SegmentExists checks whether a segment has already been recorded.
	SegmentExists(ctx context.Context, datasetID int64, segmentID string) (bool, error)

	// Close releases the catalog connection.
	Close() error
}

// DatasetInfo identifies a dataset in the catalog.
type DatasetInfo struct {
	Domain      string // "merged"
	Dataset     string
	Version     string
	Namespace   string
	Description string
}

// SegmentRecord is one published segment's lineage entry.
type SegmentRecord struct {
	DatasetID       int64
	SegmentID       string
	IntervalStart   int64 // epoch millis
	IntervalEnd     int64 // epoch millis
	Bucket          int
	ShardSpecKind   string
	RowCount        int64
	ByteSize        int64
	Checksum        string
	StoragePath     string
	Inputs          int // partial partitions merged
	TaskID          string
	NumAttempts     int
	ProducerVersion string
	ProducerGitSHA  string
}

// NewWriter returns a PostgreSQL-backed writer when a DSN is configured,
// and a no-op writer otherwise. The catalog is optional: segment publication
// must not depend on its availability.
func NewWriter(cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) EnsureDataset(context.Context, DatasetInfo) (int64, error)  { return 0, nil }
func (noopWriter) RecordSegment(context.Context, SegmentRecord) error         { return nil }
func (noopWriter) SegmentExists(context.Context, int64, string) (bool, error) { return false, nil }
func (noopWriter) Close() error                                               { return nil }

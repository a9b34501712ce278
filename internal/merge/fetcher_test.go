package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/segment"
)

func TestBlobFetcherLocal(t *testing.T) {
	dir := t.TempDir()

	rows := testRows("a", "b", "c")
	output, err := segment.WriteParquet(rows, "snappy")
	if err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "d1/b0"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "d1/b0/part.parquet"), output.Data, 0o644); err != nil {
		t.Fatalf("write object: %v", err)
	}

	ctx := context.Background()
	fetcher, err := NewBlobFetcher(ctx, FetcherConfig{
		Backend:        "local",
		LocalDir:       dir,
		RetryAttempts:  1,
		RetryBackoffMs: 100,
	}, "payments")
	if err != nil {
		t.Fatalf("NewBlobFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Fetch(ctx, "d1/b0/part.parquet")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("fetched %d rows, want %d", len(got), len(rows))
	}
	for i := range rows {
		if got[i].SortKey != rows[i].SortKey {
			t.Errorf("row %d sort key = %q, want %q", i, got[i].SortKey, rows[i].SortKey)
		}
	}
}

func TestBlobFetcherMissingObject(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewBlobFetcher(ctx, FetcherConfig{
		Backend:        "local",
		LocalDir:       t.TempDir(),
		RetryAttempts:  1,
		RetryBackoffMs: 100,
	}, "payments")
	if err != nil {
		t.Fatalf("NewBlobFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Fetch(ctx, "missing.parquet"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestBucketURL(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FetcherConfig
		want    string // substring match
		wantErr bool
	}{
		{"gcs", FetcherConfig{Backend: "gcs", GCSBucket: "partials"}, "gs://partials", false},
		{"s3 plain", FetcherConfig{Backend: "s3", S3Bucket: "partials", S3Region: "us-east-1"}, "s3://partials?region=us-east-1", false},
		{"s3 custom endpoint", FetcherConfig{Backend: "s3", S3Bucket: "partials", S3Endpoint: "https://minio.local"}, "s3ForcePathStyle=true", false},
		{"gcs missing bucket", FetcherConfig{Backend: "gcs"}, "", true},
		{"unknown backend", FetcherConfig{Backend: "ftp"}, "", true},
		{"local missing dir", FetcherConfig{Backend: "local"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bucketURL(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("bucketURL: %v", err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("bucketURL = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

package merge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/metadata"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/segment"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/shard"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/storage"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/timeline"
)

var day1 = timeline.MustInterval(d1, d2)

// mockFetcher implements PartialFetcher for testing
type mockFetcher struct {
	mu      sync.Mutex
	objects map[string][]segment.Row
	calls   map[string]int
	failKey string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		objects: make(map[string][]segment.Row),
		calls:   make(map[string]int),
	}
}

func (m *mockFetcher) Fetch(ctx context.Context, objectKey string) ([]segment.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[objectKey]++
	if objectKey == m.failKey {
		return nil, errors.New("simulated fetch failure")
	}
	rows, ok := m.objects[objectKey]
	if !ok {
		return nil, errors.New("object not found: " + objectKey)
	}
	return rows, nil
}

func (m *mockFetcher) Close() error { return nil }

func (m *mockFetcher) fetchCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// mockStore implements storage.SegmentStore for testing
type mockStore struct {
	mu        sync.Mutex
	written   map[string][]byte
	exists    map[string]bool
	manifests map[string]*storage.Manifest
}

func newMockStore() *mockStore {
	return &mockStore{
		written:   make(map[string][]byte),
		exists:    make(map[string]bool),
		manifests: make(map[string]*storage.Manifest),
	}
}

func (m *mockStore) WriteParquet(ctx context.Context, ref storage.SegmentRef, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ref.Path("")
	m.written[key] = data
	m.exists[key] = true
	return nil
}

func (m *mockStore) WriteManifest(ctx context.Context, ref storage.SegmentRef, manifest *storage.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[ref.ManifestPath("")] = manifest
	return nil
}

func (m *mockStore) Exists(ctx context.Context, ref storage.SegmentRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists[ref.Path("")], nil
}

func (m *mockStore) URI(key string) string { return "mock://" + key }

func (m *mockStore) Close() error { return nil }

func (m *mockStore) parquetFor(ref storage.SegmentRef) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written[ref.Path("")]
}

func (m *mockStore) manifestFor(ref storage.SegmentRef) *storage.Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifests[ref.ManifestPath("")]
}

// mockCatalog implements metadata.Writer for testing
type mockCatalog struct {
	mu       sync.Mutex
	segments map[string]bool
	records  []metadata.SegmentRecord
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{segments: make(map[string]bool)}
}

func (m *mockCatalog) EnsureDataset(ctx context.Context, info metadata.DatasetInfo) (int64, error) {
	return 1, nil
}

func (m *mockCatalog) RecordSegment(ctx context.Context, rec metadata.SegmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[rec.SegmentID] = true
	m.records = append(m.records, rec)
	return nil
}

func (m *mockCatalog) SegmentExists(ctx context.Context, datasetID int64, segmentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments[segmentID], nil
}

func (m *mockCatalog) Close() error { return nil }

func (m *mockCatalog) recorded() []metadata.SegmentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metadata.SegmentRecord, len(m.records))
	copy(out, m.records)
	return out
}

func testRows(keys ...string) []segment.Row {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]segment.Row, len(keys))
	for i, k := range keys {
		rows[i] = segment.Row{
			SortKey:    k,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Payload:    []byte(k),
			WorkerID:   "w0",
			IngestedAt: base,
		}
	}
	return rows
}

func testTaskSpec(locations []PartitionLocation) TaskSpec {
	return TaskSpec{
		Dataset:      "payments",
		VersionLabel: "v1",
		Locations:    locations,
		Tuning: Tuning{
			Workers:        2,
			RetryAttempts:  1,
			RetryBackoffMs: 100,
		},
	}
}

func TestNewTaskGeneratesID(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.objects["obj-a"] = testRows("a")

	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "obj-a"},
	})

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: newMockStore(), Catalog: newMockCatalog()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	wantPrefix := "partial_segment_merge_payments_"
	if !strings.HasPrefix(task.ID(), wantPrefix) {
		t.Errorf("task ID %q should start with %q", task.ID(), wantPrefix)
	}
	if task.Type() != TaskType {
		t.Errorf("Type() = %q, want %q", task.Type(), TaskType)
	}
	if got := task.InputSourceResources(); len(got) != 0 {
		t.Errorf("InputSourceResources() = %v, want empty", got)
	}
}

func TestNewTaskKeepsAssignedID(t *testing.T) {
	fetcher := newMockFetcher()
	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "obj-a"},
	})
	spec.ID = "partial_segment_merge_payments_custom"

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: newMockStore(), Catalog: newMockCatalog()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.ID() != spec.ID {
		t.Errorf("task ID = %q, want assigned %q", task.ID(), spec.ID)
	}
}

func TestNewTaskValidation(t *testing.T) {
	fetcher := newMockFetcher()
	store := newMockStore()
	base := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "obj-a"},
	})

	tests := []struct {
		name   string
		mutate func(*TaskSpec, *Deps)
	}{
		{"missing dataset", func(s *TaskSpec, d *Deps) { s.Dataset = "" }},
		{"missing version", func(s *TaskSpec, d *Deps) { s.VersionLabel = "" }},
		{"no locations", func(s *TaskSpec, d *Deps) { s.Locations = nil }},
		{"nil fetcher", func(s *TaskSpec, d *Deps) { d.Fetcher = nil }},
		{"nil store", func(s *TaskSpec, d *Deps) { d.Store = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			deps := Deps{Fetcher: fetcher, Store: store, Catalog: newMockCatalog()}
			tt.mutate(&spec, &deps)
			if _, err := NewTask(spec, deps); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestNewTaskRejectsConflictingSpecs(t *testing.T) {
	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "obj-a", WorkerID: "w0"},
		{Interval: day1, Bucket: 0, Spec: specB, ObjectKey: "obj-b", WorkerID: "w1"},
	})

	_, err := NewTask(spec, Deps{Fetcher: newMockFetcher(), Store: newMockStore(), Catalog: newMockCatalog()})
	if err == nil {
		t.Fatal("expected conflict error at construction, got nil")
	}

	var conflict *SpecConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *SpecConflictError, got %T: %v", err, err)
	}
	if conflict.Bucket != 0 || !conflict.Interval.Equal(day1) {
		t.Errorf("conflict key = %s/%d, want %s/0", conflict.Interval, conflict.Bucket, day1)
	}
}

func TestTaskRunMergesBuckets(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.objects["d1/b0/w0"] = testRows("apple", "cherry")
	fetcher.objects["d1/b0/w1"] = testRows("banana", "durian")
	fetcher.objects["d1/b1/w0"] = testRows("kiwi")

	store := newMockStore()
	catalog := newMockCatalog()

	specB1 := shard.HashSpec{Bucket: 1, NumBuckets: 4, HashFields: []string{"account"}}
	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/w0", WorkerID: "w0"},
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/w1", WorkerID: "w1"},
		{Interval: day1, Bucket: 1, Spec: specB1, ObjectKey: "d1/b1/w0", WorkerID: "w0"},
	})

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: store, Catalog: catalog})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Bucket 0: rows from both partials, merged in sort order
	ref0 := storage.SegmentRef{Dataset: "payments", VersionLabel: "v1", Interval: day1, Bucket: 0}
	data := store.parquetFor(ref0)
	if data == nil {
		t.Fatalf("no parquet written for %s", ref0.Path(""))
	}
	rows, err := segment.ReadParquet(data)
	if err != nil {
		t.Fatalf("read merged parquet: %v", err)
	}
	want := []string{"apple", "banana", "cherry", "durian"}
	if len(rows) != len(want) {
		t.Fatalf("merged rows = %d, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].SortKey != w {
			t.Errorf("row %d sort key = %q, want %q", i, rows[i].SortKey, w)
		}
	}

	manifest := store.manifestFor(ref0)
	if manifest == nil {
		t.Fatal("no manifest written for bucket 0")
	}
	if manifest.Segment.Inputs != 2 {
		t.Errorf("manifest inputs = %d, want 2", manifest.Segment.Inputs)
	}
	decoded, err := shard.DecodeSpec(manifest.ShardSpec)
	if err != nil {
		t.Fatalf("decode manifest shard spec: %v", err)
	}
	if !decoded.Equal(specA) {
		t.Errorf("manifest shard spec = %s, want %s", decoded, specA)
	}

	// Bucket 1 published too
	ref1 := storage.SegmentRef{Dataset: "payments", VersionLabel: "v1", Interval: day1, Bucket: 1}
	if store.parquetFor(ref1) == nil {
		t.Error("no parquet written for bucket 1")
	}

	// Catalog got one record per bucket
	records := catalog.recorded()
	if len(records) != 2 {
		t.Fatalf("catalog records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.TaskID != task.ID() {
			t.Errorf("record task ID = %q, want %q", rec.TaskID, task.ID())
		}
		if rec.ShardSpecKind != shard.KindHash {
			t.Errorf("record shard spec kind = %q, want %q", rec.ShardSpecKind, shard.KindHash)
		}
	}
}

func TestTaskRunFetchesSharedObjectOnce(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.objects["d1/b0/shared"] = testRows("a", "b")

	store := newMockStore()
	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/shared", WorkerID: "w0"},
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/shared", WorkerID: "w1"},
	})

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: store, Catalog: newMockCatalog()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fetcher.fetchCount("d1/b0/shared"); got != 1 {
		t.Errorf("shared object fetched %d times, want 1", got)
	}

	ref := storage.SegmentRef{Dataset: "payments", VersionLabel: "v1", Interval: day1, Bucket: 0}
	manifest := store.manifestFor(ref)
	if manifest == nil {
		t.Fatal("no manifest written")
	}
	if manifest.Segment.Inputs != 1 {
		t.Errorf("manifest inputs = %d, want 1", manifest.Segment.Inputs)
	}
}

func TestTaskRunSkipsExistingSegmentInStorage(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.objects["d1/b0/w0"] = testRows("a")

	store := newMockStore()
	ref := storage.SegmentRef{Dataset: "payments", VersionLabel: "v1", Interval: day1, Bucket: 0}
	store.exists[ref.Path("")] = true

	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/w0"},
	})

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: store, Catalog: newMockCatalog()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run should skip existing segment, got: %v", err)
	}

	if store.parquetFor(ref) != nil {
		t.Error("store should not have been written to when segment exists")
	}
}

func TestTaskRunSkipsSegmentRecordedInCatalog(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.objects["d1/b0/w0"] = testRows("a")

	store := newMockStore()
	catalog := newMockCatalog()
	ref := storage.SegmentRef{Dataset: "payments", VersionLabel: "v1", Interval: day1, Bucket: 0}
	catalog.segments[ref.SegmentID()] = true

	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/w0"},
	})

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: store, Catalog: catalog})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run should skip catalog-recorded segment, got: %v", err)
	}

	if store.parquetFor(ref) != nil {
		t.Error("store should not have been written to when catalog has the segment")
	}
}

func TestTaskRunOverwriteAllowed(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.objects["d1/b0/w0"] = testRows("a")

	store := newMockStore()
	ref := storage.SegmentRef{Dataset: "payments", VersionLabel: "v1", Interval: day1, Bucket: 0}
	store.exists[ref.Path("")] = true

	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/w0"},
	})
	spec.Tuning.AllowOverwrite = true

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: store, Catalog: newMockCatalog()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.parquetFor(ref) == nil {
		t.Error("segment should have been rewritten when AllowOverwrite=true")
	}
}

func TestTaskRunFailsAfterRetries(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.failKey = "d1/b0/w0"

	spec := testTaskSpec([]PartitionLocation{
		{Interval: day1, Bucket: 0, Spec: specA, ObjectKey: "d1/b0/w0"},
	})
	spec.Tuning.RetryAttempts = 2
	spec.Tuning.RetryBackoffMs = 100

	task, err := NewTask(spec, Deps{Fetcher: fetcher, Store: newMockStore(), Catalog: newMockCatalog()})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := task.Run(context.Background()); err == nil {
		t.Fatal("expected task failure when partial cannot be fetched")
	}

	if got := fetcher.fetchCount("d1/b0/w0"); got != 2 {
		t.Errorf("failing object fetched %d times, want 2 (retry budget)", got)
	}
}

func TestLocationJSONRoundTrip(t *testing.T) {
	loc := PartitionLocation{
		Interval:  day1,
		Bucket:    2,
		Spec:      shard.RangeSpec{Bucket: 2, SortField: "account", Lower: "a", Upper: "m"},
		ObjectKey: "d1/b2/w0",
		WorkerID:  "w0",
	}

	data, err := loc.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out PartitionLocation
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Interval.Equal(loc.Interval) || out.Bucket != loc.Bucket ||
		out.ObjectKey != loc.ObjectKey || out.WorkerID != loc.WorkerID {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, loc)
	}
	if !out.Spec.Equal(loc.Spec) {
		t.Errorf("spec round trip mismatch: got %s, want %s", out.Spec, loc.Spec)
	}
}

func TestTaskSpecJSONDecode(t *testing.T) {
	raw := `{
		"id": "partial_segment_merge_payments_abc",
		"group_id": "merge-group-1",
		"num_attempts": 1,
		"dataset": "payments",
		"version": "v1",
		"locations": [
			{
				"interval": "2024-01-01T00:00:00Z/2024-01-02T00:00:00Z",
				"bucket": 0,
				"shard_spec": {"kind": "hash", "spec": {"bucket": 0, "num_buckets": 4, "hash_fields": ["account"]}},
				"object_key": "d1/b0/w0",
				"worker_id": "w0"
			}
		],
		"tuning": {"workers": 4, "allow_overwrite": true}
	}`

	var spec TaskSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		t.Fatalf("decode task spec: %v", err)
	}

	if spec.ID != "partial_segment_merge_payments_abc" || spec.NumAttempts != 1 {
		t.Errorf("decoded identity fields wrong: %+v", spec)
	}
	if len(spec.Locations) != 1 {
		t.Fatalf("locations = %d, want 1", len(spec.Locations))
	}
	loc := spec.Locations[0]
	if !loc.Interval.Equal(day1) || loc.Bucket != 0 || loc.ObjectKey != "d1/b0/w0" {
		t.Errorf("decoded location wrong: %+v", loc)
	}
	if loc.Spec.Kind() != shard.KindHash {
		t.Errorf("decoded spec kind = %q, want %q", loc.Spec.Kind(), shard.KindHash)
	}
	if !spec.Tuning.AllowOverwrite || spec.Tuning.Workers != 4 {
		t.Errorf("decoded tuning wrong: %+v", spec.Tuning)
	}
}

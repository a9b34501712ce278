package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/metadata"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/storage"
)

// TaskType identifies the merge phase in task specs and task IDs.
const TaskType = "partial_segment_merge"

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrSegmentExists signals that a segment was already published and the
// bucket can be skipped. It is not an error condition for the task.
var ErrSegmentExists = errors.New("segment already exists")

// Tuning holds the merge task's performance knobs.
type Tuning struct {
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RetryAttempts   int    `json:"retry_attempts"`
	RetryBackoffMs  int    `json:"retry_backoff_ms"`
	AllowOverwrite  bool   `json:"allow_overwrite"`
	Compression     string `json:"compression"`        // "snappy" | "zstd" | "none"
	MaxRowsInMemory int    `json:"max_rows_in_memory"` // rows held in memory before spilling
}

// TaskSpec is the JSON task specification handed down by the supervisor.
// NumAttempts is zero-based: the first attempt of a task runs with 0.
type TaskSpec struct {
	ID           string              `json:"id,omitempty"`
	GroupID      string              `json:"group_id,omitempty"`
	SupervisorID string              `json:"supervisor_id,omitempty"`
	NumAttempts  int                 `json:"num_attempts"`
	Dataset      string              `json:"dataset"`
	VersionLabel string              `json:"version"`
	Locations    []PartitionLocation `json:"locations"`
	Tuning       Tuning              `json:"tuning"`
}

// makeTaskID generates an ID when the supervisor did not assign one.
func makeTaskID(dataset string) string {
	return fmt.Sprintf("%s_%s_%s", TaskType, dataset, uuid.New().String())
}

// Deps are the external systems a Task needs to run.
type Deps struct {
	Fetcher PartialFetcher
	Store   storage.SegmentStore
	Catalog metadata.Writer
}

// Task merges the partial partitions named in a TaskSpec into one published
// segment per (interval, bucket). The shard-spec table is reconciled at
// construction time so that a conflicting spec fails the task before any
// data is fetched.
type Task struct {
	spec      TaskSpec
	table     *SpecTable
	fetcher   PartialFetcher
	store     storage.SegmentStore
	catalog   metadata.Writer
	datasetID int64
	log       *slog.Logger
}

// NewTask validates the spec, reconciles the shard-spec table, and returns
// a runnable task. A shard-spec conflict in the locations is returned as a
// *SpecConflictError and aborts construction.
func NewTask(spec TaskSpec, deps Deps) (*Task, error) {
	if spec.Dataset == "" {
		return nil, fmt.Errorf("task spec: dataset is required")
	}
	if spec.VersionLabel == "" {
		return nil, fmt.Errorf("task spec: version label is required")
	}
	if len(spec.Locations) == 0 {
		return nil, fmt.Errorf("task spec: at least one partition location is required")
	}
	if deps.Fetcher == nil || deps.Store == nil {
		return nil, fmt.Errorf("task deps: fetcher and store are required")
	}
	if spec.ID == "" {
		spec.ID = makeTaskID(spec.Dataset)
	}

	table, err := BuildSpecTable(spec.Locations)
	if err != nil {
		return nil, err
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog, _ = metadata.NewWriter(metadata.CatalogConfig{})
	}

	return &Task{
		spec:    spec,
		table:   table,
		fetcher: deps.Fetcher,
		store:   deps.Store,
		catalog: catalog,
		log:     logging.TaskLogger(spec.ID, spec.Dataset, spec.VersionLabel, spec.NumAttempts),
	}, nil
}

// ID returns the task's identifier.
func (t *Task) ID() string { return t.spec.ID }

// Type returns the task type constant.
func (t *Task) Type() string { return TaskType }

// SpecTable exposes the reconciled shard-spec table.
func (t *Task) SpecTable() *SpecTable { return t.table }

// InputSourceResources returns the external input sources this task reads.
// Merge tasks only read intermediate objects produced by earlier phases, so
// the set is always empty.
func (t *Task) InputSourceResources() []string { return []string{} }

// Run executes the merge: one job per reconciled (interval, bucket), fanned
// out through a worker pool and published in key order.
func (t *Task) Run(ctx context.Context) error {
	t.log.Info("starting merge task",
		"locations", len(t.spec.Locations),
		"buckets", t.table.Len(),
	)

	if err := t.ensureDataset(ctx); err != nil {
		t.log.Warn("failed to ensure dataset in catalog", "error", err)
		// Continue without catalog - it's optional
	}

	jobs := t.bucketJobs()
	p := newPipeline(t,
		t.spec.Tuning.Workers,
		t.spec.Tuning.QueueSize,
		t.spec.Tuning.RetryAttempts,
		t.spec.Tuning.RetryBackoffMs,
	)
	if err := p.run(ctx, jobs); err != nil {
		return err
	}

	t.log.Info("merge task complete", "buckets", len(jobs))
	return nil
}

// bucketJobs groups the task's locations by (interval, bucket), one job per
// reconciled key, in the table's sorted key order.
func (t *Task) bucketJobs() []bucketJob {
	groups := make(map[tableKey][]PartitionLocation, t.table.Len())
	for _, loc := range t.spec.Locations {
		k := tableKey{interval: loc.Interval.Key(), bucket: loc.Bucket}
		groups[k] = append(groups[k], loc)
	}

	keys := t.table.Keys()
	jobs := make([]bucketJob, 0, len(keys))
	for i, key := range keys {
		jobs = append(jobs, bucketJob{
			Key: key,
			Ref: storage.SegmentRef{
				Dataset:      t.spec.Dataset,
				VersionLabel: t.spec.VersionLabel,
				Interval:     key.Interval,
				Bucket:       key.Bucket,
			},
			Locations: groups[tableKey{interval: key.Interval.Key(), bucket: key.Bucket}],
			Index:     int64(i),
		})
	}
	return jobs
}

// ensureDataset registers the dataset with the catalog and caches its ID.
func (t *Task) ensureDataset(ctx context.Context) error {
	id, err := t.catalog.EnsureDataset(ctx, metadata.DatasetInfo{
		Domain:      "merged",
		Dataset:     t.spec.Dataset,
		Version:     t.spec.VersionLabel,
		Description: "merged segments from partial-segment outputs",
	})
	if err != nil {
		return err
	}
	t.datasetID = id
	return nil
}

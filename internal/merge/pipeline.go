package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/metadata"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/metrics"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/segment"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/shard"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/storage"
)

const defaultMaxRowsInMemory = 500_000

// bucketJob is one (interval, bucket) unit of merge work.
// Index provides monotonic ordering for the sequencer.
type bucketJob struct {
	Key       Key
	Ref       storage.SegmentRef
	Locations []PartitionLocation
	Index     int64
	Attempt   int
}

// builtSegment is a merged bucket before publishing.
// Workers produce these; the sequencer consumes them.
type builtSegment struct {
	Ref          storage.SegmentRef
	Spec         shard.Spec
	Output       *segment.Output
	Inputs       int // distinct partial objects merged
	BuildID      string
	BuiltAt      time.Time
	FetchSeconds float64
	MergeSeconds float64
}

// bucketResult is returned from workers to the sequencer.
type bucketResult struct {
	Job     bucketJob
	Segment *builtSegment
	Err     error
}

// pipeline implements the dispatcher → workers → sequencer flow.
// Workers fetch and merge buckets in parallel, but the sequencer publishes
// them in key order.
type pipeline struct {
	task      *Task
	workers   int
	queueSize int
	maxRetry  int
	backoffMs int
	log       *slog.Logger

	workQueue  chan bucketJob
	resultChan chan bucketResult
	wg         sync.WaitGroup
}

// newPipeline creates a worker pipeline for one merge task.
func newPipeline(t *Task, workers, queueSize, maxRetry, backoffMs int) *pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}
	if maxRetry < 1 {
		maxRetry = 3
	}
	if backoffMs < 100 {
		backoffMs = 1000
	}

	return &pipeline{
		task:       t,
		workers:    workers,
		queueSize:  queueSize,
		maxRetry:   maxRetry,
		backoffMs:  backoffMs,
		log:        slog.With("component", "pipeline", "task_id", t.ID()),
		workQueue:  make(chan bucketJob, queueSize),
		resultChan: make(chan bucketResult, queueSize),
	}
}

// run processes all bucket jobs through the pipeline.
func (p *pipeline) run(ctx context.Context, jobs []bucketJob) error {
	if len(jobs) == 0 {
		return nil
	}

	p.log.Info("starting merge pipeline", "buckets", len(jobs), "workers", p.workers)

	// Start worker pool
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	// Start dispatcher
	errChan := make(chan error, 1)
	go func() {
		errChan <- p.dispatcherLoop(ctx, jobs)
	}()

	// Close results when workers finish
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	// Sequencer: publish in order
	if err := p.sequencerLoop(ctx, jobs); err != nil {
		return err
	}

	// Check dispatcher error
	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// dispatcherLoop sends bucket jobs to workers.
func (p *pipeline) dispatcherLoop(ctx context.Context, jobs []bucketJob) error {
	defer close(p.workQueue)

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.workQueue <- job:
			if m := metrics.Get(); m != nil {
				m.SetWorkerQueueDepth(float64(len(p.workQueue)))
			}
		}
	}

	return nil
}

// workerLoop processes bucket jobs.
func (p *pipeline) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for job := range p.workQueue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := p.processJob(ctx, workerID, job)
		p.resultChan <- result
	}
}

// processJob fetches and merges one bucket's partials.
// Does NOT publish - that's the sequencer's job.
func (p *pipeline) processJob(ctx context.Context, workerID int, job bucketJob) bucketResult {
	correlationID := logging.GenerateCorrelationID()
	log := logging.BucketLogger(correlationID, job.Key.Interval.String(), job.Key.Bucket).
		With("worker_id", workerID)

	log.Info("merging bucket", "partials", len(job.Locations), "attempt", job.Attempt+1)

	if m := metrics.Get(); m != nil {
		m.InFlightBuckets.Inc()
		defer m.InFlightBuckets.Dec()
	}

	built, err := p.buildSegment(ctx, job)
	if err != nil {
		// A missing spec-table key is an orchestration bug; retrying
		// cannot produce a spec that was never reported.
		var notFound *SpecNotFoundError
		if errors.As(err, &notFound) {
			return bucketResult{Job: job, Err: err}
		}

		if job.Attempt < p.maxRetry-1 {
			log.Warn("bucket merge failed, retrying", "error", err)

			if m := metrics.Get(); m != nil {
				labels := p.getMetricsLabels()
				labels.Operation = "bucket_merge"
				m.IncRetryAttempts(labels)
			}

			// Exponential backoff
			backoff := time.Duration(p.backoffMs*(1<<job.Attempt)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return bucketResult{Job: job, Err: ctx.Err()}
			}

			job.Attempt++
			return p.processJob(ctx, workerID, job)
		}

		return bucketResult{
			Job: job,
			Err: fmt.Errorf("failed after %d attempts: %w", job.Attempt+1, err),
		}
	}

	log.Info("bucket merged",
		"rows", built.Output.RowCount,
		"bytes", len(built.Output.Data),
		"inputs", built.Inputs,
	)

	if m := metrics.Get(); m != nil {
		labels := p.getMetricsLabels()
		m.ObserveFetchDuration(labels, built.FetchSeconds)
		m.ObserveMergeDuration(labels, built.MergeSeconds)
		m.ObserveSegmentRows(labels, float64(built.Output.RowCount))
		m.ObserveSegmentBytes(labels, float64(len(built.Output.Data)))
		m.AddPartialsFetched(labels, float64(built.Inputs))
	}

	return bucketResult{Job: job, Segment: built}
}

// buildSegment resolves the bucket's shard spec, fetches every distinct
// partial object, and merges the sorted runs into one parquet segment.
// Runs are spilled to compressed temp storage when the in-memory row budget
// is exceeded.
func (p *pipeline) buildSegment(ctx context.Context, job bucketJob) (*builtSegment, error) {
	spec, err := p.task.table.Resolve(job.Key.Interval, job.Key.Bucket)
	if err != nil {
		return nil, err
	}

	maxRows := p.task.spec.Tuning.MaxRowsInMemory
	if maxRows <= 0 {
		maxRows = defaultMaxRowsInMemory
	}

	fetchStart := time.Now()

	var (
		runs   [][]segment.Row
		spill  *segment.Spill
		inMem  int
		inputs int
	)
	defer func() {
		if spill != nil {
			spill.Close()
		}
	}()

	// Several workers may report the same object key for one bucket;
	// fetch each object once.
	seen := make(map[string]struct{}, len(job.Locations))
	for _, loc := range job.Locations {
		if _, ok := seen[loc.ObjectKey]; ok {
			continue
		}
		seen[loc.ObjectKey] = struct{}{}

		rows, err := p.task.fetcher.Fetch(ctx, loc.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("fetch partial %s: %w", loc.ObjectKey, err)
		}
		inputs++

		if inMem+len(rows) > maxRows && len(runs) > 0 {
			// Fold the buffered runs into one sorted run and spill it.
			if spill == nil {
				spill, err = segment.NewSpill()
				if err != nil {
					return nil, fmt.Errorf("create spill: %w", err)
				}
			}
			if err := spill.Add(segment.Merge(runs)); err != nil {
				return nil, fmt.Errorf("spill runs: %w", err)
			}
			runs = nil
			inMem = 0
		}

		runs = append(runs, rows)
		inMem += len(rows)
	}

	fetchSeconds := time.Since(fetchStart).Seconds()
	mergeStart := time.Now()

	if spill != nil {
		spilled, err := spill.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read spilled runs: %w", err)
		}
		runs = append(spilled, runs...)
	}

	merged := segment.Merge(runs)

	compression := p.task.spec.Tuning.Compression
	if compression == "" {
		compression = "snappy"
	}
	output, err := segment.WriteParquet(merged, compression)
	if err != nil {
		return nil, fmt.Errorf("generate parquet: %w", err)
	}

	built := &builtSegment{
		Ref:          job.Ref,
		Spec:         spec,
		Output:       output,
		Inputs:       inputs,
		BuildID:      uuid.New().String(),
		BuiltAt:      time.Now().UTC(),
		FetchSeconds: fetchSeconds,
		MergeSeconds: time.Since(mergeStart).Seconds(),
	}

	if result := validateSegment(built, merged); !result.Passed {
		return nil, fmt.Errorf("segment validation failed: %s", result.errorMessage())
	} else if len(result.Warnings) > 0 {
		p.log.Warn("segment validation warnings",
			"key", job.Key.String(), "warnings", strings.Join(result.Warnings, "; "))
	}

	return built, nil
}

// sequencerLoop publishes merged segments in key order.
func (p *pipeline) sequencerLoop(ctx context.Context, expected []bucketJob) error {
	if len(expected) == 0 {
		return nil
	}

	nextIndex := expected[0].Index
	lastIndex := expected[len(expected)-1].Index

	// Buffer for out-of-order results
	pending := make(map[int64]*bucketResult)
	totalPublished := 0
	startTime := time.Now()

	for nextIndex <= lastIndex {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case result, ok := <-p.resultChan:
			if !ok {
				if nextIndex <= lastIndex {
					return fmt.Errorf("results closed before all buckets published, nextIndex=%d", nextIndex)
				}
				return nil
			}

			if result.Err != nil {
				if m := metrics.Get(); m != nil {
					m.IncSegmentsFailed(p.getMetricsLabels())
				}
				return fmt.Errorf("bucket %s: %w", result.Job.Key, result.Err)
			}

			// Buffer the result
			pending[result.Job.Index] = &result
			if m := metrics.Get(); m != nil {
				m.SetSequencerPending(float64(len(pending)))
			}

			// Flush in-order as far as possible
			for {
				r, ok := pending[nextIndex]
				if !ok {
					break
				}

				if err := p.publishSegment(ctx, r.Segment); err != nil {
					if errors.Is(err, ErrSegmentExists) {
						p.log.Info("skipping bucket (segment exists)", "key", r.Job.Key.String())
						if m := metrics.Get(); m != nil {
							m.IncSegmentsSkipped(p.getMetricsLabels())
						}
					} else {
						return fmt.Errorf("publish bucket %s: %w", r.Job.Key, err)
					}
				}

				delete(pending, nextIndex)
				nextIndex++
				totalPublished++

				elapsed := time.Since(startTime)
				rate := float64(totalPublished) / elapsed.Seconds()
				p.log.Info("sequencer progress",
					"published", totalPublished,
					"total", len(expected),
					"rate_per_sec", fmt.Sprintf("%.2f", rate),
				)
			}
		}
	}

	return nil
}

// publishSegment writes a merged segment to storage and records its lineage.
//
// The order of operations is critical and must not be changed:
//  1. Check idempotency against the catalog (skip if already recorded)
//  2. Check storage existence (skip unless overwrite is allowed)
//  3. Write parquet and manifest (temp -> finalize when supported)
//  4. Record the segment in the catalog
func (p *pipeline) publishSegment(ctx context.Context, built *builtSegment) error {
	t := p.task
	log := p.log.With("segment_id", built.Ref.SegmentID())

	log.Debug("publishing segment")
	publishStart := time.Now()

	// Step 1: Idempotency check
	if t.datasetID > 0 {
		exists, err := t.catalog.SegmentExists(ctx, t.datasetID, built.Ref.SegmentID())
		if err != nil {
			log.Warn("idempotency check failed", "error", err)
		} else if exists {
			return ErrSegmentExists
		}
	}

	// Step 2: Check storage existence
	if exists, _ := t.store.Exists(ctx, built.Ref); exists && !t.spec.Tuning.AllowOverwrite {
		return ErrSegmentExists
	}

	// Step 3: Write parquet and manifest
	manifest, err := buildManifest(built)
	if err != nil {
		return err
	}

	if atomicStore := storage.AsAtomic(t.store); atomicStore != nil {
		if err := p.writeAtomic(ctx, atomicStore, built.Ref, built.Output.Data, manifest); err != nil {
			return fmt.Errorf("atomic write: %w", err)
		}
	} else {
		if err := t.store.WriteParquet(ctx, built.Ref, built.Output.Data); err != nil {
			return fmt.Errorf("write parquet: %w", err)
		}
		if err := t.store.WriteManifest(ctx, built.Ref, manifest); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}

	// Step 4: Record lineage in catalog
	if t.datasetID > 0 {
		if err := t.catalog.RecordSegment(ctx, buildSegmentRecord(t, built)); err != nil {
			log.Warn("failed to record segment in catalog", "error", err)
			if m := metrics.Get(); m != nil {
				m.IncCatalogErrors(metrics.Labels{Dataset: t.spec.Dataset})
			}
		}
	}

	log.Info("published segment",
		"rows", built.Output.RowCount,
		"checksum", built.Output.Checksum,
		"inputs", built.Inputs,
	)

	if m := metrics.Get(); m != nil {
		labels := p.getMetricsLabels()
		m.IncSegmentsPublished(labels)
		m.AddRowsMerged(labels, float64(built.Output.RowCount))
		m.ObservePublishDuration(labels, time.Since(publishStart).Seconds())
	}

	return nil
}

// buildManifest creates the _manifest.json payload for a merged segment.
func buildManifest(built *builtSegment) (*storage.Manifest, error) {
	specEnvelope, err := shard.EncodeSpec(built.Spec)
	if err != nil {
		return nil, fmt.Errorf("encode shard spec: %w", err)
	}

	return &storage.Manifest{
		Segment: storage.SegmentInfo{
			ID:           built.Ref.SegmentID(),
			Dataset:      built.Ref.Dataset,
			VersionLabel: built.Ref.VersionLabel,
			Interval:     built.Ref.Interval,
			Bucket:       built.Ref.Bucket,
			Inputs:       built.Inputs,
		},
		ShardSpec: specEnvelope,
		File: storage.FileInfo{
			File:     fmt.Sprintf("part-%d.parquet", built.Ref.Bucket),
			Checksum: built.Output.Checksum,
			RowCount: built.Output.RowCount,
			ByteSize: int64(len(built.Output.Data)),
		},
		Producer: storage.ProducerInfo{
			Name:    "segment-merger",
			Version: Version,
			GitSHA:  GitSHA,
		},
		CreatedAt: built.BuiltAt,
	}, nil
}

// buildSegmentRecord creates the catalog lineage entry for a merged segment.
func buildSegmentRecord(t *Task, built *builtSegment) metadata.SegmentRecord {
	k := built.Ref.Interval.Key()
	return metadata.SegmentRecord{
		DatasetID:       t.datasetID,
		SegmentID:       built.Ref.SegmentID(),
		IntervalStart:   k.StartMillis,
		IntervalEnd:     k.EndMillis,
		Bucket:          built.Ref.Bucket,
		ShardSpecKind:   built.Spec.Kind(),
		RowCount:        built.Output.RowCount,
		ByteSize:        int64(len(built.Output.Data)),
		Checksum:        built.Output.Checksum,
		StoragePath:     t.store.URI(built.Ref.Path("")),
		Inputs:          built.Inputs,
		TaskID:          t.spec.ID,
		NumAttempts:     t.spec.NumAttempts,
		ProducerVersion: fmt.Sprintf("segment-merger@%s", Version),
		ProducerGitSHA:  GitSHA,
	}
}

// getMetricsLabels returns the standard metric labels for this pipeline.
func (p *pipeline) getMetricsLabels() metrics.Labels {
	return metrics.Labels{
		Dataset: p.task.spec.Dataset,
		Version: p.task.spec.VersionLabel,
	}
}

// writeAtomic writes parquet and manifest files atomically using temp files.
// If any step fails, all temp files are cleaned up.
func (p *pipeline) writeAtomic(ctx context.Context, store storage.AtomicStore, ref storage.SegmentRef, parquetData []byte, manifest *storage.Manifest) error {
	var tempKeys []string

	tempParquet, err := store.WriteParquetTemp(ctx, ref, parquetData)
	if err != nil {
		return fmt.Errorf("write parquet temp: %w", err)
	}
	tempKeys = append(tempKeys, tempParquet)

	tempManifest, err := store.WriteManifestTemp(ctx, ref, manifest)
	if err != nil {
		store.Abort(ctx, tempKeys)
		return fmt.Errorf("write manifest temp: %w", err)
	}
	tempKeys = append(tempKeys, tempManifest)

	if err := store.Finalize(ctx, ref, tempKeys); err != nil {
		// Finalize handles its own cleanup on failure
		return fmt.Errorf("finalize: %w", err)
	}

	return nil
}

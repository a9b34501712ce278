package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool         *pgxpool.Pool
	cfg          CatalogConfig
	log          *slog.Logger
	mu           sync.RWMutex
	datasetCache map[string]int64 // cache dataset IDs
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:         pool,
		cfg:          cfg,
		log:          slog.With("component", "metadata"),
		datasetCache: make(map[string]int64),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _meta_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// EnsureDataset registers or retrieves a dataset entry.
func (w *PostgresWriter) EnsureDataset(ctx context.Context, info DatasetInfo) (int64, error) {
	cacheKey := fmt.Sprintf("%s.%s.%s.%s", info.Domain, info.Dataset, info.Version, info.Namespace)
	w.mu.RLock()
	if id, ok := w.datasetCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _meta_datasets (domain, dataset, version, namespace, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain, dataset, version, namespace)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		info.Domain,
		info.Dataset,
		info.Version,
		info.Namespace,
		info.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.mu.Lock()
	w.datasetCache[cacheKey] = id
	w.mu.Unlock()

	return id, nil
}

// RecordSegment writes a lineage record for a published segment.
func (w *PostgresWriter) RecordSegment(ctx context.Context, rec SegmentRecord) error {
	if rec.DatasetID == 0 {
		return fmt.Errorf("DatasetID is required (call EnsureDataset first)")
	}

	query := `
		INSERT INTO _meta_segments (
			dataset_id, segment_id, interval_start, interval_end, bucket,
			shard_spec_kind, row_count, byte_size, checksum, storage_path,
			inputs, task_id, num_attempts, producer_version, producer_git_sha
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (dataset_id, segment_id)
		DO UPDATE SET
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			task_id = EXCLUDED.task_id,
			num_attempts = EXCLUDED.num_attempts,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.SegmentID,
		rec.IntervalStart,
		rec.IntervalEnd,
		rec.Bucket,
		rec.ShardSpecKind,
		rec.RowCount,
		rec.ByteSize,
		rec.Checksum,
		rec.StoragePath,
		rec.Inputs,
		rec.TaskID,
		rec.NumAttempts,
		rec.ProducerVersion,
		rec.ProducerGitSHA,
	)
	if err != nil {
		return fmt.Errorf("record segment: %w", err)
	}

	w.log.Debug("recorded segment lineage", "segment_id", rec.SegmentID)
	return nil
}

// SegmentExists checks whether a segment has already been recorded.
func (w *PostgresWriter) SegmentExists(ctx context.Context, datasetID int64, segmentID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM _meta_segments
			WHERE dataset_id = $1 AND segment_id = $2
		)
	`

	var exists bool
	err := w.pool.QueryRow(ctx, query, datasetID, segmentID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check segment exists: %w", err)
	}
	return exists, nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

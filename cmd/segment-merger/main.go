package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/config"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/merge"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/metadata"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/metrics"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("segment merger failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		taskPath   = flag.String("task", "", "path to task spec JSON (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := logging.Component("main")
	log.Info("segment merger starting", "version", merge.Version, "git_sha", merge.GitSHA)

	specFile := cfg.Task.SpecFile
	if *taskPath != "" {
		specFile = *taskPath
	}
	spec, err := loadTaskSpec(specFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("segment_merger")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	fetcher, err := merge.NewBlobFetcher(ctx, merge.FetcherConfig{
		Backend:        cfg.Source.Backend,
		LocalDir:       cfg.Source.LocalDir,
		GCSBucket:      cfg.Source.GCSBucket,
		S3Bucket:       cfg.Source.S3Bucket,
		S3Endpoint:     cfg.Source.S3Endpoint,
		S3Region:       cfg.Source.S3Region,
		Prefix:         cfg.Source.Prefix,
		RetryAttempts:  cfg.Source.RetryAttempts,
		RetryBackoffMs: cfg.Source.RetryBackoffMs,
	}, spec.Dataset)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer fetcher.Close()

	store, err := storage.NewSegmentStore(storage.Config{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		GCSBucket:  cfg.Storage.GCSBucket,
		S3Bucket:   cfg.Storage.S3Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer store.Close()

	catalog, err := metadata.NewWriter(metadata.CatalogConfig{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		return fmt.Errorf("create catalog writer: %w", err)
	}
	defer catalog.Close()

	task, err := merge.NewTask(spec, merge.Deps{
		Fetcher: fetcher,
		Store:   store,
		Catalog: catalog,
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			return nil
		}
		return fmt.Errorf("task %s: %w", task.ID(), err)
	}

	log.Info("segment merger stopped cleanly", "task_id", task.ID())
	return nil
}

// loadTaskSpec reads and decodes the task spec JSON.
func loadTaskSpec(path string) (merge.TaskSpec, error) {
	if path == "" {
		return merge.TaskSpec{}, fmt.Errorf("no task spec file configured (use -task or task.spec_file)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return merge.TaskSpec{}, fmt.Errorf("read task spec %s: %w", path, err)
	}
	var spec merge.TaskSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return merge.TaskSpec{}, fmt.Errorf("parse task spec %s: %w", path, err)
	}
	return spec, nil
}

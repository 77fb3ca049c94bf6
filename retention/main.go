package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/flash-digest/internal/app"
	"github.com/DeafMist/flash-digest/internal/config"
	"github.com/DeafMist/flash-digest/internal/elasticsearch"
	"github.com/DeafMist/flash-digest/internal/logger"
)

type archivePruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

type mirrorPruner interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

type job struct {
	log     *slog.Logger
	archive archivePruner
	mirror  mirrorPruner // nil when the search mirror is disabled
	maxAge  time.Duration
	batch   int
	now     func() time.Time
}

func main() {
	log := logger.New("retention")
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	j := &job{
		log:     log,
		archive: app.NewArchive(cfg.Common, log),
		maxAge:  cfg.MaxAge,
		batch:   cfg.BatchSize,
		now:     time.Now,
	}

	if cfg.ElasticsearchAddr != "" {
		esClient := connectSearch(ctx, log, cfg)
		if esClient != nil {
			j.mirror = esClient
		}
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("retention job running",
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.MaxAge),
		slog.String("archive", cfg.StoragePath),
		slog.Bool("search_mirror", j.mirror != nil),
	)

	j.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

// connectSearch retries the mirror with exponential backoff. A mirror that
// never answers is left out; the archive is still pruned.
func connectSearch(ctx context.Context, log *slog.Logger, cfg *config.Retention) *elasticsearch.Client {
	maxRetries := 10
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			log.Warn("failed to create elasticsearch client, retrying",
				slog.Any("err", err),
				slog.Int("attempt", i+1),
				slog.Int("max_retries", maxRetries),
			)
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := esClient.Ping(pingCtx)
			cancel()
			if pingErr == nil {
				log.Info("connected to elasticsearch")
				return esClient
			}
			log.Warn("elasticsearch ping failed, retrying",
				slog.Any("err", pingErr),
				slog.Int("attempt", i+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_in", retryDelay),
			)
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			log.Info("shutdown signal received during startup")
			os.Exit(0)
		}
		retryDelay *= 2
		if retryDelay > 30*time.Second {
			retryDelay = 30 * time.Second
		}
	}

	log.Error("failed to connect to elasticsearch after retries, mirror cleanup disabled")
	return nil
}

func (j *job) runOnce(ctx context.Context) {
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cutoff := j.now().Add(-j.maxAge)
	removed, err := j.archive.Prune(subCtx, cutoff)
	if err != nil {
		j.log.Warn("archive prune failed (will retry on next interval)", slog.Any("err", err))
	} else if removed > 0 {
		j.log.Info("archive prune completed", slog.Int("batches", removed), slog.Time("before", cutoff))
	} else {
		j.log.Debug("archive prune completed, nothing to remove")
	}

	if j.mirror == nil {
		return
	}

	deleted, err := j.mirror.DeleteOlderThan(subCtx, j.maxAge, j.batch)
	if err != nil {
		j.log.Warn("mirror retention failed (will retry on next interval)", slog.Any("err", err))
		return
	}

	if deleted > 0 {
		j.log.Info("mirror retention completed", slog.Int64("deleted", deleted))
	} else {
		j.log.Debug("mirror retention completed, no old documents found")
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/flash-digest/internal/acquisition"
	"github.com/DeafMist/flash-digest/internal/app"
	"github.com/DeafMist/flash-digest/internal/config"
	"github.com/DeafMist/flash-digest/internal/logger"
)

type passRunner interface {
	RunPass(ctx context.Context) acquisition.Report
}

type digestRunner interface {
	Run(ctx context.Context, start, end time.Time) (acquisition.DigestReport, error)
}

// ticker lets tests drive the schedule.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

type scheduler struct {
	log         *slog.Logger
	passes      passRunner
	digest      digestRunner
	fetchEvery  time.Duration
	digestEvery time.Duration
	newTicker   func(time.Duration) ticker
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	stack, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("build acquisition stack", slog.Any("err", err))
		os.Exit(1)
	}
	defer stack.Close()

	log.Info("worker started",
		slog.String("feed", cfg.Feed.URL),
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Duration("digest_interval", cfg.DigestInterval),
	)

	s := &scheduler{
		log:         log,
		passes:      stack.Orchestrator,
		digest:      stack.Digest,
		fetchEvery:  cfg.FetchInterval,
		digestEvery: cfg.DigestInterval,
		newTicker:   func(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} },
	}
	s.run(ctx)
	log.Info("worker stopped")
}

// run does one pass straight away, then fetches and digests on their own
// tickers until ctx is done. A digest covers the interval that just ended.
func (s *scheduler) run(ctx context.Context) {
	fetchTick := s.newTicker(s.fetchEvery)
	defer fetchTick.Stop()
	digestTick := s.newTicker(s.digestEvery)
	defer digestTick.Stop()

	s.fetchOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-fetchTick.C():
			s.fetchOnce(ctx)
		case now := <-digestTick.C():
			s.digestOnce(ctx, now)
		}
	}
}

func (s *scheduler) fetchOnce(ctx context.Context) {
	report := s.passes.RunPass(ctx)
	if report.Err != nil {
		s.log.Warn("scheduled fetch finished with error (will retry on next interval)",
			slog.Any("err", report.Err),
			slog.Int("archived", len(report.Items)),
		)
		return
	}
	s.log.Debug("scheduled fetch done",
		slog.Int("archived", len(report.Items)),
		slog.Int("pages", report.Pages),
		slog.Duration("took", report.Duration),
	)
}

func (s *scheduler) digestOnce(ctx context.Context, now time.Time) {
	report, err := s.digest.Run(ctx, now.Add(-s.digestEvery), now)
	if err != nil {
		s.log.Error("scheduled digest failed", slog.Any("err", err), slog.Int("items", report.Items))
		return
	}
	s.log.Info("scheduled digest done", slog.Int("items", report.Items), slog.Bool("sent", report.Sent))
}

// Package app assembles the acquisition stack from configuration. The worker,
// api and trigger processes share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DeafMist/flash-digest/internal/acquisition"
	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/config"
	"github.com/DeafMist/flash-digest/internal/elasticsearch"
	"github.com/DeafMist/flash-digest/internal/events"
	"github.com/DeafMist/flash-digest/internal/feed"
	"github.com/DeafMist/flash-digest/internal/fetcher"
	"github.com/DeafMist/flash-digest/internal/notify"
	"github.com/DeafMist/flash-digest/internal/summary"
)

// Stack is a wired acquisition stack.
type Stack struct {
	Archive      *archive.Store
	Orchestrator *acquisition.Orchestrator
	Digest       *acquisition.Digest
	Search       *elasticsearch.Client // nil when the mirror is disabled
	Notifier     *notify.Fanout

	closers []func()
}

// NewArchive opens the archive described by the common config.
func NewArchive(cfg config.Common, log *slog.Logger) *archive.Store {
	return archive.New(cfg.StoragePath,
		archive.WithLocation(cfg.Location),
		archive.WithRangeSlack(cfg.RangeSlack),
		archive.WithLogger(log),
	)
}

// NewSearch returns the search mirror, or nil when it is not configured.
func NewSearch(cfg config.Common, log *slog.Logger) (*elasticsearch.Client, error) {
	if cfg.ElasticsearchAddr == "" {
		return nil, nil
	}
	return elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
}

// Build wires every component named by cfg. Optional collaborators that
// fail to start are logged and left out.
func Build(ctx context.Context, cfg *config.Worker, log *slog.Logger) (*Stack, error) {
	s := &Stack{Archive: NewArchive(cfg.Common, log)}

	state, err := fetcher.NewState(ctx, s.Archive, cfg.LedgerStrategy, cfg.LedgerCapacity)
	if err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	log.Info("ledger restored",
		slog.String("strategy", string(cfg.LedgerStrategy)),
		slog.String("archive", s.Archive.Root()),
	)

	client := feed.New(feed.Config{
		URL:         cfg.Feed.URL,
		PageSize:    cfg.Feed.PageSize,
		Lang:        cfg.Feed.Lang,
		Timeout:     cfg.Feed.Timeout,
		MinSpacing:  cfg.Feed.MinSpacing,
		PreDelay:    cfg.Feed.PreDelay,
		ConnBackoff: cfg.Feed.ConnBackoff,
		UserAgents:  cfg.Feed.UserAgents,
		Referers:    cfg.Feed.Referers,
	}, log)

	f := fetcher.New(client, s.Archive, fetcher.Config{
		Interval: cfg.Feed.RequestInterval,
		Jitter:   cfg.Feed.RequestJitter,
		MaxPages: cfg.Feed.MaxPages,
	}, log)

	orchOpts := []acquisition.Option{acquisition.WithLogger(log)}
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		s.closers = append(s.closers, func() { _ = pub.Close() })
		orchOpts = append(orchOpts, acquisition.WithSinks(pub))
		log.Info("kafka sink enabled", slog.String("topic", cfg.KafkaTopic))
	}

	search, err := NewSearch(cfg.Common, log)
	switch {
	case err != nil:
		log.Warn("search mirror disabled", slog.Any("err", err))
	case search != nil:
		s.Search = search
		orchOpts = append(orchOpts, acquisition.WithSinks(search))
		log.Info("search mirror enabled", slog.String("index", cfg.ElasticsearchIndex))
	}

	s.Orchestrator = acquisition.NewOrchestrator(f, state, orchOpts...)

	s.Notifier = notify.NewFanout(log, s.destinations(cfg, log)...)
	summarizer := summary.New(summary.Config{
		BaseURL:  cfg.AI.BaseURL,
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.Model,
		Timeout:  cfg.AI.Timeout,
		Location: cfg.Location,
	}, log)
	s.Digest = acquisition.NewDigest(s.Archive, summarizer, s.Notifier, log)

	return s, nil
}

func (s *Stack) destinations(cfg *config.Worker, log *slog.Logger) []notify.Destination {
	var dests []notify.Destination
	for _, u := range cfg.Notify.WebhookURLs {
		dests = append(dests, notify.NewWebhook(notify.WebhookConfig{URL: u, Location: cfg.Location}))
	}
	if cfg.Notify.RabbitURI != "" {
		pub, err := notify.DialAMQP(cfg.Notify.RabbitURI, cfg.Notify.RabbitExchange, cfg.Notify.RabbitRoutingKey)
		if err != nil {
			log.Warn("amqp destination disabled", slog.Any("err", err))
		} else {
			s.closers = append(s.closers, pub.Close)
			dests = append(dests, pub)
		}
	}
	if len(dests) == 0 {
		log.Warn("no digest destinations configured")
	}
	return dests
}

// Close releases broker connections.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Package acquisition runs fetch passes on behalf of the schedulers and the
// manual triggers, and turns archived ranges into delivered digests.
package acquisition

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/fetcher"
	"github.com/DeafMist/flash-digest/internal/models"
)

const sinkTimeout = 30 * time.Second

// Passer runs one fetch pass.
type Passer interface {
	Fetch(ctx context.Context, st *fetcher.State) (fetcher.Result, error)
}

// Sink receives every archived batch. Sink failures never fail a pass.
type Sink interface {
	Name() string
	Publish(ctx context.Context, label archive.BatchLabel, items []models.NewsItem) error
}

// Report summarises one orchestrated pass.
type Report struct {
	Items     []models.NewsItem  `json:"items"`
	Label     archive.BatchLabel `json:"batch,omitempty"`
	Pages     int                `json:"pages"`
	Bootstrap bool               `json:"bootstrap"`
	Duration  time.Duration      `json:"duration_ns"`
	Err       error              `json:"-"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSinks adds sinks for archived batches.
func WithSinks(sinks ...Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// Orchestrator owns the fetch state and allows a single active pass.
type Orchestrator struct {
	mu    sync.Mutex
	fetch Passer
	state *fetcher.State
	sinks []Sink
	log   *slog.Logger
	now   func() time.Time
}

// NewOrchestrator creates an Orchestrator around state.
func NewOrchestrator(f Passer, st *fetcher.State, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetch: f,
		state: st,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunPass runs one pass, waiting for any pass already in progress.
func (o *Orchestrator) RunPass(ctx context.Context) Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	started := o.now()
	res, err := o.fetch.Fetch(ctx, o.state)
	report := Report{
		Items:     res.Items,
		Label:     res.Label,
		Pages:     res.Pages,
		Bootstrap: res.Bootstrap,
		Err:       err,
	}
	if err != nil {
		o.log.Warn("fetch pass failed", slog.Any("err", err), slog.Int("archived", len(res.Items)))
	}

	if len(res.Items) > 0 {
		o.publish(ctx, res.Label, res.Items)
	}

	report.Duration = o.now().Sub(started)
	return report
}

func (o *Orchestrator) publish(ctx context.Context, label archive.BatchLabel, items []models.NewsItem) {
	// Sinks run after the pass; a cancelled pass context must not drop them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	for _, s := range o.sinks {
		if err := s.Publish(ctx, label, items); err != nil {
			o.log.Warn("sink publish failed",
				slog.String("sink", s.Name()),
				slog.String("batch", string(label)),
				slog.Any("err", err),
			)
		}
	}
}

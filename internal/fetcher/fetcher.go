// Package fetcher walks the upstream feed with its cursor, keeps only items the
// ledger has not seen, and archives them as one batch per pass.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/dedupe"
	"github.com/DeafMist/flash-digest/internal/feed"
	"github.com/DeafMist/flash-digest/internal/models"
)

// AbsoluteMaxPages caps a pass even when the page limit is disabled.
const AbsoluteMaxPages = 5000

// ErrPassAborted wraps the transport or decoding error that cut a pass short.
// Whatever was accumulated before the failure has still been archived.
var ErrPassAborted = errors.New("fetch pass aborted")

// PageSource is the upstream feed.
type PageSource interface {
	Page(ctx context.Context, cursor feed.Cursor) (feed.Page, error)
	PageSize() int
}

// Archive persists accepted batches.
type Archive interface {
	Save(ctx context.Context, items []models.NewsItem) (archive.BatchLabel, error)
}

// State is the process-lifetime fetch state. It is built once at start-up
// from the archive and handed to every pass.
type State struct {
	Bootstrapped bool
	Ledger       dedupe.Ledger

	restore func(ctx context.Context) (dedupe.Ledger, error)
}

// NewState rebuilds the ledger from the archive. The first pass made with the
// returned state is a bootstrap pass. Every pass rebuilds the ledger again
// before reading the feed, so batches archived by other processes sharing
// src count as seen.
func NewState(ctx context.Context, src dedupe.Source, strategy dedupe.Strategy, capacity int) (*State, error) {
	restore := func(ctx context.Context) (dedupe.Ledger, error) {
		return dedupe.Restore(ctx, src, strategy, capacity)
	}
	ledger, err := restore(ctx)
	if err != nil {
		return nil, err
	}
	return &State{Ledger: ledger, restore: restore}, nil
}

// Refresh rebuilds the ledger from the archive. A State built by hand has
// nothing to refresh from and keeps its ledger.
func (st *State) Refresh(ctx context.Context) error {
	if st.restore == nil {
		return nil
	}
	ledger, err := st.restore(ctx)
	if err != nil {
		return fmt.Errorf("refresh ledger: %w", err)
	}
	st.Ledger = ledger
	return nil
}

// Config controls pacing and the page guard of a pass.
type Config struct {
	Interval time.Duration // wait between two pages of the same pass
	Jitter   time.Duration // extra random wait on top of Interval
	MaxPages int           // pages per pass; -1 disables the limit up to AbsoluteMaxPages
}

// Result describes one pass.
type Result struct {
	Items     []models.NewsItem // newly archived items, newest first
	Label     archive.BatchLabel
	Pages     int
	Bootstrap bool
	Aborted   error // cause of an early stop, nil when the feed was drained
}

// Fetcher runs passes. It is not safe for concurrent passes on the same State.
type Fetcher struct {
	src     PageSource
	archive Archive
	cfg     Config
	log     *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates a Fetcher.
func New(src PageSource, store Archive, cfg Config, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = -1
	}
	return &Fetcher{
		src:     src,
		archive: store,
		cfg:     cfg,
		log:     log,
		sleep:   feed.Sleep,
		jitter:  feed.Jitter,
	}
}

// Fetch runs one pass and returns the items it archived.
//
// The first pass on a fresh State reads a single head page only. Later passes
// follow the cursor until a page yields fewer new items than the page size.
// A failed request stops the pass; items gathered so far are still archived
// and the error is returned wrapped in ErrPassAborted. If the archive write
// fails nothing is recorded in the ledger, so the next pass sees the same
// items as new again. A pass that cannot rebuild its ledger from the archive
// reads nothing.
func (f *Fetcher) Fetch(ctx context.Context, st *State) (Result, error) {
	res := Result{Bootstrap: !st.Bootstrapped}
	if err := st.Refresh(ctx); err != nil {
		return res, err
	}
	pageSize := f.src.PageSize()

	limit := f.cfg.MaxPages
	if limit < 0 || limit > AbsoluteMaxPages {
		limit = AbsoluteMaxPages
	}
	if res.Bootstrap {
		limit = 1
	}

	var (
		acc    []models.NewsItem
		cursor feed.Cursor
		abort  error
	)
	inPass := make(map[models.ItemID]struct{})

	for {
		if res.Pages >= limit {
			if !res.Bootstrap {
				f.log.Warn("page limit reached, stopping pass", slog.Int("pages", res.Pages))
			}
			break
		}

		page, err := f.src.Page(ctx, cursor)
		if err != nil {
			abort = err
			f.log.Error("fetch page failed",
				slog.Any("err", err),
				slog.Int("page", res.Pages+1),
				slog.Int("accumulated", len(acc)),
			)
			break
		}
		res.Pages++

		fresh := make([]models.NewsItem, 0, len(page.Items))
		for _, item := range st.Ledger.Filter(page.Items) {
			if item.ID == "" {
				f.log.Warn("skip item without id", slog.String("title", item.Title))
				continue
			}
			if _, dup := inPass[item.ID]; dup {
				continue
			}
			inPass[item.ID] = struct{}{}
			fresh = append(fresh, item)
		}
		acc = append(acc, fresh...)

		f.log.Debug("page fetched",
			slog.Int("page", res.Pages),
			slog.Int("received", len(page.Items)),
			slog.Int("new", len(fresh)),
		)

		if len(fresh) < pageSize {
			break
		}
		if page.HasMore != nil && !*page.HasMore {
			break
		}
		if page.Cursor == "" || page.Cursor == cursor {
			f.log.Warn("upstream returned no usable cursor, stopping pass", slog.String("cursor", string(page.Cursor)))
			break
		}
		cursor = page.Cursor

		if err := f.sleep(ctx, f.cfg.Interval+f.jitter(f.cfg.Jitter)); err != nil {
			abort = err
			break
		}
	}

	if len(acc) > 0 {
		// A cancelled pass still keeps what it already downloaded.
		label, err := f.archive.Save(context.WithoutCancel(ctx), acc)
		if err != nil {
			f.log.Error("archive batch failed", slog.Any("err", err), slog.Int("items", len(acc)))
			res.Aborted = abort
			return res, fmt.Errorf("persist batch: %w", err)
		}
		st.Ledger.Record(acc)
		res.Items = acc
		res.Label = label
	}

	if abort != nil {
		res.Aborted = abort
		return res, fmt.Errorf("%w: %w", ErrPassAborted, abort)
	}

	if res.Bootstrap {
		st.Bootstrapped = true
	}
	f.log.Info("fetch pass finished",
		slog.Bool("bootstrap", res.Bootstrap),
		slog.Int("pages", res.Pages),
		slog.Int("new_items", len(res.Items)),
	)
	return res, nil
}

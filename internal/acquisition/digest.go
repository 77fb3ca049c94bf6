package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/DeafMist/flash-digest/internal/models"
	"github.com/DeafMist/flash-digest/internal/notify"
)

// ErrInvalidRange is returned when end is before start.
var ErrInvalidRange = errors.New("end time is before start time")

// Ranger reads archived items with start <= time < end.
type Ranger interface {
	Range(ctx context.Context, start, end time.Time) ([]models.NewsItem, error)
}

// Summarizer turns items into digest text. It never fails.
type Summarizer interface {
	Summarize(ctx context.Context, items []models.NewsItem) string
}

// Notifier delivers a digest.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

// DigestReport describes one digest run.
type DigestReport struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Items   int       `json:"items"`
	Sent    bool      `json:"sent"`
	Summary string    `json:"summary,omitempty"`
}

// Digest summarises an archived window and delivers the result.
type Digest struct {
	archive  Ranger
	summary  Summarizer
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// NewDigest creates a Digest. A nil logger discards output.
func NewDigest(archive Ranger, s Summarizer, n Notifier, log *slog.Logger) *Digest {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Digest{archive: archive, summary: s, notifier: n, log: log, now: time.Now}
}

// Run digests [start, end). An empty window sends nothing.
func (d *Digest) Run(ctx context.Context, start, end time.Time) (DigestReport, error) {
	report := DigestReport{Start: start, End: end}
	if end.Before(start) {
		return report, ErrInvalidRange
	}

	items, err := d.archive.Range(ctx, start, end)
	if err != nil {
		return report, fmt.Errorf("read archive range: %w", err)
	}
	report.Items = len(items)
	if len(items) == 0 {
		d.log.Info("no news in window, digest skipped",
			slog.Time("start", start),
			slog.Time("end", end),
		)
		return report, nil
	}

	report.Summary = d.summary.Summarize(ctx, items)
	if err := d.notifier.Notify(ctx, notify.Message{Start: start, End: end, Text: report.Summary}); err != nil {
		return report, fmt.Errorf("deliver digest: %w", err)
	}
	report.Sent = true

	d.log.Info("digest delivered", slog.Int("items", len(items)), slog.Time("start", start), slog.Time("end", end))
	return report, nil
}

// LastHour digests the hour ending now.
func (d *Digest) LastHour(ctx context.Context) (DigestReport, error) {
	end := d.now()
	return d.Run(ctx, end.Add(-time.Hour), end)
}

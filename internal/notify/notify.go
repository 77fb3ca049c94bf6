// Package notify delivers digests to chat webhooks and message brokers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrNoDestinations is returned by a Fanout with nothing configured.
var ErrNoDestinations = errors.New("notify: no destinations configured")

const headerLayout = "2006-01-02 15:04:05"

// Message is one digest covering [Start, End).
type Message struct {
	Start time.Time
	End   time.Time
	Text  string
}

// Render returns the text delivered to chat destinations: a header naming
// the covered window followed by the digest body.
func (m Message) Render(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("News digest %s ~ %s\n\n%s",
		m.Start.In(loc).Format(headerLayout),
		m.End.In(loc).Format(headerLayout),
		m.Text,
	)
}

// Destination is a single delivery target.
type Destination interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Fanout sends a message to every destination.
type Fanout struct {
	dests []Destination
	log   *slog.Logger
}

// NewFanout creates a Fanout. A nil logger discards output.
func NewFanout(log *slog.Logger, dests ...Destination) *Fanout {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fanout{dests: dests, log: log}
}

// Len returns the number of configured destinations.
func (f *Fanout) Len() int { return len(f.dests) }

// Notify succeeds when at least one destination accepted the message.
func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	if len(f.dests) == 0 {
		return ErrNoDestinations
	}

	var errs []error
	delivered := 0
	for _, d := range f.dests {
		if err := d.Send(ctx, msg); err != nil {
			f.log.Warn("digest delivery failed", slog.String("destination", d.Name()), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		delivered++
		f.log.Info("digest delivered", slog.String("destination", d.Name()))
	}

	if delivered == 0 {
		return fmt.Errorf("notify: every destination failed: %w", errors.Join(errs...))
	}
	return nil
}

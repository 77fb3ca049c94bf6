// Package dedupe tracks which upstream items have already been archived.
package dedupe

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/DeafMist/flash-digest/internal/models"
)

// Strategy names a ledger implementation.
type Strategy string

const (
	// StrategyLastID remembers only the newest archived id. Valid for a pure
	// newest-first append-only feed.
	StrategyLastID Strategy = "lastid"
	// StrategySeenSet remembers a bounded set of recent ids.
	StrategySeenSet Strategy = "seenset"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StrategyLastID:
		return StrategyLastID, nil
	case StrategySeenSet:
		return StrategySeenSet, nil
	default:
		return "", fmt.Errorf("unknown ledger strategy %q", raw)
	}
}

// Ledger decides which items of a page are new.
//
// Filter must not change the ledger and must keep the input order of the
// surviving items. Record is called only once the items are safely archived.
type Ledger interface {
	Filter(page []models.NewsItem) []models.NewsItem
	Record(items []models.NewsItem)
	Strategy() Strategy
}

// Accept filters page and records the survivors in one step. Running the same
// page through Accept twice yields nothing the second time.
func Accept(l Ledger, page []models.NewsItem) []models.NewsItem {
	fresh := l.Filter(page)
	if len(fresh) > 0 {
		l.Record(fresh)
	}
	return fresh
}

// LastID is the positional ledger: everything ahead of the last archived id in
// a newest-first page is new, everything from it onwards is known.
type LastID struct {
	mu sync.RWMutex
	id models.ItemID
}

// NewLastID returns a ledger seeded with id; an empty id treats every page as new.
func NewLastID(id models.ItemID) *LastID {
	return &LastID{id: id}
}

// ID returns the last archived id.
func (l *LastID) ID() models.ItemID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.id
}

// Strategy implements Ledger.
func (l *LastID) Strategy() Strategy { return StrategyLastID }

// Filter implements Ledger. When the last id is not on the page the whole
// page is new; older pages are reached by walking the cursor.
func (l *LastID) Filter(page []models.NewsItem) []models.NewsItem {
	last := l.ID()
	if last == "" {
		return clone(page)
	}
	for i, item := range page {
		if item.ID == last {
			return clone(page[:i])
		}
	}
	return clone(page)
}

func clone(items []models.NewsItem) []models.NewsItem {
	out := make([]models.NewsItem, len(items))
	copy(out, items)
	return out
}

// Record implements Ledger. items are newest first, so the head becomes the mark.
func (l *LastID) Record(items []models.NewsItem) {
	if len(items) == 0 {
		return
	}
	l.mu.Lock()
	l.id = items[0].ID
	l.mu.Unlock()
}

// Source is the part of the archive a ledger is rebuilt from.
type Source interface {
	Latest(ctx context.Context) (*models.NewsItem, error)
	Tail(ctx context.Context, limit int) ([]models.NewsItem, error)
}

// Restore rebuilds a ledger from archived data alone, so a restarted process
// neither replays nor skips items.
func Restore(ctx context.Context, src Source, strategy Strategy, capacity int) (Ledger, error) {
	switch strategy {
	case StrategySeenSet:
		set := NewSeenSet(capacity, 0)
		tail, err := src.Tail(ctx, capacity)
		if err != nil {
			return nil, fmt.Errorf("seed seen set: %w", err)
		}
		set.Record(tail)
		return set, nil
	case StrategyLastID, "":
		latest, err := src.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed last id: %w", err)
		}
		if latest == nil {
			return NewLastID(""), nil
		}
		return NewLastID(latest.ID), nil
	default:
		return nil, fmt.Errorf("unknown ledger strategy %q", strategy)
	}
}

package dedupe

import (
	"sync"
	"time"

	"github.com/DeafMist/flash-digest/internal/models"
)

type entry struct {
	id  models.ItemID
	ts  time.Time
	seq uint64
}

// SeenSet remembers a bounded number of recently archived item ids.
// It suits feeds that may reorder or backfill items near the head.
type SeenSet struct {
	mu       sync.Mutex
	items    map[models.ItemID]entry
	order    []entry
	seq      uint64
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// NewSeenSet creates a set holding at most capacity ids. A positive ttl also
// forgets ids older than ttl; zero keeps them until evicted by capacity.
func NewSeenSet(capacity int, ttl time.Duration) *SeenSet {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl < 0 {
		ttl = 0
	}
	return &SeenSet{
		items:    make(map[models.ItemID]entry, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Strategy implements Ledger.
func (c *SeenSet) Strategy() Strategy { return StrategySeenSet }

// Contains reports whether id is currently remembered.
func (c *SeenSet) Contains(id models.ItemID) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[id]
	if !ok {
		return false
	}
	return !c.expired(e.ts, now)
}

// Len returns the number of remembered ids.
func (c *SeenSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Filter implements Ledger. Items whose id is remembered are dropped.
func (c *SeenSet) Filter(page []models.NewsItem) []models.NewsItem {
	out := make([]models.NewsItem, 0, len(page))
	for _, item := range page {
		if !c.Contains(item.ID) {
			out = append(out, item)
		}
	}
	return out
}

// Record implements Ledger. Items are remembered oldest first so that the
// newest ids are the last ones evicted.
func (c *SeenSet) Record(items []models.NewsItem) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		c.seq++
		e := entry{id: items[i].ID, ts: now, seq: c.seq}
		c.items[e.id] = e
		c.order = append(c.order, e)
	}
	c.compact(now)
}

func (c *SeenSet) compact(now time.Time) {
	for len(c.order) > 0 && (len(c.items) > c.capacity || c.expired(c.order[0].ts, now)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		if e, ok := c.items[oldest.id]; ok && e.seq == oldest.seq {
			delete(c.items, oldest.id)
		}
	}
}

func (c *SeenSet) expired(ts, now time.Time) bool {
	return c.ttl > 0 && now.Sub(ts) > c.ttl
}

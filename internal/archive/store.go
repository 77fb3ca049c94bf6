// Package archive keeps fetched news batches on disk, partitioned by the
// calendar date of the moment they were archived.
//
// Layout: <root>/YYYY/MM/DD/news_YYYY-MM-DD_HH-mm-ss[_NNN].json, one JSON
// array of items per file. File names sort lexicographically in archival order.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DeafMist/flash-digest/internal/models"
)

const (
	filePrefix  = "news_"
	fileSuffix  = ".json"
	stampLayout = "2006-01-02_15-04-05"
	maxSequence = 999
)

// ErrEmptyBatch is returned by Save when there is nothing to persist.
var ErrEmptyBatch = errors.New("archive: empty batch")

// BatchLabel identifies a stored batch by its path relative to the store root.
type BatchLabel string

// Store is the append-only batch archive.
type Store struct {
	root  string
	loc   *time.Location
	slack time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithLocation sets the time zone used to derive partition keys and file names.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRangeSlack widens the archival window scanned by Range below its start.
// It bounds how far an item's own time may run ahead of the archival clock.
func WithRangeSlack(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.slack = d
		}
	}
}

// WithLogger sets the logger used for skipped files and saves.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the archival clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store rooted at root. The directory is created lazily on first Save.
func New(root string, opts ...Option) *Store {
	s := &Store{
		root:  root,
		loc:   time.UTC,
		slack: 24 * time.Hour,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the archive directory.
func (s *Store) Root() string { return s.root }

// Save writes items as one immutable batch named after the current instant.
// The file appears atomically: readers never observe a partially written batch.
func (s *Store) Save(ctx context.Context, items []models.NewsItem) (BatchLabel, error) {
	if len(items) == 0 {
		return "", ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	payload, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal batch: %w", err)
	}

	archivedAt := s.now().In(s.loc)
	dir := s.partitionDir(archivedAt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: create partition %s: %w", dir, err)
	}

	name, err := publishFile(dir, filePrefix+archivedAt.Format(stampLayout), payload)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.root, filepath.Join(dir, name))
	if err != nil {
		rel = filepath.Join(dir, name)
	}
	label := BatchLabel(filepath.ToSlash(rel))
	s.log.Info("batch archived", slog.String("batch", string(label)), slog.Int("items", len(items)))
	return label, nil
}

// linkFile is swapped in tests to emulate filesystems without hard links.
var linkFile = os.Link

// publishFile writes payload to a temp file and hard-links it under the first
// free name derived from base. Linking never replaces an existing batch. Where
// hard links are unsupported the name is reserved with O_EXCL and the temp
// file renamed over the reservation.
func publishFile(dir, base string, payload []byte) (string, error) {
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("archive: create temp file: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := f.Write(payload); err != nil {
		f.Close()
		return "", fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("archive: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("archive: close temp file: %w", err)
	}

	for seq := 0; seq <= maxSequence; seq++ {
		name := base + fileSuffix
		if seq > 0 {
			name = fmt.Sprintf("%s_%03d%s", base, seq, fileSuffix)
		}
		target := filepath.Join(dir, name)

		linkErr := linkFile(tmp, target)
		if linkErr == nil {
			return name, nil
		}
		if errors.Is(linkErr, fs.ErrExist) {
			continue
		}

		placed, err := renameExclusive(tmp, target)
		if err != nil {
			return "", fmt.Errorf("archive: publish %s: %w (link: %v)", name, err, linkErr)
		}
		if placed {
			return name, nil
		}
	}
	return "", fmt.Errorf("archive: more than %d batches within one second for %s", maxSequence, base)
}

// renameExclusive moves tmp to target unless target already exists.
func renameExclusive(tmp, target string) (bool, error) {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(target)
		return false, err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(target)
		return false, err
	}
	return true, nil
}

// Latest returns the first item of the most recently archived non-empty batch,
// or nil when the archive holds nothing readable.
func (s *Store) Latest(ctx context.Context) (*models.NewsItem, error) {
	var latest *models.NewsItem
	err := s.walkNewestFirst(ctx, func(items []models.NewsItem) bool {
		if len(items) == 0 {
			return false
		}
		item := items[0]
		latest = &item
		return true
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// Tail returns up to limit items from the most recent batches, newest batch first.
func (s *Store) Tail(ctx context.Context, limit int) ([]models.NewsItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]models.NewsItem, 0, limit)
	err := s.walkNewestFirst(ctx, func(items []models.NewsItem) bool {
		out = append(out, items...)
		return len(out) >= limit
	})
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// walkNewestFirst visits readable batches from the newest partition backwards
// until visit returns true.
func (s *Store) walkNewestFirst(ctx context.Context, visit func([]models.NewsItem) bool) error {
	years, err := listNumeric(s.root, 4)
	if err != nil {
		return err
	}
	for i := len(years) - 1; i >= 0; i-- {
		yearDir := filepath.Join(s.root, years[i])
		months, err := listNumeric(yearDir, 2)
		if err != nil {
			return err
		}
		for j := len(months) - 1; j >= 0; j-- {
			monthDir := filepath.Join(yearDir, months[j])
			days, err := listNumeric(monthDir, 2)
			if err != nil {
				return err
			}
			for k := len(days) - 1; k >= 0; k-- {
				dayDir := filepath.Join(monthDir, days[k])
				files, err := listBatches(dayDir)
				if err != nil {
					return err
				}
				for f := len(files) - 1; f >= 0; f-- {
					if err := ctx.Err(); err != nil {
						return err
					}
					items, ok := s.readBatch(filepath.Join(dayDir, files[f]))
					if !ok {
						continue
					}
					if visit(items) {
						return nil
					}
				}
			}
		}
	}
	return nil
}

// Range returns archived items whose own time lies in [start, end), newest first.
// A batch is never archived before its items were published, so only batches
// stamped at or after start minus the slack are opened. Late batches are
// always read, however long after their items they were archived.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]models.NewsItem, error) {
	if !end.After(start) {
		return []models.NewsItem{}, nil
	}

	lo := start.Add(-s.slack).In(s.loc)
	loStamp := lo.Truncate(time.Second)

	dirs, err := s.partitionsSince(startOfDay(lo))
	if err != nil {
		return nil, err
	}

	out := make([]models.NewsItem, 0)
	scanned := 0
	for _, dir := range dirs {
		files, err := listBatches(dir)
		if err != nil {
			return nil, err
		}
		for _, name := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			stamp, ok := s.parseStamp(name)
			if !ok || stamp.Before(loStamp) {
				continue
			}
			items, ok := s.readBatch(filepath.Join(dir, name))
			if !ok {
				continue
			}
			scanned++
			for _, item := range items {
				ts := item.Timestamp()
				if !ts.Before(start) && ts.Before(end) {
					out = append(out, item)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	s.log.Debug("range query",
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("batches", scanned),
		slog.Int("items", len(out)),
	)
	return out, nil
}

// Prune deletes every day partition dated strictly before the calendar date of
// before, then drops month and year directories left empty. It returns the
// number of batch files removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	cutoff := startOfDay(before.In(s.loc))
	removed := 0

	years, err := listNumeric(s.root, 4)
	if err != nil {
		return 0, err
	}
	for _, y := range years {
		yearDir := filepath.Join(s.root, y)
		months, err := listNumeric(yearDir, 2)
		if err != nil {
			return removed, err
		}
		for _, m := range months {
			monthDir := filepath.Join(yearDir, m)
			days, err := listNumeric(monthDir, 2)
			if err != nil {
				return removed, err
			}
			for _, d := range days {
				if err := ctx.Err(); err != nil {
					return removed, err
				}
				day, ok := s.partitionDate(y, m, d)
				if !ok || !day.Before(cutoff) {
					continue
				}
				dayDir := filepath.Join(monthDir, d)
				files, err := listBatches(dayDir)
				if err != nil {
					return removed, err
				}
				if err := os.RemoveAll(dayDir); err != nil {
					return removed, fmt.Errorf("archive: remove partition %s: %w", dayDir, err)
				}
				removed += len(files)
				s.log.Info("partition pruned", slog.String("partition", dayDir), slog.Int("batches", len(files)))
			}
			removeIfEmpty(monthDir)
		}
		removeIfEmpty(yearDir)
	}
	return removed, nil
}

// partitionsSince lists existing day partitions dated on or after from, oldest first.
func (s *Store) partitionsSince(from time.Time) ([]string, error) {
	var dirs []string
	years, err := listNumeric(s.root, 4)
	if err != nil {
		return nil, err
	}
	for _, y := range years {
		if yr, _ := strconv.Atoi(y); yr < from.Year() {
			continue
		}
		yearDir := filepath.Join(s.root, y)
		months, err := listNumeric(yearDir, 2)
		if err != nil {
			return nil, err
		}
		for _, m := range months {
			monthDir := filepath.Join(yearDir, m)
			days, err := listNumeric(monthDir, 2)
			if err != nil {
				return nil, err
			}
			for _, d := range days {
				day, ok := s.partitionDate(y, m, d)
				if !ok || day.Before(from) {
					continue
				}
				dirs = append(dirs, filepath.Join(monthDir, d))
			}
		}
	}
	return dirs, nil
}

func (s *Store) partitionDir(ts time.Time) string {
	return filepath.Join(s.root,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
	)
}

func (s *Store) partitionDate(y, m, d string) (time.Time, bool) {
	year, err1 := strconv.Atoi(y)
	month, err2 := strconv.Atoi(m)
	day, err3 := strconv.Atoi(d)
	if err1 != nil || err2 != nil || err3 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, s.loc), true
}

// parseStamp extracts the archival instant encoded in a batch file name.
func (s *Store) parseStamp(name string) (time.Time, bool) {
	stem := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if len(stem) < len(stampLayout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(stampLayout, stem[:len(stampLayout)], s.loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (s *Store) readBatch(path string) ([]models.NewsItem, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn("skip unreadable batch", slog.String("file", path), slog.Any("err", err))
		return nil, false
	}
	if len(data) == 0 {
		// a name reserved by a rename publish that has not landed yet
		return nil, false
	}
	var items []models.NewsItem
	if err := json.Unmarshal(data, &items); err != nil {
		s.log.Warn("skip corrupt batch", slog.String("file", path), slog.Any("err", err))
		return nil, false
	}
	return items, true
}

func startOfDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// listNumeric returns sorted names of sub-directories made of exactly width digits.
// A missing directory yields no names.
func listNumeric(dir string, width int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: list %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) == width && isDigits(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// listBatches returns sorted batch file names in a day partition.
func listBatches(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: list %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

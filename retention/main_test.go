package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/models"
)

type fakeMirror struct {
	maxAge time.Duration
	batch  int
	err    error
}

func (f *fakeMirror) DeleteOlderThan(_ context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	f.maxAge, f.batch = maxAge, batchSize
	return 4, f.err
}

func TestRunOncePrunesArchiveAndMirror(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	old := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{old, recent} {
		store := archive.New(dir, archive.WithClock(func() time.Time { return at }))
		_, err := store.Save(ctx, []models.NewsItem{{ID: models.ItemID(at.Format("0102")), Time: models.FromTime(at)}})
		require.NoError(t, err)
	}

	var logs bytes.Buffer
	mirror := &fakeMirror{}
	j := &job{
		log:     slog.New(slog.NewTextHandler(&logs, nil)),
		archive: archive.New(dir),
		mirror:  mirror,
		maxAge:  7 * 24 * time.Hour,
		batch:   50,
		now:     func() time.Time { return recent.Add(time.Hour) },
	}
	j.runOnce(ctx)

	tail, err := archive.New(dir).Tail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, models.ItemID("0301"), tail[0].ID)

	require.Equal(t, 7*24*time.Hour, mirror.maxAge)
	require.Equal(t, 50, mirror.batch)
	require.Contains(t, logs.String(), "mirror retention completed")
}

func TestRunOnceWithoutMirror(t *testing.T) {
	var logs bytes.Buffer
	j := &job{
		log:     slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		archive: archive.New(t.TempDir()),
		maxAge:  time.Hour,
		now:     time.Now,
	}
	j.runOnce(context.Background())
	require.Contains(t, logs.String(), "nothing to remove")
}

func TestRunOnceMirrorFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	j := &job{
		log:     slog.New(slog.NewTextHandler(&logs, nil)),
		archive: archive.New(t.TempDir()),
		mirror:  &fakeMirror{err: errors.New("cluster red")},
		maxAge:  time.Hour,
		now:     time.Now,
	}
	j.runOnce(context.Background())
	require.Contains(t, logs.String(), "cluster red")
}

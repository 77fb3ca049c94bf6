package dedupe_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/flash-digest/internal/dedupe"
	"github.com/DeafMist/flash-digest/internal/models"
)

func TestLastIDFilter(t *testing.T) {
	tests := []struct {
		name string
		last models.ItemID
		page []models.NewsItem
		want []models.NewsItem
	}{
		{name: "empty ledger keeps page", last: "", page: news("3", "2", "1"), want: news("3", "2", "1")},
		{name: "prefix before last id", last: "2", page: news("5", "4", "3", "2", "1"), want: news("5", "4", "3")},
		{name: "last id on top", last: "5", page: news("5", "4"), want: news()},
		{name: "last id missing keeps page", last: "9", page: news("5", "4"), want: news("5", "4")},
		{name: "empty page", last: "1", page: news(), want: news()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := dedupe.NewLastID(tt.last)
			got := l.Filter(tt.page)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.last, l.ID(), "filter must not move the mark")
		})
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	ledgers := map[string]dedupe.Ledger{
		"lastid":  dedupe.NewLastID("1"),
		"seenset": dedupe.NewSeenSet(100, 0),
	}
	page := news("4", "3", "2", "1")

	for name, l := range ledgers {
		t.Run(name, func(t *testing.T) {
			first := dedupe.Accept(l, page)
			require.NotEmpty(t, first)
			require.Empty(t, dedupe.Accept(l, page))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := dedupe.ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, dedupe.StrategyLastID, s)

	s, err = dedupe.ParseStrategy(" SeenSet ")
	require.NoError(t, err)
	require.Equal(t, dedupe.StrategySeenSet, s)

	_, err = dedupe.ParseStrategy("bloom")
	require.Error(t, err)
}

type fakeSource struct {
	latest *models.NewsItem
	tail   []models.NewsItem
	err    error
}

func (f fakeSource) Latest(context.Context) (*models.NewsItem, error) { return f.latest, f.err }

func (f fakeSource) Tail(_ context.Context, limit int) ([]models.NewsItem, error) {
	if len(f.tail) > limit {
		return f.tail[:limit], f.err
	}
	return f.tail, f.err
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	src := fakeSource{latest: &models.NewsItem{ID: "7"}, tail: news("7", "6", "5")}

	l, err := dedupe.Restore(ctx, src, dedupe.StrategyLastID, 10)
	require.NoError(t, err)
	require.Equal(t, news("9", "8"), l.Filter(news("9", "8", "7", "6")))

	l, err = dedupe.Restore(ctx, src, dedupe.StrategySeenSet, 10)
	require.NoError(t, err)
	require.Equal(t, news("8"), l.Filter(news("8", "7", "5")))

	l, err = dedupe.Restore(ctx, fakeSource{}, dedupe.StrategyLastID, 10)
	require.NoError(t, err)
	require.Equal(t, news("1"), l.Filter(news("1")))

	_, err = dedupe.Restore(ctx, fakeSource{err: errors.New("disk gone")}, dedupe.StrategyLastID, 10)
	require.Error(t, err)
}

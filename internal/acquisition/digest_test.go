package acquisition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/models"
	"github.com/DeafMist/flash-digest/internal/notify"
)

type mockSummarizer struct {
	mock.Mock
}

func (m *mockSummarizer) Summarize(ctx context.Context, items []models.NewsItem) string {
	return m.Called(ctx, items).String(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

var (
	hourStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hourEnd   = hourStart.Add(time.Hour)
)

func seededArchive(t *testing.T) *archive.Store {
	t.Helper()
	store := archive.New(t.TempDir(), archive.WithClock(func() time.Time { return hourEnd.Add(time.Minute) }))
	_, err := store.Save(context.Background(), []models.NewsItem{
		{ID: "3", Time: models.FromTime(hourEnd), Title: "next hour"},
		{ID: "2", Time: models.FromTime(hourStart.Add(30 * time.Minute)), Title: "inside"},
		{ID: "1", Time: models.FromTime(hourStart), Title: "at start"},
	})
	require.NoError(t, err)
	return store
}

func TestDigestSummarisesWindowAndNotifies(t *testing.T) {
	sum := &mockSummarizer{}
	n := &mockNotifier{}
	d := NewDigest(seededArchive(t), sum, n, nil)

	sum.On("Summarize", mock.Anything, mock.MatchedBy(func(items []models.NewsItem) bool {
		return len(items) == 2 && items[0].ID == "2" && items[1].ID == "1"
	})).Return("two things happened").Once()
	n.On("Notify", mock.Anything, notify.Message{Start: hourStart, End: hourEnd, Text: "two things happened"}).Return(nil).Once()

	report, err := d.Run(context.Background(), hourStart, hourEnd)
	require.NoError(t, err)
	require.True(t, report.Sent)
	require.Equal(t, 2, report.Items)
	sum.AssertExpectations(t)
	n.AssertExpectations(t)
}

func TestDigestEmptyWindowSendsNothing(t *testing.T) {
	sum := &mockSummarizer{}
	n := &mockNotifier{}
	d := NewDigest(seededArchive(t), sum, n, nil)

	report, err := d.Run(context.Background(), hourStart.Add(-3*time.Hour), hourStart.Add(-2*time.Hour))
	require.NoError(t, err)
	require.False(t, report.Sent)
	require.Zero(t, report.Items)
	sum.AssertNotCalled(t, "Summarize", mock.Anything, mock.Anything)
	n.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestDigestNotifierFailureIsReturned(t *testing.T) {
	sum := &mockSummarizer{}
	n := &mockNotifier{}
	d := NewDigest(seededArchive(t), sum, n, nil)

	sum.On("Summarize", mock.Anything, mock.Anything).Return("text")
	n.On("Notify", mock.Anything, mock.Anything).Return(notify.ErrNoDestinations)

	report, err := d.Run(context.Background(), hourStart, hourEnd)
	require.ErrorIs(t, err, notify.ErrNoDestinations)
	require.False(t, report.Sent)
	require.Equal(t, "text", report.Summary)
}

func TestDigestRejectsInvertedRange(t *testing.T) {
	d := NewDigest(seededArchive(t), &mockSummarizer{}, &mockNotifier{}, nil)
	_, err := d.Run(context.Background(), hourEnd, hourStart)
	require.True(t, errors.Is(err, ErrInvalidRange))
}

func TestDigestLastHourUsesClock(t *testing.T) {
	sum := &mockSummarizer{}
	n := &mockNotifier{}
	d := NewDigest(seededArchive(t), sum, n, nil)
	d.now = func() time.Time { return hourEnd }

	sum.On("Summarize", mock.Anything, mock.Anything).Return("ok")
	n.On("Notify", mock.Anything, mock.Anything).Return(nil)

	report, err := d.LastHour(context.Background())
	require.NoError(t, err)
	require.Equal(t, hourStart, report.Start)
	require.Equal(t, 2, report.Items)
}

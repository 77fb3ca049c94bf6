package acquisition

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/dedupe"
	"github.com/DeafMist/flash-digest/internal/fetcher"
	"github.com/DeafMist/flash-digest/internal/models"
)

type mockPasser struct {
	mock.Mock
}

func (m *mockPasser) Fetch(ctx context.Context, st *fetcher.State) (fetcher.Result, error) {
	args := m.Called(ctx, st)
	return args.Get(0).(fetcher.Result), args.Error(1)
}

type mockSink struct {
	mock.Mock
	name string
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Publish(ctx context.Context, label archive.BatchLabel, items []models.NewsItem) error {
	return m.Called(ctx, label, items).Error(0)
}

type OrchestratorSuite struct {
	suite.Suite

	passer *mockPasser
	kafka  *mockSink
	search *mockSink
	state  *fetcher.State
	logBuf *bytes.Buffer

	orch *Orchestrator
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.passer = &mockPasser{}
	s.kafka = &mockSink{name: "kafka"}
	s.search = &mockSink{name: "elasticsearch"}
	s.state = &fetcher.State{Ledger: dedupe.NewLastID("")}
	s.logBuf = &bytes.Buffer{}

	s.orch = NewOrchestrator(s.passer, s.state,
		WithSinks(s.kafka, s.search),
		WithLogger(slog.New(slog.NewTextHandler(s.logBuf, nil))),
	)

	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.orch.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
}

func items(idList ...string) []models.NewsItem {
	out := make([]models.NewsItem, 0, len(idList))
	for _, id := range idList {
		out = append(out, models.NewsItem{ID: models.ItemID(id)})
	}
	return out
}

func (s *OrchestratorSuite) TestPassPublishesToEverySink() {
	got := items("2", "1")
	s.passer.On("Fetch", mock.Anything, s.state).
		Return(fetcher.Result{Items: got, Label: "b.json", Pages: 1}, nil).Once()
	s.kafka.On("Publish", mock.Anything, archive.BatchLabel("b.json"), got).Return(nil).Once()
	s.search.On("Publish", mock.Anything, archive.BatchLabel("b.json"), got).Return(nil).Once()

	report := s.orch.RunPass(context.Background())

	s.Require().NoError(report.Err)
	s.Require().Equal(got, report.Items)
	s.Require().Equal(archive.BatchLabel("b.json"), report.Label)
	s.Require().Equal(time.Second, report.Duration)
	s.passer.AssertExpectations(s.T())
	s.kafka.AssertExpectations(s.T())
	s.search.AssertExpectations(s.T())
}

func (s *OrchestratorSuite) TestSinkFailureDoesNotFailPass() {
	got := items("1")
	s.passer.On("Fetch", mock.Anything, s.state).Return(fetcher.Result{Items: got, Label: "b.json"}, nil)
	s.kafka.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	s.search.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	report := s.orch.RunPass(context.Background())

	s.Require().NoError(report.Err)
	s.Require().Len(report.Items, 1)
	s.Require().Contains(s.logBuf.String(), "sink publish failed")
	s.search.AssertExpectations(s.T())
}

func (s *OrchestratorSuite) TestNothingNewSkipsSinks() {
	s.passer.On("Fetch", mock.Anything, s.state).Return(fetcher.Result{Pages: 1}, nil)

	report := s.orch.RunPass(context.Background())

	s.Require().NoError(report.Err)
	s.Require().Empty(report.Items)
	s.kafka.AssertNotCalled(s.T(), "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func (s *OrchestratorSuite) TestAbortedPassStillPublishesArchivedItems() {
	got := items("1")
	passErr := errors.New("fetch pass aborted: timeout")
	s.passer.On("Fetch", mock.Anything, s.state).Return(fetcher.Result{Items: got, Label: "b.json"}, passErr)
	s.kafka.On("Publish", mock.Anything, mock.Anything, got).Return(nil).Once()
	s.search.On("Publish", mock.Anything, mock.Anything, got).Return(nil).Once()

	report := s.orch.RunPass(context.Background())

	s.Require().ErrorIs(report.Err, passErr)
	s.kafka.AssertExpectations(s.T())
}

type slowPasser struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (p *slowPasser) Fetch(context.Context, *fetcher.State) (fetcher.Result, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		cur := p.maxSeen.Load()
		if n <= cur || p.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return fetcher.Result{}, nil
}

func (s *OrchestratorSuite) TestSingleActivePass() {
	p := &slowPasser{}
	orch := NewOrchestrator(p, s.state)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.RunPass(context.Background())
		}()
	}
	wg.Wait()

	s.Require().EqualValues(1, p.maxSeen.Load())
}

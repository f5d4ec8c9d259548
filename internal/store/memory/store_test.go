package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	st    *Store
	day   time.Time
	start time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.st = New()
	s.start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s.day = models.IssueDay(s.start, time.UTC)
}

func (s *StoreSuite) allocate(priority string, offset time.Duration) models.Token {
	token, err := s.st.Allocate(s.ctx, store.AllocateInput{
		DepartmentID:  "1",
		DivisionID:    "1",
		PriorityLevel: priority,
		Prefix:        "A",
		IssueDate:     s.day,
		CreatedAt:     s.start.Add(offset),
	})
	s.Require().NoError(err)
	return token
}

func (s *StoreSuite) scope() models.Scope {
	return models.Scope{DepartmentID: "1", DivisionID: "1", Date: s.day}
}

func (s *StoreSuite) TestAllocateNumbersIncrease() {
	a := s.allocate("", 0)
	b := s.allocate("", time.Minute)
	c := s.allocate("", 2*time.Minute)

	s.Equal("A001", a.TokenNumber)
	s.Equal("A002", b.TokenNumber)
	s.Equal("A003", c.TokenNumber)
	for _, token := range []models.Token{a, b, c} {
		s.Equal(models.StatusWaiting, token.Status)
		s.Equal(models.PriorityNormal, token.PriorityLevel)
	}
}

func (s *StoreSuite) TestAllocateResetsPerDayAndScope() {
	s.allocate("", 0)
	other, err := s.st.Allocate(s.ctx, store.AllocateInput{DepartmentID: "1", DivisionID: "2", IssueDate: s.day, CreatedAt: s.start})
	s.Require().NoError(err)
	s.Equal(int64(1), other.Sequence)

	nextDay, err := s.st.Allocate(s.ctx, store.AllocateInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day.AddDate(0, 0, 1), CreatedAt: s.start.Add(24 * time.Hour)})
	s.Require().NoError(err)
	s.Equal(int64(1), nextDay.Sequence)
}

func (s *StoreSuite) TestAllocateValidation() {
	_, err := s.st.Allocate(s.ctx, store.AllocateInput{DepartmentID: "1"})
	s.ErrorIs(err, store.ErrScopeRequired)

	_, err = s.st.Allocate(s.ctx, store.AllocateInput{DepartmentID: "1", DivisionID: "1", PriorityLevel: "gold"})
	s.ErrorIs(err, store.ErrInvalidPriority)
}

func (s *StoreSuite) TestConcurrentAllocateIsUnique() {
	const workers = 50
	var wg sync.WaitGroup
	numbers := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := s.st.Allocate(s.ctx, store.AllocateInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day})
			if err == nil {
				numbers <- token.Sequence
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for n := range numbers {
		s.False(seen[n], "duplicate sequence %d", n)
		seen[n] = true
	}
	s.Len(seen, workers)
}

func (s *StoreSuite) TestCallNextEmpty() {
	_, err := s.st.CallNext(s.ctx, store.CallNextInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day})
	s.ErrorIs(err, store.ErrNoTokensAvailable)
}

func (s *StoreSuite) TestCallNextHonoursPriority() {
	first := s.allocate(models.PriorityNormal, 0)
	vip := s.allocate(models.PriorityVIP, time.Minute)

	called, err := s.st.CallNext(s.ctx, store.CallNextInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day, StaffID: "staff-1"})
	s.Require().NoError(err)
	s.Equal(vip.TokenID, called.TokenID)
	s.Equal(models.StatusCalled, called.Status)
	s.Require().NotNil(called.CalledBy)
	s.Equal("staff-1", *called.CalledBy)

	called, err = s.st.CallNext(s.ctx, store.CallNextInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day})
	s.Require().NoError(err)
	s.Equal(first.TokenID, called.TokenID)
}

func (s *StoreSuite) TestConcurrentCallNextSingleWinner() {
	s.allocate("", 0)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.st.CallNext(s.ctx, store.CallNextInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, empty int
	for err := range results {
		switch {
		case err == nil:
			won++
		case err == store.ErrNoTokensAvailable:
			empty++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, won)
	s.Equal(1, empty)
}

func (s *StoreSuite) TestOneServingPerScope() {
	a := s.allocate("", 0)
	b := s.allocate("", time.Minute)
	for range []int{0, 1} {
		_, err := s.st.CallNext(s.ctx, store.CallNextInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day})
		s.Require().NoError(err)
	}

	_, err := s.st.Transition(s.ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionStartServing})
	s.Require().NoError(err)

	_, err = s.st.Transition(s.ctx, store.TransitionInput{TokenID: b.TokenID, Action: store.ActionStartServing})
	s.ErrorIs(err, store.ErrServingInProgress)

	unchanged, err := s.st.Get(s.ctx, b.TokenID)
	s.Require().NoError(err)
	s.Equal(models.StatusCalled, unchanged.Status)
	s.Nil(unchanged.ServiceStartedAt)

	done, err := s.st.Transition(s.ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionComplete, Note: "done"})
	s.Require().NoError(err)
	s.Equal("done", done.CompletionNote)
	s.NotNil(done.CompletedAt)

	_, err = s.st.Transition(s.ctx, store.TransitionInput{TokenID: b.TokenID, Action: store.ActionStartServing})
	s.NoError(err)
}

func (s *StoreSuite) TestTransitionErrors() {
	_, err := s.st.Transition(s.ctx, store.TransitionInput{TokenID: "missing", Action: store.ActionCancel})
	s.ErrorIs(err, store.ErrTokenNotFound)

	token := s.allocate("", 0)
	_, err = s.st.Transition(s.ctx, store.TransitionInput{TokenID: token.TokenID, Action: store.ActionStartServing})
	s.ErrorIs(err, store.ErrInvalidStateTransition)

	_, err = s.st.Transition(s.ctx, store.TransitionInput{TokenID: token.TokenID, Action: "hold"})
	s.ErrorIs(err, store.ErrInvalidStateTransition)
}

func (s *StoreSuite) TestExpireWaitingIsIdempotent() {
	old := s.allocate("", 0)
	fresh := s.allocate("", 3*time.Hour)

	input := store.ExpireInput{CreatedBefore: s.start.Add(time.Hour), ExpiredAt: s.start.Add(4 * time.Hour)}
	expired, err := s.st.ExpireWaiting(s.ctx, input)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(old.TokenID, expired[0].TokenID)

	expired, err = s.st.ExpireWaiting(s.ctx, input)
	s.Require().NoError(err)
	s.Empty(expired)

	still, err := s.st.Get(s.ctx, fresh.TokenID)
	s.Require().NoError(err)
	s.Equal(models.StatusWaiting, still.Status)
}

func (s *StoreSuite) TestExpireWaitingPreviousDay() {
	yesterday, err := s.st.Allocate(s.ctx, store.AllocateInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day.AddDate(0, 0, -1), CreatedAt: s.start.Add(-time.Hour)})
	s.Require().NoError(err)
	s.allocate("", 0)

	expired, err := s.st.ExpireWaiting(s.ctx, store.ExpireInput{IssuedBefore: s.day})
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(yesterday.TokenID, expired[0].TokenID)
}

func (s *StoreSuite) TestListByScopeOrderAndLimit() {
	s.allocate(models.PriorityVIP, 2*time.Minute)
	s.allocate("", 0)
	s.allocate("", time.Minute)

	tokens, err := s.st.ListByScope(s.ctx, s.scope(), 0)
	s.Require().NoError(err)
	s.Require().Len(tokens, 3)
	s.True(tokens[0].CreatedAt.Before(tokens[1].CreatedAt))
	s.True(tokens[1].CreatedAt.Before(tokens[2].CreatedAt))

	tokens, err = s.st.ListByScope(s.ctx, s.scope(), 2)
	s.Require().NoError(err)
	s.Len(tokens, 2)
}

func (s *StoreSuite) TestEventsFormValidPath() {
	token := s.allocate("", 0)
	_, err := s.st.CallNext(s.ctx, store.CallNextInput{DepartmentID: "1", DivisionID: "1", IssueDate: s.day})
	s.Require().NoError(err)
	_, err = s.st.Transition(s.ctx, store.TransitionInput{TokenID: token.TokenID, Action: store.ActionCancel, Note: "left"})
	s.Require().NoError(err)

	events, err := s.st.ListEvents(s.ctx, token.TokenID)
	s.Require().NoError(err)
	statuses, err := store.ReplayStatuses(events)
	s.Require().NoError(err)
	s.Equal([]string{models.StatusWaiting, models.StatusCalled, models.StatusCancelled}, statuses)
}

func TestListEventsUnknownToken(t *testing.T) {
	_, err := New().ListEvents(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrTokenNotFound)
}

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/token-service/internal/metrics"
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"
	"qms/token-service/internal/store/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockAllocator struct {
	mock.Mock
}

func (m *mockAllocator) Allocate(ctx context.Context, input store.AllocateInput) (models.Token, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(models.Token), args.Error(1)
}

type mockInvalidator struct {
	mock.Mock
}

func (m *mockInvalidator) Invalidate(ctx context.Context, scope models.Scope) {
	m.Called(ctx, scope)
}

type prefixes map[string]string

func (p prefixes) Prefix(departmentID, divisionID string) string {
	return p[departmentID+"/"+divisionID]
}

type BridgeSuite struct {
	suite.Suite

	alloc   *mockAllocator
	inval   *mockInvalidator
	metrics *metrics.Metrics
	now     time.Time
	bridge  *Bridge
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeSuite))
}

func (s *BridgeSuite) SetupTest() {
	s.alloc = &mockAllocator{}
	s.inval = &mockInvalidator{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	// 23:30 UTC is already the next day in Jakarta.
	s.now = time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	loc := time.FixedZone("WIB", 7*60*60)
	s.bridge = NewBridge(s.alloc, Options{
		Prefixes:    prefixes{"1/2": "B"},
		Invalidator: s.inval,
		Location:    loc,
		Now:         func() time.Time { return s.now },
		Metrics:     s.metrics,
	})
}

func (s *BridgeSuite) TestIssueTokenForEntry() {
	want := store.AllocateInput{
		DepartmentID:  "1",
		DivisionID:    "2",
		RegistryID:    "reg-9",
		PriorityLevel: models.PriorityUrgent,
		Prefix:        "B",
		IssuedBy:      "staff-1",
		IssueDate:     time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		CreatedAt:     s.now,
	}
	token := models.Token{
		TokenID:       "t-1",
		TokenNumber:   "B001",
		DepartmentID:  "1",
		DivisionID:    "2",
		IssueDate:     want.IssueDate,
		PriorityLevel: models.PriorityUrgent,
		Status:        models.StatusWaiting,
	}
	s.alloc.On("Allocate", mock.Anything, want).Return(token, nil).Once()
	s.inval.On("Invalidate", mock.Anything, token.Scope()).Once()

	got, err := s.bridge.IssueTokenForEntry(context.Background(), models.RegistryEntry{
		RegistryID:    " reg-9 ",
		DepartmentID:  " 1",
		DivisionID:    "2 ",
		PriorityLevel: "URGENT",
	}, "staff-1")
	s.Require().NoError(err)
	s.Equal("B001", got.TokenNumber)
	s.alloc.AssertExpectations(s.T())
	s.inval.AssertExpectations(s.T())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TokensIssued.WithLabelValues(SourceRegistry, models.PriorityUrgent)))
}

func (s *BridgeSuite) TestIssueTokenForEntryRequiresScope() {
	for _, entry := range []models.RegistryEntry{
		{RegistryID: "r", DivisionID: "2"},
		{RegistryID: "r", DepartmentID: "1"},
		{RegistryID: "r", DepartmentID: " ", DivisionID: " "},
	} {
		_, err := s.bridge.IssueTokenForEntry(context.Background(), entry, "staff-1")
		s.ErrorIs(err, store.ErrScopeRequired)
	}
	s.alloc.AssertNotCalled(s.T(), "Allocate", mock.Anything, mock.Anything)
	s.inval.AssertNotCalled(s.T(), "Invalidate", mock.Anything, mock.Anything)
}

func (s *BridgeSuite) TestIssueTokenRejectsUnknownPriority() {
	_, err := s.bridge.IssueToken(context.Background(), "1", "2", "platinum", "staff-1")
	s.ErrorIs(err, store.ErrInvalidPriority)
	s.alloc.AssertNotCalled(s.T(), "Allocate", mock.Anything, mock.Anything)
}

func (s *BridgeSuite) TestIssueTokenDefaultsPrefixAndPriority() {
	s.alloc.On("Allocate", mock.Anything, mock.MatchedBy(func(in store.AllocateInput) bool {
		return in.Prefix == "" && in.PriorityLevel == models.PriorityNormal && in.RegistryID == ""
	})).Return(models.Token{TokenID: "t-2", DepartmentID: "3", DivisionID: "4", PriorityLevel: models.PriorityNormal}, nil).Once()
	s.inval.On("Invalidate", mock.Anything, mock.Anything).Once()

	_, err := s.bridge.IssueToken(context.Background(), "3", "4", "", "staff-1")
	s.Require().NoError(err)
	s.alloc.AssertExpectations(s.T())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TokensIssued.WithLabelValues(SourceManual, models.PriorityNormal)))
}

func (s *BridgeSuite) TestAllocationFailureIsReturned() {
	s.alloc.On("Allocate", mock.Anything, mock.Anything).Return(models.Token{}, store.ErrAllocationFailed).Once()

	_, err := s.bridge.IssueToken(context.Background(), "1", "2", "", "staff-1")
	s.True(errors.Is(err, store.ErrAllocationFailed))
	s.inval.AssertNotCalled(s.T(), "Invalidate", mock.Anything, mock.Anything)
}

func TestBridgeWithMemoryStoreNumbersPerScope(t *testing.T) {
	st := memory.New()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bridge := NewBridge(st, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	var numbers []string
	for _, entry := range []models.RegistryEntry{
		{RegistryID: "r1", DepartmentID: "1", DivisionID: "1"},
		{RegistryID: "r2", DepartmentID: "1", DivisionID: "1"},
		{RegistryID: "r3", DepartmentID: "1", DivisionID: "2"},
	} {
		token, err := bridge.IssueTokenForEntry(ctx, entry, "")
		if err != nil {
			t.Fatalf("issue %s: %v", entry.RegistryID, err)
		}
		if token.RegistryID == nil || *token.RegistryID != entry.RegistryID {
			t.Fatalf("registry id not linked for %s", entry.RegistryID)
		}
		numbers = append(numbers, token.TokenNumber)
	}
	want := []string{"A001", "A002", "A001"}
	for i := range want {
		if numbers[i] != want[i] {
			t.Fatalf("token %d: expected %s, got %s", i, want[i], numbers[i])
		}
	}
}

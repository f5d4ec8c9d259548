package queue

import (
	"context"
	"testing"
	"time"

	"qms/token-service/internal/cache/rediscache"
	"qms/token-service/internal/metrics"
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"
	"qms/token-service/internal/store/memory"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	t := base.Add(time.Duration(minutes) * time.Minute)
	return &t
}

func waiting(id, priority string, createdMinute int, seq int64) models.Token {
	return models.Token{
		TokenID:       id,
		Sequence:      seq,
		Status:        models.StatusWaiting,
		PriorityLevel: priority,
		CreatedAt:     *at(createdMinute),
	}
}

func served(id string, startedMinute, completedMinute int) models.Token {
	return models.Token{
		TokenID:          id,
		Status:           models.StatusServed,
		CalledAt:         at(startedMinute),
		ServiceStartedAt: at(startedMinute),
		CompletedAt:      at(completedMinute),
	}
}

func TestQueuePosition(t *testing.T) {
	called := models.Token{TokenID: "c1", Status: models.StatusCalled}
	first := waiting("w1", models.PriorityNormal, 0, 1)
	second := waiting("w2", models.PriorityNormal, 1, 2)
	vip := waiting("w3", models.PriorityVIP, 2, 3)
	done := served("s1", 0, 5)
	tokens := []models.Token{called, first, second, vip, done}

	assert.Equal(t, 1, QueuePosition(tokens, vip))
	assert.Equal(t, 2, QueuePosition(tokens, first))
	assert.Equal(t, 3, QueuePosition(tokens, second))
	assert.Equal(t, 0, QueuePosition(tokens, called))
	assert.Equal(t, 0, QueuePosition(tokens, done))
}

func TestQueuePositionFirstInLine(t *testing.T) {
	only := waiting("w1", models.PriorityNormal, 0, 1)
	assert.Equal(t, 0, QueuePosition([]models.Token{only}, only))
	assert.Equal(t, 0.0, EstimatedWait(0, 12))
}

func TestAverageServiceMinutesFallback(t *testing.T) {
	assert.Equal(t, 10.0, AverageServiceMinutes(nil, 10, 10))
	assert.Equal(t, 7.5, AverageServiceMinutes([]models.Token{waiting("w1", "", 0, 1)}, 10, 7.5))
}

func TestAverageServiceMinutesUsesMostRecentWindow(t *testing.T) {
	tokens := []models.Token{
		served("old", 0, 30), // 30 minutes, outside the window
		served("a", 40, 44),  // 4
		served("b", 50, 56),  // 6
	}
	assert.InDelta(t, 5.0, AverageServiceMinutes(tokens, 2, 10), 1e-9)
	assert.InDelta(t, 40.0/3, AverageServiceMinutes(tokens, 0, 10), 1e-9)
}

func TestServiceDurationFallsBackToCalledAt(t *testing.T) {
	token := models.Token{Status: models.StatusServed, CalledAt: at(0), CompletedAt: at(3)}
	d, ok := ServiceDuration(token)
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, d)

	_, ok = ServiceDuration(models.Token{CompletedAt: at(3)})
	assert.False(t, ok)

	_, ok = ServiceDuration(models.Token{CalledAt: at(5), CompletedAt: at(3)})
	assert.False(t, ok)
}

func TestEstimatedWaitNeverNegative(t *testing.T) {
	assert.Equal(t, 0.0, EstimatedWait(-1, 10))
	assert.Equal(t, 30.0, EstimatedWait(3, 10))
}

func TestBuildQueueStatus(t *testing.T) {
	day := models.IssueDay(base, time.UTC)
	scope := models.Scope{DepartmentID: "1", DivisionID: "2", Date: day}
	serving := models.Token{TokenID: "sv", Status: models.StatusServing}
	tokens := []models.Token{
		waiting("w1", "", 0, 1),
		waiting("w2", "", 1, 2),
		{TokenID: "c1", Status: models.StatusCalled},
		serving,
		served("s1", 0, 4),
		{TokenID: "x1", Status: models.StatusCancelled},
		{TokenID: "e1", Status: models.StatusExpired},
	}

	status := BuildQueueStatus(scope, tokens, 10, 10)
	assert.Equal(t, "1", status.DepartmentID)
	assert.Equal(t, "2", status.DivisionID)
	assert.Equal(t, "2026-03-02", status.Date)
	assert.Equal(t, 2, status.TokensWaiting)
	assert.Equal(t, 1, status.TokensCalled)
	assert.Equal(t, 1, status.TokensServed)
	assert.Equal(t, 1, status.TokensCancelled)
	assert.Equal(t, 1, status.TokensExpired)
	assert.Equal(t, 7, status.TokensIssuedTotal)
	require.NotNil(t, status.CurrentServingToken)
	assert.Equal(t, "sv", status.CurrentServingToken.TokenID)
	assert.InDelta(t, 4.0, status.AverageServiceTimeMinutes, 1e-9)
	assert.InDelta(t, 12.0, status.EstimatedWaitTimeMinutes, 1e-9)
}

func TestBuildQueueStatusEmptyScope(t *testing.T) {
	status := BuildQueueStatus(models.Scope{DepartmentID: "1", DivisionID: "1", Date: base}, nil, 10, 10)
	assert.Zero(t, status.TokensIssuedTotal)
	assert.Nil(t, status.CurrentServingToken)
	assert.Equal(t, 10.0, status.AverageServiceTimeMinutes)
	assert.Equal(t, 0.0, status.EstimatedWaitTimeMinutes)
}

func seedScope(t *testing.T, st *memory.Store, n int) []models.Token {
	t.Helper()
	tokens := make([]models.Token, 0, n)
	for i := 0; i < n; i++ {
		token, err := st.Allocate(context.Background(), store.AllocateInput{
			DepartmentID: "1",
			DivisionID:   "1",
			Prefix:       "A",
			IssueDate:    models.IssueDay(base, time.UTC),
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	return tokens
}

func TestEstimatorSnapshot(t *testing.T) {
	st := memory.New()
	tokens := seedScope(t, st, 3)
	est := NewEstimator(st, EstimatorOptions{DefaultServiceMinutes: 6})

	ctx := context.Background()
	position, wait, err := est.Snapshot(ctx, tokens[2])
	require.NoError(t, err)
	assert.Equal(t, 2, position)
	assert.Equal(t, 12.0, wait)

	position, err = est.QueuePosition(ctx, tokens[0])
	require.NoError(t, err)
	assert.Equal(t, 0, position)

	avg, err := est.AverageServiceTime(ctx, tokens[0].Scope())
	require.NoError(t, err)
	assert.Equal(t, 6.0, avg)
}

func TestEstimatorQueueStatusCached(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = cache.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := memory.New()
	tokens := seedScope(t, st, 2)
	est := NewEstimator(st, EstimatorOptions{Cache: cache, CacheTTL: time.Minute, Metrics: m})

	ctx := context.Background()
	scope := tokens[0].Scope()
	status, err := est.QueueStatus(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TokensWaiting)
	assert.True(t, mr.Exists(statusKey(scope, 0)))

	// A token issued behind the estimator's back is not visible until the
	// cached entry is invalidated.
	seedScope(t, st, 1)
	status, err = est.QueueStatus(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TokensWaiting)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusCacheLookups.WithLabelValues("hit")))

	est.Invalidate(ctx, scope)
	assert.False(t, mr.Exists(statusKey(scope, 0)))
	status, err = est.QueueStatus(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 3, status.TokensWaiting)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatusCacheLookups.WithLabelValues("miss")))
}

// mutatingReader runs onList once, after the first scope listing returns.
type mutatingReader struct {
	TokenReader
	onList func()
}

func (r *mutatingReader) ListByScope(ctx context.Context, scope models.Scope, limit int) ([]models.Token, error) {
	tokens, err := r.TokenReader.ListByScope(ctx, scope, limit)
	if r.onList != nil {
		fn := r.onList
		r.onList = nil
		fn()
	}
	return tokens, err
}

func TestEstimatorQueueStatusInvalidatedDuringRead(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = cache.Close() })

	st := memory.New()
	tokens := seedScope(t, st, 2)
	scope := tokens[0].Scope()
	reader := &mutatingReader{TokenReader: st}
	est := NewEstimator(reader, EstimatorOptions{Cache: cache, CacheTTL: time.Minute})

	ctx := context.Background()
	reader.onList = func() {
		seedScope(t, st, 1)
		est.Invalidate(ctx, scope)
	}
	status, err := est.QueueStatus(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TokensWaiting)

	// The snapshot taken before the invalidation must not be served afterwards.
	status, err = est.QueueStatus(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 3, status.TokensWaiting)
	assert.True(t, mr.Exists(statusKey(scope, 1)))
}

func TestEstimatorQueueStatusCacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = cache.Close() })
	st := memory.New()
	tokens := seedScope(t, st, 1)
	est := NewEstimator(st, EstimatorOptions{Cache: cache, CacheTTL: time.Minute})

	mr.Close()
	status, err := est.QueueStatus(context.Background(), tokens[0].Scope())
	require.NoError(t, err)
	assert.Equal(t, 1, status.TokensWaiting)
}

func TestInvalidateWithoutCache(t *testing.T) {
	var est *Estimator
	assert.NotPanics(t, func() { est.Invalidate(context.Background(), models.Scope{}) })
	est = NewEstimator(memory.New(), EstimatorOptions{})
	assert.NotPanics(t, func() { est.Invalidate(context.Background(), models.Scope{}) })
}

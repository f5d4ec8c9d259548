package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"qms/token-service/internal/metrics"
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"
)

const (
	defaultServiceWindow  = 10
	defaultServiceMinutes = 10.0
	statusKeyPrefix       = "queue:status:"
	statusVersionPrefix   = "queue:status-version:"
	statusVersionTTL      = 48 * time.Hour
)

type TokenReader interface {
	Get(ctx context.Context, tokenID string) (models.Token, error)
	ListByScope(ctx context.Context, scope models.Scope, limit int) ([]models.Token, error)
}

type StatusCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Counter(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type EstimatorOptions struct {
	// Window is the number of most recently served tokens averaged.
	Window                int
	DefaultServiceMinutes float64
	Cache                 StatusCache
	CacheTTL              time.Duration
	Logger                *slog.Logger
	Metrics               *metrics.Metrics
}

// Estimator derives queue position and wait estimates from the tokens of a
// single scope. It holds no state of its own besides the optional cache.
type Estimator struct {
	tokens   TokenReader
	window   int
	fallback float64
	cache    StatusCache
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewEstimator(tokens TokenReader, opts EstimatorOptions) *Estimator {
	window := opts.Window
	if window <= 0 {
		window = defaultServiceWindow
	}
	fallback := opts.DefaultServiceMinutes
	if fallback <= 0 {
		fallback = defaultServiceMinutes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		tokens:   tokens,
		window:   window,
		fallback: fallback,
		cache:    opts.Cache,
		ttl:      opts.CacheTTL,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

func (e *Estimator) QueuePosition(ctx context.Context, token models.Token) (int, error) {
	tokens, err := e.tokens.ListByScope(ctx, token.Scope(), 0)
	if err != nil {
		return 0, err
	}
	return QueuePosition(tokens, token), nil
}

func (e *Estimator) AverageServiceTime(ctx context.Context, scope models.Scope) (float64, error) {
	tokens, err := e.tokens.ListByScope(ctx, scope, 0)
	if err != nil {
		return 0, err
	}
	return AverageServiceMinutes(tokens, e.window, e.fallback), nil
}

func (e *Estimator) EstimatedWaitTime(ctx context.Context, token models.Token) (float64, error) {
	_, wait, err := e.Snapshot(ctx, token)
	return wait, err
}

// Snapshot returns position and estimated wait from a single scope read.
func (e *Estimator) Snapshot(ctx context.Context, token models.Token) (int, float64, error) {
	tokens, err := e.tokens.ListByScope(ctx, token.Scope(), 0)
	if err != nil {
		return 0, 0, err
	}
	position := QueuePosition(tokens, token)
	return position, EstimatedWait(position, AverageServiceMinutes(tokens, e.window, e.fallback)), nil
}

// QueueStatus aggregates one scope. Results are cached for CacheTTL when a
// cache is configured; cache failures fall back to a fresh computation.
func (e *Estimator) QueueStatus(ctx context.Context, scope models.Scope) (models.QueueStatus, error) {
	key, status, hit := e.cachedStatus(ctx, scope)
	if hit {
		return status, nil
	}

	tokens, err := e.tokens.ListByScope(ctx, scope, 0)
	if err != nil {
		return models.QueueStatus{}, err
	}
	status = BuildQueueStatus(scope, tokens, e.window, e.fallback)

	if key != "" {
		if raw, err := json.Marshal(status); err == nil {
			if err := e.cache.Set(ctx, key, raw, e.ttl); err != nil {
				e.logger.Warn("queue status cache write failed", "key", key, "error", err)
			}
		}
	}
	return status, nil
}

// cachedStatus looks scope up under its current cache version and returns the
// key to fill on a miss, or "" when the cache is unusable. The version is read
// before the tokens are, so a snapshot computed before an Invalidate is
// written under a version no reader asks for.
func (e *Estimator) cachedStatus(ctx context.Context, scope models.Scope) (string, models.QueueStatus, bool) {
	if !e.cacheEnabled() {
		return "", models.QueueStatus{}, false
	}
	version, err := e.cache.Counter(ctx, statusVersionKey(scope))
	if err != nil {
		e.metrics.IncStatusCache("error")
		e.logger.Warn("queue status cache version read failed", "scope", scope.Key(), "error", err)
		return "", models.QueueStatus{}, false
	}

	key := statusKey(scope, version)
	raw, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		e.metrics.IncStatusCache("error")
		e.logger.Warn("queue status cache read failed", "key", key, "error", err)
	case ok:
		var status models.QueueStatus
		if json.Unmarshal(raw, &status) == nil {
			e.metrics.IncStatusCache("hit")
			return key, status, true
		}
	default:
		e.metrics.IncStatusCache("miss")
	}
	return key, models.QueueStatus{}, false
}

// Invalidate moves scope to a new cache version after a mutation and drops
// the entry of the previous one.
func (e *Estimator) Invalidate(ctx context.Context, scope models.Scope) {
	if e == nil || !e.cacheEnabled() {
		return
	}
	version, err := e.cache.Incr(ctx, statusVersionKey(scope), statusVersionTTL)
	if err != nil {
		e.logger.Warn("queue status cache invalidation failed", "scope", scope.Key(), "error", err)
		return
	}
	if err := e.cache.Delete(ctx, statusKey(scope, version-1)); err != nil {
		e.logger.Warn("queue status cache cleanup failed", "scope", scope.Key(), "error", err)
	}
}

func (e *Estimator) cacheEnabled() bool {
	return e.cache != nil && e.ttl > 0
}

func statusKey(scope models.Scope, version int64) string {
	return statusKeyPrefix + scope.Key() + ":" + strconv.FormatInt(version, 10)
}

func statusVersionKey(scope models.Scope) string {
	return statusVersionPrefix + scope.Key()
}

// QueuePosition counts the tokens ahead of token: every called token in the
// scope plus the waiting tokens ordered before it. Tokens that are not
// waiting have position 0.
func QueuePosition(tokens []models.Token, token models.Token) int {
	if token.Status != models.StatusWaiting {
		return 0
	}
	ahead := 0
	for _, other := range tokens {
		if other.TokenID == token.TokenID {
			continue
		}
		switch other.Status {
		case models.StatusCalled:
			ahead++
		case models.StatusWaiting:
			if store.QueuedBefore(other, token) {
				ahead++
			}
		}
	}
	return ahead
}

// AverageServiceMinutes averages the last window served tokens, measured from
// service start (or from the call when service never formally started).
func AverageServiceMinutes(tokens []models.Token, window int, fallback float64) float64 {
	var served []models.Token
	for _, token := range tokens {
		if token.Status == models.StatusServed && token.CompletedAt != nil {
			served = append(served, token)
		}
	}
	sort.SliceStable(served, func(i, j int) bool {
		return served[i].CompletedAt.After(*served[j].CompletedAt)
	})

	var total time.Duration
	count := 0
	for _, token := range served {
		if window > 0 && count >= window {
			break
		}
		d, ok := ServiceDuration(token)
		if !ok {
			continue
		}
		total += d
		count++
	}
	if count == 0 {
		return fallback
	}
	return total.Minutes() / float64(count)
}

// ServiceDuration is completed_at minus service_started_at, or minus
// called_at when the token was completed straight from called.
func ServiceDuration(token models.Token) (time.Duration, bool) {
	if token.CompletedAt == nil {
		return 0, false
	}
	start := token.ServiceStartedAt
	if start == nil {
		start = token.CalledAt
	}
	if start == nil {
		return 0, false
	}
	d := token.CompletedAt.Sub(*start)
	if d < 0 {
		return 0, false
	}
	return d, true
}

func EstimatedWait(position int, averageMinutes float64) float64 {
	wait := float64(position) * averageMinutes
	if wait < 0 {
		return 0
	}
	return wait
}

func BuildQueueStatus(scope models.Scope, tokens []models.Token, window int, fallback float64) models.QueueStatus {
	status := models.QueueStatus{
		DepartmentID:      scope.DepartmentID,
		DivisionID:        scope.DivisionID,
		Date:              scope.Date.Format(models.DateLayout),
		TokensIssuedTotal: len(tokens),
	}
	for i := range tokens {
		switch tokens[i].Status {
		case models.StatusWaiting:
			status.TokensWaiting++
		case models.StatusCalled:
			status.TokensCalled++
		case models.StatusServing:
			serving := tokens[i]
			status.CurrentServingToken = &serving
		case models.StatusServed:
			status.TokensServed++
		case models.StatusCancelled:
			status.TokensCancelled++
		case models.StatusExpired:
			status.TokensExpired++
		}
	}
	status.AverageServiceTimeMinutes = AverageServiceMinutes(tokens, window, fallback)
	status.EstimatedWaitTimeMinutes = EstimatedWait(status.TokensWaiting+status.TokensCalled, status.AverageServiceTimeMinutes)
	return status
}

package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"qms/token-service/internal/metrics"
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName         = "qms/token-service/queue"
	defaultMaxAttempts = 3
	defaultExpireBatch = 500
	defaultStaleAfter  = 4 * time.Hour
)

type Options struct {
	// MaxAttempts bounds retries of a transition that hit a concurrent update.
	MaxAttempts     int
	StaleAfter      time.Duration
	ExpireBatchSize int
	Location        *time.Location
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Coordinator owns the token state machine. Every transition is delegated to
// the store as one conditional update; the coordinator adds retries, logging,
// metrics and cache invalidation around it.
type Coordinator struct {
	store       store.TokenStore
	estimator   *Estimator
	maxAttempts int
	staleAfter  time.Duration
	batch       int
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewCoordinator(st store.TokenStore, estimator *Estimator, opts Options) *Coordinator {
	c := &Coordinator{
		store:       st,
		estimator:   estimator,
		maxAttempts: opts.MaxAttempts,
		staleAfter:  opts.StaleAfter,
		batch:       opts.ExpireBatchSize,
		loc:         opts.Location,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.staleAfter <= 0 {
		c.staleAfter = defaultStaleAfter
	}
	if c.batch <= 0 {
		c.batch = defaultExpireBatch
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Today is the issue date of tokens created now.
func (c *Coordinator) Today() time.Time {
	return models.IssueDay(c.now(), c.loc)
}

// CallNext claims the next waiting token of today's scope for staffID. The
// boolean is false, with a nil error, when the queue is empty.
func (c *Coordinator) CallNext(ctx context.Context, departmentID, divisionID, staffID string) (models.Token, bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "queue.CallNext")
	defer span.End()
	span.SetAttributes(
		attribute.String("department_id", departmentID),
		attribute.String("division_id", divisionID),
	)

	departmentID = strings.TrimSpace(departmentID)
	divisionID = strings.TrimSpace(divisionID)
	if departmentID == "" || divisionID == "" {
		return models.Token{}, false, store.ErrScopeRequired
	}

	var token models.Token
	err := store.RetryNotify(ctx, c.maxAttempts, isConflict, c.countRetry(store.ActionCallNext), func() error {
		now := c.now()
		var err error
		token, err = c.store.CallNext(ctx, store.CallNextInput{
			DepartmentID: departmentID,
			DivisionID:   divisionID,
			IssueDate:    models.IssueDay(now, c.loc),
			StaffID:      staffID,
			CalledAt:     now,
		})
		return err
	})
	if errors.Is(err, store.ErrNoTokensAvailable) {
		c.metrics.IncCallNext("empty")
		return models.Token{}, false, nil
	}
	if err != nil {
		c.metrics.IncCallNext("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "call next failed")
		c.logger.Error("call next failed", "department_id", departmentID, "division_id", divisionID, "staff_id", staffID, "error", err)
		return models.Token{}, false, err
	}

	c.metrics.IncCallNext("called")
	c.estimator.Invalidate(ctx, token.Scope())
	span.SetAttributes(attribute.String("token_id", token.TokenID))
	c.logger.Info("token called", "token_id", token.TokenID, "token_number", token.TokenNumber, "staff_id", staffID)
	return token, true, nil
}

func (c *Coordinator) StartServing(ctx context.Context, tokenID, staffID string) (models.Token, error) {
	return c.transition(ctx, store.ActionStartServing, tokenID, staffID, "")
}

func (c *Coordinator) CompleteToken(ctx context.Context, tokenID, staffID, note string) (models.Token, error) {
	token, err := c.transition(ctx, store.ActionComplete, tokenID, staffID, strings.TrimSpace(note))
	if err != nil {
		return models.Token{}, err
	}
	if d, ok := ServiceDuration(token); ok {
		c.metrics.ObserveServiceDuration(d)
	}
	return token, nil
}

func (c *Coordinator) CancelToken(ctx context.Context, tokenID, staffID, reason string) (models.Token, error) {
	return c.transition(ctx, store.ActionCancel, tokenID, staffID, strings.TrimSpace(reason))
}

// ExpireStaleTokens expires waiting tokens created more than StaleAfter
// before asOf, and waiting tokens left over from earlier days. Running it
// again with the same asOf changes nothing.
func (c *Coordinator) ExpireStaleTokens(ctx context.Context, asOf time.Time) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "queue.ExpireStaleTokens")
	defer span.End()

	if asOf.IsZero() {
		asOf = c.now()
	}
	input := store.ExpireInput{
		CreatedBefore: asOf.Add(-c.staleAfter),
		IssuedBefore:  models.IssueDay(asOf, c.loc),
		ExpiredAt:     asOf,
		Limit:         c.batch,
	}

	total := 0
	scopes := make(map[string]models.Scope)
	for {
		expired, err := c.store.ExpireWaiting(ctx, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "expire failed")
			c.logger.Error("expire stale tokens failed", "expired_so_far", total, "error", err)
			return total, err
		}
		total += len(expired)
		for _, token := range expired {
			scopes[token.Scope().Key()] = token.Scope()
		}
		if len(expired) < c.batch {
			break
		}
	}

	for _, scope := range scopes {
		c.estimator.Invalidate(ctx, scope)
	}
	c.metrics.AddExpired(total)
	span.SetAttributes(attribute.Int("expired", total))
	if total > 0 {
		c.logger.Info("expired stale tokens", "count", total, "as_of", asOf)
	}
	return total, nil
}

func (c *Coordinator) transition(ctx context.Context, action, tokenID, staffID, note string) (models.Token, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "queue."+action)
	defer span.End()
	span.SetAttributes(attribute.String("token_id", tokenID), attribute.String("action", action))

	var token models.Token
	err := store.RetryNotify(ctx, c.maxAttempts, isConflict, c.countRetry(action), func() error {
		var err error
		token, err = c.store.Transition(ctx, store.TransitionInput{
			TokenID:    tokenID,
			Action:     action,
			StaffID:    staffID,
			Note:       note,
			OccurredAt: c.now(),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, action+" rejected")
		c.reportRejected(ctx, action, tokenID, staffID, err)
		return models.Token{}, err
	}

	c.metrics.IncTransition(action, "ok")
	c.estimator.Invalidate(ctx, token.Scope())
	c.logger.Info("token transitioned", "token_id", token.TokenID, "token_number", token.TokenNumber, "action", action, "status", token.Status, "staff_id", staffID)
	return token, nil
}

func (c *Coordinator) reportRejected(ctx context.Context, action, tokenID, staffID string, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidStateTransition), errors.Is(err, store.ErrServingInProgress):
		c.metrics.IncTransition(action, "rejected")
		from := ""
		if current, getErr := c.store.Get(ctx, tokenID); getErr == nil {
			from = current.Status
		}
		c.logger.Warn("token transition rejected", "token_id", tokenID, "action", action, "from", from, "staff_id", staffID, "error", err)
	case errors.Is(err, store.ErrTokenNotFound):
		c.metrics.IncTransition(action, "not_found")
	default:
		c.metrics.IncTransition(action, "error")
		c.logger.Error("token transition failed", "token_id", tokenID, "action", action, "staff_id", staffID, "error", err)
	}
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

func (c *Coordinator) countRetry(action string) func(int, error) {
	return func(int, error) {
		c.metrics.IncConflictRetry(action)
	}
}

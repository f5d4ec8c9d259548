// Package registry issues queue tokens for visitors, either from a completed
// registry entry or as a walk-in issued by staff.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"qms/token-service/internal/metrics"
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"
)

const (
	SourceRegistry = "registry"
	SourceManual   = "manual"
)

type Allocator interface {
	Allocate(ctx context.Context, input store.AllocateInput) (models.Token, error)
}

// Prefixer picks the token number prefix of a department/division pair.
type Prefixer interface {
	Prefix(departmentID, divisionID string) string
}

// Invalidator drops cached queue data after a token is issued.
type Invalidator interface {
	Invalidate(ctx context.Context, scope models.Scope)
}

type Options struct {
	Prefixes    Prefixer
	Invalidator Invalidator
	Location    *time.Location
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type Bridge struct {
	alloc       Allocator
	prefixes    Prefixer
	invalidator Invalidator
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewBridge(alloc Allocator, opts Options) *Bridge {
	b := &Bridge{
		alloc:       alloc,
		prefixes:    opts.Prefixes,
		invalidator: opts.Invalidator,
		loc:         opts.Location,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if b.loc == nil {
		b.loc = time.UTC
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// IssueTokenForEntry issues a token linked to a registry entry. Entries
// without a department or division are rejected before anything is written.
func (b *Bridge) IssueTokenForEntry(ctx context.Context, entry models.RegistryEntry, staffID string) (models.Token, error) {
	return b.issue(ctx, SourceRegistry, store.AllocateInput{
		DepartmentID:  entry.DepartmentID,
		DivisionID:    entry.DivisionID,
		RegistryID:    strings.TrimSpace(entry.RegistryID),
		PriorityLevel: entry.PriorityLevel,
		IssuedBy:      staffID,
	})
}

// IssueToken issues a walk-in token with no registry entry behind it.
func (b *Bridge) IssueToken(ctx context.Context, departmentID, divisionID, priority, staffID string) (models.Token, error) {
	return b.issue(ctx, SourceManual, store.AllocateInput{
		DepartmentID:  departmentID,
		DivisionID:    divisionID,
		PriorityLevel: priority,
		IssuedBy:      staffID,
	})
}

func (b *Bridge) issue(ctx context.Context, source string, input store.AllocateInput) (models.Token, error) {
	input.DepartmentID = strings.TrimSpace(input.DepartmentID)
	input.DivisionID = strings.TrimSpace(input.DivisionID)
	if input.DepartmentID == "" || input.DivisionID == "" {
		return models.Token{}, store.ErrScopeRequired
	}
	input.PriorityLevel = strings.ToLower(strings.TrimSpace(input.PriorityLevel))
	if input.PriorityLevel == "" {
		input.PriorityLevel = models.PriorityNormal
	}
	if !models.ValidPriority(input.PriorityLevel) {
		return models.Token{}, store.ErrInvalidPriority
	}

	now := b.now()
	input.CreatedAt = now
	input.IssueDate = models.IssueDay(now, b.loc)
	input.Prefix = store.DefaultPrefix
	if b.prefixes != nil {
		input.Prefix = b.prefixes.Prefix(input.DepartmentID, input.DivisionID)
	}

	token, err := b.alloc.Allocate(ctx, input)
	if err != nil {
		b.logger.Error("token issue failed", "source", source, "department_id", input.DepartmentID, "division_id", input.DivisionID, "error", err)
		return models.Token{}, err
	}

	b.metrics.IncIssued(source, token.PriorityLevel)
	if b.invalidator != nil {
		b.invalidator.Invalidate(ctx, token.Scope())
	}
	b.logger.Info("token issued", "source", source, "token_id", token.TokenID, "token_number", token.TokenNumber, "registry_id", input.RegistryID, "staff_id", input.IssuedBy)
	return token, nil
}

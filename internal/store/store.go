package store

import (
	"context"
	"time"

	"qms/token-service/internal/models"
)

type AllocateInput struct {
	DepartmentID  string
	DivisionID    string
	RegistryID    string
	PriorityLevel string
	Prefix        string
	IssuedBy      string
	IssueDate     time.Time
	CreatedAt     time.Time
}

type CallNextInput struct {
	DepartmentID string
	DivisionID   string
	IssueDate    time.Time
	StaffID      string
	CalledAt     time.Time
}

// TransitionInput moves a single token. Note carries the completion note
// or the cancel reason depending on Action.
type TransitionInput struct {
	TokenID    string
	Action     string
	StaffID    string
	Note       string
	OccurredAt time.Time
}

// ExpireInput selects waiting tokens created before CreatedBefore or issued
// on a day before IssuedBefore.
type ExpireInput struct {
	CreatedBefore time.Time
	IssuedBefore  time.Time
	ExpiredAt     time.Time
	Limit         int
}

// TokenStore is the only component allowed to mint token numbers. Every
// mutating method is a single conditional update: it either applies fully
// or returns an error and leaves the token untouched.
type TokenStore interface {
	Allocate(ctx context.Context, input AllocateInput) (models.Token, error)
	Get(ctx context.Context, tokenID string) (models.Token, error)
	ListByScope(ctx context.Context, scope models.Scope, limit int) ([]models.Token, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Token, error)
	Transition(ctx context.Context, input TransitionInput) (models.Token, error)
	ExpireWaiting(ctx context.Context, input ExpireInput) ([]models.Token, error)
	ListEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
}

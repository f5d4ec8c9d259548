// Package memory keeps tokens in process memory. A single mutex guards every
// mutation, which makes each conditional transition atomic; it is meant for
// tests and single-instance development runs.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu        sync.RWMutex
	tokens    map[string]*models.Token
	order     []string
	sequences map[string]int64
	events    map[string][]store.TokenEvent
}

func New() *Store {
	return &Store{
		tokens:    make(map[string]*models.Token),
		sequences: make(map[string]int64),
		events:    make(map[string][]store.TokenEvent),
	}
}

var _ store.TokenStore = (*Store)(nil)

func (s *Store) Allocate(ctx context.Context, input store.AllocateInput) (models.Token, error) {
	input.DepartmentID = strings.TrimSpace(input.DepartmentID)
	input.DivisionID = strings.TrimSpace(input.DivisionID)
	if input.DepartmentID == "" || input.DivisionID == "" {
		return models.Token{}, store.ErrScopeRequired
	}
	if input.PriorityLevel == "" {
		input.PriorityLevel = models.PriorityNormal
	}
	if !models.ValidPriority(input.PriorityLevel) {
		return models.Token{}, store.ErrInvalidPriority
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = models.IssueDay(createdAt, time.UTC)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scope := models.Scope{DepartmentID: input.DepartmentID, DivisionID: input.DivisionID, Date: issueDate}
	seq := s.sequences[scope.Key()] + 1
	s.sequences[scope.Key()] = seq

	token := &models.Token{
		TokenID:       uuid.NewString(),
		TokenNumber:   store.FormatTokenNumber(input.Prefix, seq),
		Sequence:      seq,
		DepartmentID:  input.DepartmentID,
		DivisionID:    input.DivisionID,
		IssueDate:     issueDate,
		RegistryID:    stringPtr(input.RegistryID),
		Status:        models.StatusWaiting,
		PriorityLevel: input.PriorityLevel,
		CreatedAt:     createdAt,
	}
	s.tokens[token.TokenID] = token
	s.order = append(s.order, token.TokenID)
	if err := s.appendEvent(*token, input.IssuedBy, "", createdAt); err != nil {
		return models.Token{}, err
	}
	return *token, nil
}

func (s *Store) Get(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return *token, nil
}

func (s *Store) ListByScope(ctx context.Context, scope models.Scope, limit int) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tokens []models.Token
	for _, id := range s.order {
		token := s.tokens[id]
		if inScope(*token, scope) {
			tokens = append(tokens, *token)
		}
	}
	store.SortByCreated(tokens)
	if limit > 0 && len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Token, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	scope := models.Scope{DepartmentID: input.DepartmentID, DivisionID: input.DivisionID, Date: input.IssueDate}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.Token
	for _, id := range s.order {
		token := s.tokens[id]
		if token.Status != models.StatusWaiting || !inScope(*token, scope) {
			continue
		}
		if next == nil || store.QueuedBefore(*token, *next) {
			next = token
		}
	}
	if next == nil {
		return models.Token{}, store.ErrNoTokensAvailable
	}

	next.Status = models.StatusCalled
	next.CalledAt = timePtr(calledAt)
	next.CalledBy = stringPtr(input.StaffID)
	if err := s.appendEvent(*next, input.StaffID, "", calledAt); err != nil {
		return models.Token{}, err
	}
	return *next, nil
}

func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Token{}, store.ErrInvalidStateTransition
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[input.TokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(input.Action, token.Status) {
		return models.Token{}, store.ErrInvalidStateTransition
	}
	if input.Action == store.ActionStartServing && s.servingIn(token.DepartmentID, token.DivisionID) {
		return models.Token{}, store.ErrServingInProgress
	}

	token.Status = target
	switch input.Action {
	case store.ActionCallNext:
		token.CalledAt = timePtr(occurredAt)
		token.CalledBy = stringPtr(input.StaffID)
	case store.ActionStartServing:
		token.ServiceStartedAt = timePtr(occurredAt)
	case store.ActionComplete:
		token.CompletedAt = timePtr(occurredAt)
		token.CompletionNote = input.Note
		token.ClosedBy = stringPtr(input.StaffID)
	case store.ActionCancel:
		token.CancelledAt = timePtr(occurredAt)
		token.CancelReason = input.Note
		token.ClosedBy = stringPtr(input.StaffID)
	case store.ActionExpire:
		token.ExpiredAt = timePtr(occurredAt)
	}
	if err := s.appendEvent(*token, input.StaffID, input.Note, occurredAt); err != nil {
		return models.Token{}, err
	}
	return *token, nil
}

func (s *Store) ExpireWaiting(ctx context.Context, input store.ExpireInput) ([]models.Token, error) {
	expiredAt := input.ExpiredAt
	if expiredAt.IsZero() {
		expiredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.Token
	for _, id := range s.order {
		if input.Limit > 0 && len(expired) >= input.Limit {
			break
		}
		token := s.tokens[id]
		if token.Status != models.StatusWaiting || !stale(*token, input) {
			continue
		}
		token.Status = models.StatusExpired
		token.ExpiredAt = timePtr(expiredAt)
		if err := s.appendEvent(*token, "", "", expiredAt); err != nil {
			return expired, err
		}
		expired = append(expired, *token)
	}
	return expired, nil
}

func (s *Store) ListEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tokens[tokenID]; !ok {
		return nil, store.ErrTokenNotFound
	}
	events := make([]store.TokenEvent, len(s.events[tokenID]))
	copy(events, s.events[tokenID])
	return events, nil
}

func (s *Store) servingIn(departmentID, divisionID string) bool {
	for _, token := range s.tokens {
		if token.Status == models.StatusServing && token.DepartmentID == departmentID && token.DivisionID == divisionID {
			return true
		}
	}
	return false
}

func (s *Store) appendEvent(token models.Token, staffID, note string, at time.Time) error {
	payload, err := store.EventPayload(token, staffID, note, at)
	if err != nil {
		return err
	}
	chain := s.events[token.TokenID]
	var prev *store.TokenEvent
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	s.events[token.TokenID] = append(chain, store.ChainEvent(prev, token.TokenID, store.EventTypeFor(token.Status), payload, at))
	return nil
}

func inScope(token models.Token, scope models.Scope) bool {
	return token.DepartmentID == scope.DepartmentID &&
		token.DivisionID == scope.DivisionID &&
		token.IssueDate.Equal(scope.Date)
}

func stale(token models.Token, input store.ExpireInput) bool {
	if !input.CreatedBefore.IsZero() && token.CreatedAt.Before(input.CreatedBefore) {
		return true
	}
	return !input.IssuedBefore.IsZero() && token.IssueDate.Before(input.IssuedBefore)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

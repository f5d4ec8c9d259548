package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/token-service/internal/models"
)

const (
	EventTokenIssued    = "token.issued"
	EventTokenCalled    = "token.called"
	EventTokenServing   = "token.serving"
	EventTokenServed    = "token.served"
	EventTokenCancelled = "token.cancelled"
	EventTokenExpired   = "token.expired"
)

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TokenID      string    `json:"token_id"`
	TokenNumber  string    `json:"token_number"`
	DepartmentID string    `json:"department_id"`
	DivisionID   string    `json:"division_id"`
	Status       string    `json:"status"`
	StaffID      string    `json:"staff_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventTypeFor names the event recorded when a token enters status.
func EventTypeFor(status string) string {
	switch status {
	case models.StatusWaiting:
		return EventTokenIssued
	case models.StatusCalled:
		return EventTokenCalled
	case models.StatusServing:
		return EventTokenServing
	case models.StatusServed:
		return EventTokenServed
	case models.StatusCancelled:
		return EventTokenCancelled
	case models.StatusExpired:
		return EventTokenExpired
	}
	return "token." + status
}

func EventPayload(token models.Token, staffID, note string, occurredAt time.Time) (json.RawMessage, error) {
	return json.Marshal(eventPayload{
		TokenID:      token.TokenID,
		TokenNumber:  token.TokenNumber,
		DepartmentID: token.DepartmentID,
		DivisionID:   token.DivisionID,
		Status:       token.Status,
		StaffID:      staffID,
		Note:         note,
		OccurredAt:   occurredAt.UTC(),
	})
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// ChainEvent builds the event that follows prev (nil for the first event).
func ChainEvent(prev *TokenEvent, tokenID, eventType string, payload json.RawMessage, createdAt time.Time) TokenEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TokenSeq + 1
		prevHash = prev.Hash
	}
	return TokenEvent{
		TokenID:   tokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTokenEventHash(prevHash, tokenID, eventType, payload, createdAt, seq),
	}
}

// ReplayStatuses checks the hash chain and returns the statuses the token
// went through. It fails if any step is not an allowed transition.
func ReplayStatuses(events []TokenEvent) ([]string, error) {
	var statuses []string
	prevHash := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			return nil, fmt.Errorf("event %d: unexpected sequence %d", i, event.TokenSeq)
		}
		if event.PrevHash != prevHash {
			return nil, fmt.Errorf("event %d: broken hash chain", event.TokenSeq)
		}
		want := ComputeTokenEventHash(event.PrevHash, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if event.Hash != want {
			return nil, fmt.Errorf("event %d: hash mismatch", event.TokenSeq)
		}
		prevHash = event.Hash

		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			if payload.Status != models.StatusWaiting {
				return nil, fmt.Errorf("event %d: token must start waiting, got %s", event.TokenSeq, payload.Status)
			}
		} else if last := statuses[len(statuses)-1]; !CanMove(last, payload.Status) {
			return nil, fmt.Errorf("event %d: %s -> %s: %w", event.TokenSeq, last, payload.Status, ErrInvalidStateTransition)
		}
		statuses = append(statuses, payload.Status)
	}
	return statuses, nil
}

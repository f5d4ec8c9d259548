package store

import (
	"sort"

	"qms/token-service/internal/models"
)

// QueuedBefore reports whether a is called before b: higher priority first,
// then creation time, then sequence.
func QueuedBefore(a, b models.Token) bool {
	ra, rb := models.PriorityRank(a.PriorityLevel), models.PriorityRank(b.PriorityLevel)
	if ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Sequence < b.Sequence
}

// SortQueue orders tokens in call order without modifying the input.
func SortQueue(tokens []models.Token) []models.Token {
	out := make([]models.Token, len(tokens))
	copy(out, tokens)
	sort.SliceStable(out, func(i, j int) bool {
		return QueuedBefore(out[i], out[j])
	})
	return out
}

// SortByCreated orders tokens by created_at, then sequence.
func SortByCreated(tokens []models.Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		}
		return tokens[i].Sequence < tokens[j].Sequence
	})
}

package store

import (
	"testing"
	"time"

	"qms/token-service/internal/models"
)

func TestSortQueuePriorityThenFIFO(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	tokens := []models.Token{
		{TokenNumber: "A001", Sequence: 1, PriorityLevel: models.PriorityNormal, CreatedAt: base},
		{TokenNumber: "A002", Sequence: 2, PriorityLevel: models.PriorityUrgent, CreatedAt: base.Add(time.Minute)},
		{TokenNumber: "A003", Sequence: 3, PriorityLevel: models.PriorityNormal, CreatedAt: base.Add(2 * time.Minute)},
		{TokenNumber: "A004", Sequence: 4, PriorityLevel: models.PriorityVIP, CreatedAt: base.Add(3 * time.Minute)},
		{TokenNumber: "A005", Sequence: 5, PriorityLevel: models.PriorityUrgent, CreatedAt: base.Add(4 * time.Minute)},
	}

	sorted := SortQueue(tokens)
	want := []string{"A004", "A002", "A005", "A001", "A003"}
	for i, number := range want {
		if sorted[i].TokenNumber != number {
			t.Fatalf("position %d: got %s, want %s", i, sorted[i].TokenNumber, number)
		}
	}
	if tokens[0].TokenNumber != "A001" {
		t.Fatalf("SortQueue modified its input")
	}
}

func TestQueuedBeforeSameInstantUsesSequence(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a := models.Token{Sequence: 7, PriorityLevel: models.PriorityNormal, CreatedAt: at}
	b := models.Token{Sequence: 8, PriorityLevel: models.PriorityNormal, CreatedAt: at}
	if !QueuedBefore(a, b) || QueuedBefore(b, a) {
		t.Fatalf("expected lower sequence first when created at the same instant")
	}
}

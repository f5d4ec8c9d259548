package store

import (
	"context"
	"errors"
	"testing"
)

func isConflict(err error) bool { return errors.Is(err, ErrConflict) }

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, isConflict, func() error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, isConflict, func() error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, isConflict, func() error {
		calls++
		return ErrInvalidStateTransition
	})
	if !errors.Is(err, ErrInvalidStateTransition) || calls != 1 {
		t.Fatalf("expected one call with invalid transition, got %d calls err=%v", calls, err)
	}
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, isConflict, func() error { return ErrConflict })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestRetryNotifyOnlyBeforeAnotherAttempt(t *testing.T) {
	calls := 0
	var notified []int
	err := RetryNotify(context.Background(), 2, isConflict, func(attempt int, err error) {
		notified = append(notified, attempt)
	}, func() error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(notified) != 1 || notified[0] != 1 {
		t.Fatalf("expected a single retry notification after attempt 1, got %v", notified)
	}
}

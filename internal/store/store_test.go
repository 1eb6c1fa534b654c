package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInsufficientFunds,
		ErrAlreadyPending,
		ErrAccountFrozen,
		ErrInvalidAmount,
		ErrSubscriptionNotFound,
		ErrSubscriptionCancelled,
		ErrNotSubscriptionPayer,
		ErrInvalidSubscription,
		ErrDepositNotConfirmed,
		ErrEngineStopped,
		ErrNoSnapshot,
		ErrConcurrentModification,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("Expected %q and %q to be distinct", a, b)
			}
		}
	}
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("withdraw alice: %w", ErrInsufficientFunds)
	if !errors.Is(wrapped, ErrInsufficientFunds) {
		t.Errorf("Expected wrapped error to match ErrInsufficientFunds")
	}

	var _ SnapshotStore
}

package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestSettlementError(t *testing.T) {
	t.Run("kind sentinels", func(t *testing.T) {
		err := NewStateError("acceptBid", "listing %s is %s", "L1", StatusCompleted)

		if !errors.Is(err, ErrState) {
			t.Error("Expected error to match ErrState")
		}
		if errors.Is(err, ErrValidation) {
			t.Error("State error should not match ErrValidation")
		}

		expected := "acceptBid: listing L1 is Completed"
		if err.Error() != expected {
			t.Errorf("Error message = %q, want %q", err.Error(), expected)
		}
	})

	t.Run("wrapped by fmt.Errorf", func(t *testing.T) {
		inner := NewInsufficientFundsError("ledger.debit", "account alice has 5, needs 10")
		err := fmt.Errorf("vault: lock: %w", inner)

		if !errors.Is(err, ErrInsufficientFunds) {
			t.Error("Expected wrapped error to match ErrInsufficientFunds")
		}
		if KindOf(err) != KindInsufficientFunds {
			t.Errorf("KindOf = %q, want %q", KindOf(err), KindInsufficientFunds)
		}
	})

	t.Run("custody keeps cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := NewCustodyError("vault.release", cause, "compensation failed")

		if !errors.Is(err, cause) {
			t.Error("Expected custody error to wrap cause")
		}
		if !IsFatal(err) {
			t.Error("Custody error should be fatal")
		}
		if err.Error() != "vault.release: compensation failed: disk full" {
			t.Errorf("unexpected message %q", err.Error())
		}
	})
}

func TestIsRetriable(t *testing.T) {
	state := NewStateError("buyItem", "listing left Active")
	validation := NewValidationError("listItem", "price must be positive")
	plain := errors.New("plain error")

	if !IsRetriable(state) {
		t.Error("IsRetriable should return true for state error")
	}
	if IsRetriable(validation) {
		t.Error("IsRetriable should return false for validation error")
	}
	if IsRetriable(plain) {
		t.Error("IsRetriable should return false for plain error")
	}
	if IsFatal(validation) {
		t.Error("validation error should not be fatal")
	}
	if KindOf(plain) != "" {
		t.Errorf("KindOf(plain) = %q, want empty", KindOf(plain))
	}
}

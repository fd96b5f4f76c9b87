package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIsValidEscrowTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{EscrowStatusPending, EscrowStatusFunded, true},
		{EscrowStatusFunded, EscrowStatusPaymentPending, true},
		{EscrowStatusPaymentPending, EscrowStatusPaymentConfirmed, true},
		{EscrowStatusPaymentConfirmed, EscrowStatusCompleted, true},

		// Cancellation paths
		{EscrowStatusPending, EscrowStatusCancelled, true},
		{EscrowStatusFunded, EscrowStatusCancelled, true},
		{EscrowStatusPaymentPending, EscrowStatusCancelled, false},
		{EscrowStatusPaymentConfirmed, EscrowStatusCancelled, false},

		// Dispute paths
		{EscrowStatusPending, EscrowStatusDisputed, true},
		{EscrowStatusFunded, EscrowStatusDisputed, true},
		{EscrowStatusPaymentPending, EscrowStatusDisputed, true},
		{EscrowStatusPaymentConfirmed, EscrowStatusDisputed, true},
		{EscrowStatusDisputed, EscrowStatusCompleted, true},
		{EscrowStatusDisputed, EscrowStatusCancelled, true},

		// Invalid transitions
		{EscrowStatusPending, EscrowStatusPaymentPending, false},
		{EscrowStatusPending, EscrowStatusCompleted, false},
		{EscrowStatusFunded, EscrowStatusPaymentConfirmed, false},
		{EscrowStatusFunded, EscrowStatusCompleted, false},
		{EscrowStatusPaymentPending, EscrowStatusFunded, false},
		{EscrowStatusCompleted, EscrowStatusDisputed, false},
		{EscrowStatusCompleted, EscrowStatusCancelled, false},
		{EscrowStatusCancelled, EscrowStatusPending, false},
		{EscrowStatusCancelled, EscrowStatusDisputed, false},
		{EscrowStatusDisputed, EscrowStatusDisputed, false},
		{"nonexistent", EscrowStatusFunded, false},
		{EscrowStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidEscrowTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidEscrowTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllEscrowStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []string{
		EscrowStatusPending, EscrowStatusFunded,
		EscrowStatusPaymentPending, EscrowStatusPaymentConfirmed,
		EscrowStatusCompleted, EscrowStatusDisputed, EscrowStatusCancelled,
	}

	for _, status := range allStatuses {
		if _, ok := ValidEscrowTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidEscrowTransitions map", status)
		}
	}
}

func TestTerminalEscrowStatusesHaveNoTransitions(t *testing.T) {
	for _, status := range []string{EscrowStatusCompleted, EscrowStatusCancelled} {
		if !IsTerminalEscrowStatus(status) {
			t.Errorf("status %q should be terminal", status)
		}
		if transitions := ValidEscrowTransitions[status]; len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
	}

	for _, status := range []string{EscrowStatusPending, EscrowStatusFunded, EscrowStatusPaymentPending, EscrowStatusPaymentConfirmed, EscrowStatusDisputed} {
		if IsTerminalEscrowStatus(status) {
			t.Errorf("status %q should not be terminal", status)
		}
	}
}

func TestDisputedReachableFromEveryNonTerminalStatus(t *testing.T) {
	for status, targets := range ValidEscrowTransitions {
		if IsTerminalEscrowStatus(status) || status == EscrowStatusDisputed {
			continue
		}
		found := false
		for _, to := range targets {
			if to == EscrowStatusDisputed {
				found = true
			}
		}
		if !found {
			t.Errorf("status %q cannot reach disputed", status)
		}
	}
}

func TestIsParty(t *testing.T) {
	buyer := uuid.New()
	seller := uuid.New()
	tx := &EscrowTransaction{BuyerID: buyer, SellerID: seller}

	if !tx.IsParty(buyer) || !tx.IsParty(seller) {
		t.Error("buyer and seller must both be parties")
	}
	if tx.IsParty(uuid.New()) {
		t.Error("unrelated user must not be a party")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	tx := &EscrowTransaction{ExpiresAt: now}

	if tx.Expired(now.Add(-time.Second)) {
		t.Error("should not be expired before the deadline")
	}
	if !tx.Expired(now.Add(time.Second)) {
		t.Error("should be expired after the deadline")
	}
}

package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		fatal        bool
		transient    bool
		precondition bool
	}{
		{name: "order creation", err: ErrOrderCreation, fatal: true},
		{name: "wrapped gateway init", err: fmt.Errorf("create transaction: %w", ErrGatewayInit), fatal: true},
		{name: "not found", err: ErrTransactionNotFound, transient: true},
		{name: "status check", err: errors.Join(ErrGatewayStatusCheck, errors.New("timeout")), transient: true},
		{name: "empty cart", err: ErrCartEmpty, precondition: true},
		{name: "unauthenticated", err: fmt.Errorf("store api: %w", ErrUnauthenticated), precondition: true},
		{name: "reconciliation", err: ErrReconciliationStep},
		{name: "nil error", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsPrecondition(tt.err); got != tt.precondition {
				t.Errorf("IsPrecondition() = %v, want %v", got, tt.precondition)
			}
		})
	}
}

func TestIdempotencyKeyContext(t *testing.T) {
	ctx := WithIdempotencyKey(t.Context(), IdempotencyKey("ORD1", StepReduceStock))

	key, ok := IdempotencyKeyFrom(ctx)
	if !ok || key != "ORD1:reduce_stock" {
		t.Fatalf("unexpected key %q (ok=%v)", key, ok)
	}

	if _, ok := IdempotencyKeyFrom(WithIdempotencyKey(t.Context(), "")); ok {
		t.Fatal("empty key must not be attached")
	}
}

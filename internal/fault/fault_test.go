package fault

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestStorageMapsENOSPC(t *testing.T) {
	err := Storage("put", fmt.Errorf("write: %w", syscall.ENOSPC))
	if !errors.Is(err, ErrStorageFull) {
		t.Fatalf("expected ErrStorageFull, got %v", err)
	}
	if !IsStorage(err) {
		t.Fatalf("expected storage error, got %T", err)
	}
}

func TestStorageDoesNotDoubleWrap(t *testing.T) {
	inner := Storage("open", errors.New("boom"))
	outer := Storage("put", inner)
	if outer != inner {
		t.Fatalf("expected same error, got %v", outer)
	}
	if Storage("noop", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		rejected  bool
		invariant bool
	}{
		{name: "transient", err: fmt.Errorf("send: %w", Transient(errors.New("timeout"))), transient: true},
		{name: "rejection", err: fmt.Errorf("send: %w", Reject("conflict", "digest bound")), rejected: true},
		{name: "invariant", err: &InvariantError{Kind: "duplicate_asset", IDs: []string{"a", "b"}}, invariant: true},
		{name: "plain", err: errors.New("plain")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.transient {
				t.Fatalf("IsTransient = %v, want %v", got, tc.transient)
			}
			if got := IsRejection(tc.err); got != tc.rejected {
				t.Fatalf("IsRejection = %v, want %v", got, tc.rejected)
			}
			if got := IsInvariant(tc.err); got != tc.invariant {
				t.Fatalf("IsInvariant = %v, want %v", got, tc.invariant)
			}
		})
	}
}

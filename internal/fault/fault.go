// Package fault defines the error kinds shared by the storage and sync layers.
package fault

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotFound reports that a digest or entity is not present locally.
	ErrNotFound = errors.New("not found")
	// ErrStorageFull reports that the local volume has no space left.
	ErrStorageFull = errors.New("storage full")
	// ErrTransitionPending is returned for writes attempted while an account
	// transition is in progress and nothing holds the write queue.
	ErrTransitionPending = errors.New("account transition in progress")
	// ErrUnflushedWrites is returned by sign-out while buffered writes remain.
	ErrUnflushedWrites = errors.New("unflushed writes remain")

	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
)

// StorageError wraps a local I/O or database failure. These are never
// retried by the layer that produced them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("storage: %v", e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError. ENOSPC is mapped to ErrStorageFull.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) {
		err = fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is a local storage failure.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectionError means the remote refused a mutation permanently.
type RejectionError struct {
	Reason string
	Code   string
}

func (e *RejectionError) Error() string {
	if e.Code == "" {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Reason)
}

// Reject builds a RejectionError.
func Reject(code, reason string) error {
	return &RejectionError{Code: code, Reason: reason}
}

// IsRejection reports whether err is a permanent remote rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// InvariantError reports a broken data invariant, such as two assets bound to
// one digest or a record owned by a foreign account.
type InvariantError struct {
	Kind   string
	Detail string
	IDs    []string
}

func (e *InvariantError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("invariant %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("invariant %s: %s %v", e.Kind, e.Detail, e.IDs)
}

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

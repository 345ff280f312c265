package blobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all drivers. Callers match them with
// errors.Is; drivers wrap them in StoreError to attach context.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists indicates a non-overwriting write collided with an
	// existing object.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrVersionMismatch indicates a conditioned operation found a
	// version token different from the one the caller last observed.
	// Callers should re-read and retry with fresh state.
	ErrVersionMismatch = errors.New("object changed in backend")

	// ErrAlreadyLeased indicates the object is exclusively leased by
	// another holder. This is transient; polling until the lease expires
	// or is released usually succeeds.
	ErrAlreadyLeased = errors.New("object already leased")

	// ErrLeaseLost indicates the presented lease token no longer
	// identifies an active lease (expired, broken, or never granted).
	ErrLeaseLost = errors.New("lease lost")
)

// StoreError wraps a sentinel error with the operation and object that
// produced it, without breaking errors.Is matching:
//
//	err := &StoreError{Op: "write", Container: "data", Key: "jobs/1", Backend: "s3", Err: ErrVersionMismatch}
//	errors.Is(err, ErrVersionMismatch) // true
type StoreError struct {
	// Op is the failing operation: "read", "write", "delete", "lease",
	// "renew", "break", "list" or "properties".
	Op string

	// Container is the container (bucket) name.
	Container string

	// Key is the affected object name. Empty for container-level
	// operations.
	Key string

	// Backend identifies the driver: "s3" or "memory".
	Backend string

	// Err is the wrapped sentinel or transport error.
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("blobstore %s: %s (container=%s, backend=%s)",
			e.Op, e.Err, e.Container, e.Backend)
	}
	return fmt.Sprintf("blobstore %s: %s (container=%s, key=%s, backend=%s)",
		e.Op, e.Err, e.Container, e.Key, e.Backend)
}

// Unwrap returns the underlying error, enabling errors.Is and errors.As
// through the wrapper.
func (e *StoreError) Unwrap() error {
	return e.Err
}

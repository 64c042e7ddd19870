package repositories

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by store errors describing missing records.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is wrapped by store errors describing uniqueness or version conflicts.
	ErrConflict = errors.New("repository: conflict")
	// ErrUnavailable is wrapped by store errors describing transient backend failures.
	ErrUnavailable = errors.New("repository: unavailable")
	// ErrPaymentRefTaken signals the external payment reference is already bound to another order.
	ErrPaymentRefTaken = errors.New("repository: external payment reference already recorded")
)

// StoreError is the RepositoryError used by the memory and Postgres backends.
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

// NewStoreError wraps err with the operation and kind (ErrNotFound, ErrConflict, ErrUnavailable).
func NewStoreError(op string, kind error, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying error.
func (e *StoreError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsNotFound reports whether the record was missing.
func (e *StoreError) IsNotFound() bool { return e != nil && errors.Is(e.Kind, ErrNotFound) }

// IsConflict reports whether a uniqueness or version check failed.
func (e *StoreError) IsConflict() bool { return e != nil && errors.Is(e.Kind, ErrConflict) }

// IsUnavailable reports whether the backend failed transiently.
func (e *StoreError) IsUnavailable() bool { return e != nil && errors.Is(e.Kind, ErrUnavailable) }

// IsNotFound reports whether err is a RepositoryError describing a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError describing a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError describing a transient failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/reconciler/internal/repositories"
)

// Error implements repositories.RepositoryError for Firestore backed repositories. It unwraps to the
// matching repositories sentinel so errors.Is works across backends.
type Error struct {
	Op   string
	Code codes.Code
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error and the repository sentinel for its code.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := []error{e.Err}
	switch {
	case e.IsNotFound():
		out = append(out, repositories.ErrNotFound)
	case e.IsConflict():
		out = append(out, repositories.ErrConflict)
	case e.IsUnavailable():
		out = append(out, repositories.ErrUnavailable)
	}
	return out
}

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool {
	return e != nil && e.Code == codes.NotFound
}

// IsConflict reports whether the error represents a conflicting write.
func (e *Error) IsConflict() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsAlreadyExists reports whether a Create hit an existing document.
func (e *Error) IsAlreadyExists() bool {
	return e != nil && e.Code == codes.AlreadyExists
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}

// WrapError annotates Firestore errors with repository semantics. Context cancellations pass through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		return existing
	}
	// Domain errors returned from inside a transaction callback keep their identity.
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		return err
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.OK:
		// Plain Go errors carry no gRPC status.
		code = codes.Unknown
	}
	return &Error{Op: op, Code: code, Err: err}
}

// IsAlreadyExists reports whether err came from creating a document that already exists.
func IsAlreadyExists(err error) bool {
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.IsAlreadyExists()
	}
	return status.Code(err) == codes.AlreadyExists
}

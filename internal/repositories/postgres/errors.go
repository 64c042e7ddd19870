package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgTooManyConnections   = "53300"
	pgAdminShutdown        = "57P01"

	paymentRefConstraint = "orders_external_payment_ref_key"
)

// wrapError converts pgx failures into repository errors. Context and domain errors pass through.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == paymentRefConstraint {
				return repositories.NewStoreError(op, repositories.ErrConflict, errors.Join(repositories.ErrPaymentRefTaken, err))
			}
			return repositories.NewStoreError(op, repositories.ErrConflict, err)
		case pgForeignKeyViolation, pgCheckViolation:
			return repositories.NewStoreError(op, repositories.ErrConflict, err)
		case pgSerializationFailure, pgDeadlockDetected, pgTooManyConnections, pgAdminShutdown:
			return repositories.NewStoreError(op, repositories.ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return repositories.NewStoreError(op, repositories.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

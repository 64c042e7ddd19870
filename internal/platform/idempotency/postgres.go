package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool the Postgres store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

const (
	insertPendingSQL = `INSERT INTO idempotency_keys
    (id, key, fingerprint, status, response_status, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

	selectForUpdateSQL = `SELECT key, fingerprint, status, response_status, response_headers, response_body,
       created_at, updated_at, expires_at
FROM idempotency_keys WHERE id=$1 FOR UPDATE`

	upsertRecordSQL = `INSERT INTO idempotency_keys
    (id, key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    fingerprint=EXCLUDED.fingerprint, status=EXCLUDED.status, response_status=EXCLUDED.response_status,
    response_headers=EXCLUDED.response_headers, response_body=EXCLUDED.response_body,
    created_at=EXCLUDED.created_at, updated_at=EXCLUDED.updated_at, expires_at=EXCLUDED.expires_at`

	deleteExpiredSQL = `DELETE FROM idempotency_keys WHERE id IN (
    SELECT id FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
)`
)

// PostgresStore implements Store on the idempotency_keys table.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore constructs a Postgres-backed idempotency store.
func NewPostgresStore(pool PgxPool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("idempotency: postgres pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

var _ Store = (*PostgresStore)(nil)

// Reserve claims the key with an insert; on conflict the existing row is locked and re-evaluated.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := recordID(key)
	var result Reservation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		fresh, _, _ := reserve(Record{}, false, key, fingerprint, now, ttl)
		tag, err := tx.Exec(ctx, insertPendingSQL, id, key, fingerprint, string(StatusPending), now, now, fresh.Record.ExpiresAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			result = fresh
			return nil
		}
		current, err := scanRecord(tx.QueryRow(ctx, selectForUpdateSQL, id))
		if err != nil {
			return err
		}
		res, write, err := reserve(current, true, key, fingerprint, now, ttl)
		if err != nil {
			return err
		}
		if write != nil {
			if err := upsertRecord(ctx, tx, id, *write); err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

// SaveResponse implements Store.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := recordID(key)
	return s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanRecord(tx.QueryRow(ctx, selectForUpdateSQL, id))
		found := err == nil
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		record, err := complete(current, found, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return upsertRecord(ctx, tx, id, record)
	})
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE id=$1`, recordID(key)); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired deletes up to limit expired rows, oldest expiry first.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	tag, err := s.pool.Exec(ctx, deleteExpiredSQL, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("idempotency: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertRecord(ctx context.Context, tx pgx.Tx, id string, r Record) error {
	var headers []byte
	if len(r.ResponseHeaders) > 0 {
		encoded, err := json.Marshal(r.ResponseHeaders)
		if err != nil {
			return fmt.Errorf("idempotency: encode headers: %w", err)
		}
		headers = encoded
	}
	_, err := tx.Exec(ctx, upsertRecordSQL, id, r.Key, r.Fingerprint, string(r.Status), r.ResponseStatus,
		headers, r.ResponseBody, r.CreatedAt, r.UpdatedAt, r.ExpiresAt)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r       Record
		status  string
		headers []byte
	)
	if err := row.Scan(&r.Key, &r.Fingerprint, &status, &r.ResponseStatus, &headers, &r.ResponseBody,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &r.ResponseHeaders); err != nil {
			return Record{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return r, nil
}

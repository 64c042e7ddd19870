package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
)

const (
	defaultCollection   = "idempotencyKeys"
	defaultCleanupLimit = 100
)

// FirestoreStore implements Store on the shared Firestore provider. Requires a single-field index on expiresAt.
type FirestoreStore struct {
	provider *pfirestore.Provider
	records  *pfirestore.Collection[firestoreRecord]
}

// NewFirestoreStore constructs a Firestore-backed idempotency store.
func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	return &FirestoreStore{
		provider: provider,
		records:  pfirestore.NewCollection[firestoreRecord](provider, defaultCollection),
	}, nil
}

var _ Store = (*FirestoreStore)(nil)

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id := recordID(key)
	var result Reservation
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := s.records.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		res, write, err := reserve(doc.Data.toRecord(), found, key, fingerprint, now.UTC(), ttl)
		if err != nil {
			return err
		}
		if write != nil {
			if err := s.records.SetTx(ctx, tx, id, newFirestoreRecord(*write)); err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	return result, err
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := recordID(key)
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := s.records.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		record, err := complete(doc.Data.toRecord(), found, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return s.records.SetTx(ctx, tx, id, newFirestoreRecord(record))
	})
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	err := s.records.Delete(ctx, recordID(key))
	var fsErr *pfirestore.Error
	if errors.As(err, &fsErr) && fsErr.IsNotFound() {
		return nil
	}
	return err
}

// CleanupExpired removes expired records up to limit in one batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	docs, err := s.records.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now.UTC()).OrderBy("expiresAt", firestore.Asc).Limit(limit)
	})
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, doc := range docs {
			if err := s.records.DeleteTx(ctx, tx, doc.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func newFirestoreRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/skillbridge/api/internal/platform/firestore"
	"github.com/skillbridge/api/internal/repositories"
)

// DefaultCollection holds idempotency keys in Firestore.
const DefaultCollection = "idempotency_keys"

type keyDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Completed   bool                `firestore:"completed"`
	Status      int                 `firestore:"status"`
	Headers     map[string][]string `firestore:"headers,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func (d keyDocument) record() Record {
	return Record(d)
}

// FirestoreStore keeps keys in a Firestore collection, one document per hashed key. Expired documents
// are removed by Purge; a Firestore TTL policy on expiresAt can do the same server-side.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.Collection[keyDocument]
}

// NewFirestoreStore binds the store to collection (DefaultCollection when empty).
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{provider: provider, keys: pfirestore.NewCollection[keyDocument](provider, collection)}
}

func (s *FirestoreStore) load(ctx context.Context, key string) (*Record, error) {
	doc, err := s.keys.Get(ctx, documentID(key))
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	record := doc.Data.record()
	return &record, nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var result Reservation
	err := s.provider.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		reservation, write, err := decide(existing, key, fingerprint, now.UTC(), ttl)
		if err != nil {
			return err
		}
		if write != nil {
			if err := s.keys.Set(ctx, documentID(key), keyDocument(*write)); err != nil {
				return err
			}
		}
		result = reservation
		return nil
	})
	return result, err
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.provider.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		record, err := completed(existing, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return s.keys.Set(ctx, documentID(key), keyDocument(record))
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	return s.keys.Delete(ctx, documentID(key))
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	removed := 0
	err := s.provider.RunInTx(ctx, func(ctx context.Context) error {
		removed = 0
		expired, err := s.keys.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("expiresAt", "<=", now.UTC()).Limit(limit)
		})
		if err != nil {
			return err
		}
		for _, doc := range expired {
			if err := s.keys.Delete(ctx, doc.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

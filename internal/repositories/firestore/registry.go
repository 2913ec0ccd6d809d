// Package firestore stores orders and payments in Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/skillbridge/api/internal/platform/firestore"
	"github.com/skillbridge/api/internal/repositories"
)

const (
	orderCollection       = "orders"
	paymentCollection     = "payments"
	transactionCollection = "payment_transactions"
)

// Store implements repositories.Registry on top of a shared Firestore provider.
type Store struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	payments *PaymentRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires the order and payment repositories to provider.
func NewStore(provider *pfirestore.Provider) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store: provider is required")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Store{provider: provider, orders: orders, payments: payments}, nil
}

func (s *Store) Orders() repositories.OrderRepository     { return s.orders }
func (s *Store) Payments() repositories.PaymentRepository { return s.payments }

// RunInTx runs fn in a Firestore transaction. Firestore may invoke fn more than once on contention.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.provider.RunInTx(ctx, fn)
}

// Ping checks that the orders collection is readable.
func (s *Store) Ping(ctx context.Context) error {
	return s.provider.Ping(ctx, orderCollection)
}

// Close releases the Firestore client.
func (s *Store) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

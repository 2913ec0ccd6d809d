package repositories

import (
	"context"

	domain "github.com/skillbridge/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked with the
// context passed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders. Update applies optimistic concurrency on Order.Version: the stored
// version must equal the supplied version minus one, otherwise a conflict error is returned.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

// PaymentRepository persists settled payments. Insert must fail with a conflict error when a payment
// with the same transaction id already exists.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error)
	FindCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	ListCompletedByReceiver(ctx context.Context, receiverID string) ([]domain.Payment, error)
}

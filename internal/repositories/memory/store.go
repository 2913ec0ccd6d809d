// Package memory provides an in-process order and payment store for local runs and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/repositories"
)

type txKey struct{}

// Store keeps orders and payments in maps guarded by a single lock. RunInTx holds the lock for the whole
// callback and restores a snapshot when the callback fails.
type Store struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	byTxn    map[string]string
}

var (
	_ repositories.Registry          = (*Store)(nil)
	_ repositories.OrderRepository   = (*orderRepository)(nil)
	_ repositories.PaymentRepository = (*paymentRepository)(nil)
)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		byTxn:    make(map[string]string),
	}
}

// Orders returns the order repository view.
func (s *Store) Orders() repositories.OrderRepository { return &orderRepository{store: s} }

// Payments returns the payment repository view.
func (s *Store) Payments() repositories.PaymentRepository { return &paymentRepository{store: s} }

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

// Ping implements repositories.Registry.
func (s *Store) Ping(context.Context) error { return nil }

// RunInTx executes fn with exclusive access to the store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory store: transaction function is nil")
	}
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.orders, s.payments, s.byTxn = snapshot.orders, snapshot.payments, snapshot.byTxn
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store lock unless ctx already runs inside this store's transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type storeSnapshot struct {
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	byTxn    map[string]string
}

func (s *Store) snapshot() storeSnapshot {
	snap := storeSnapshot{
		orders:   make(map[string]domain.Order, len(s.orders)),
		payments: make(map[string]domain.Payment, len(s.payments)),
		byTxn:    make(map[string]string, len(s.byTxn)),
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.byTxn {
		snap.byTxn[k] = v
	}
	return snap
}

type orderRepository struct {
	store *Store
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer r.store.lock(ctx)()
	if _, exists := r.store.orders[order.ID]; exists {
		return repositories.NewConflictError("orders.insert", "order %s already exists", order.ID)
	}
	r.store.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	defer r.store.lock(ctx)()
	current, ok := r.store.orders[order.ID]
	if !ok {
		return repositories.NewNotFoundError("orders.update", "order %s not found", order.ID)
	}
	if current.Version != order.Version-1 {
		return repositories.NewConflictError("orders.update", "order %s version %d is stale", order.ID, order.Version)
	}
	r.store.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.store.lock(ctx)()
	order, ok := r.store.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	defer r.store.lock(ctx)()
	out := make([]domain.Order, 0)
	for _, order := range r.store.orders {
		if order.ParticipantID(filter.Role) != filter.UserID {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

type paymentRepository struct {
	store *Store
}

func (r *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	defer r.store.lock(ctx)()
	if _, exists := r.store.byTxn[payment.TransactionID]; exists {
		return repositories.NewConflictError("payments.insert", "transaction %s already recorded", payment.TransactionID)
	}
	if _, exists := r.store.payments[payment.ID]; exists {
		return repositories.NewConflictError("payments.insert", "payment %s already exists", payment.ID)
	}
	if payment.Status == domain.PaymentStatusCompleted {
		for _, existing := range r.store.payments {
			if existing.OrderID == payment.OrderID && existing.Status == domain.PaymentStatusCompleted {
				return repositories.NewConflictError("payments.insert", "order %s already settled", payment.OrderID)
			}
		}
	}
	r.store.payments[payment.ID] = clonePayment(payment)
	r.store.byTxn[payment.TransactionID] = payment.ID
	return nil
}

func (r *paymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	defer r.store.lock(ctx)()
	id, ok := r.store.byTxn[transactionID]
	if !ok {
		return domain.Payment{}, repositories.NewNotFoundError("payments.find_by_transaction", "transaction %s not found", transactionID)
	}
	return clonePayment(r.store.payments[id]), nil
}

func (r *paymentRepository) FindCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	defer r.store.lock(ctx)()
	for _, payment := range r.store.payments {
		if payment.OrderID == orderID && payment.Status == domain.PaymentStatusCompleted {
			return clonePayment(payment), nil
		}
	}
	return domain.Payment{}, repositories.NewNotFoundError("payments.find_by_order", "no completed payment for order %s", orderID)
}

func (r *paymentRepository) ListCompletedByReceiver(ctx context.Context, receiverID string) ([]domain.Payment, error) {
	defer r.store.lock(ctx)()
	out := make([]domain.Payment, 0)
	for _, payment := range r.store.payments {
		if payment.ReceiverID == receiverID && payment.Status == domain.PaymentStatusCompleted {
			out = append(out, clonePayment(payment))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneOrder(order domain.Order) domain.Order {
	if order.PaidAt != nil {
		paidAt := *order.PaidAt
		order.PaidAt = &paidAt
	}
	return order
}

func clonePayment(payment domain.Payment) domain.Payment {
	if payment.PaymentDetails != nil {
		details := make(map[string]any, len(payment.PaymentDetails))
		for k, v := range payment.PaymentDetails {
			details[k] = v
		}
		payment.PaymentDetails = details
	}
	return payment
}

package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	pfirestore "github.com/skillbridge/api/internal/platform/firestore"
	"github.com/skillbridge/api/internal/repositories"
)

// OrderRepository persists orders under orders/{orderId}.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, orderCollection),
	}, nil
}

// Insert creates the order document. An existing id is reported as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.orders.Create(ctx, order.ID, fromDomainOrder(order))
}

// Update replaces the stored order. Outside a transaction the stored version is checked in a dedicated
// read-then-write transaction. Inside a caller's transaction the order was already read through the same
// transaction, so Firestore rejects the commit if another writer touched it in between.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	doc := fromDomainOrder(order)
	if _, ok := pfirestore.TransactionFromContext(ctx); ok {
		return r.orders.Set(ctx, order.ID, doc)
	}
	return r.provider.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := r.orders.Get(txCtx, order.ID)
		if err != nil {
			return err
		}
		if current.Data.Version != order.Version-1 {
			return pfirestore.Conflict("orders.update", "order %s: stored version %d, expected %d", order.ID, current.Data.Version, order.Version-1)
		}
		return r.orders.Set(txCtx, order.ID, doc)
	})
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// List returns the participant's orders newest first.
func (r *OrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	field := "clientId"
	if filter.Role == domain.RoleFreelancer {
		field = "freelancerId"
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where(field, "==", filter.UserID)
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		return q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

type orderDocument struct {
	ServiceID     string     `firestore:"serviceId"`
	ClientID      string     `firestore:"clientId"`
	FreelancerID  string     `firestore:"freelancerId"`
	Amount        string     `firestore:"amount"`
	Status        string     `firestore:"status"`
	PaymentStatus string     `firestore:"paymentStatus"`
	Requirements  string     `firestore:"requirements"`
	DeliveryDate  time.Time  `firestore:"deliveryDate"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
	PaidAt        *time.Time `firestore:"paidAt,omitempty"`
	Version       int64      `firestore:"version"`
}

func fromDomainOrder(order domain.Order) orderDocument {
	return orderDocument{
		ServiceID:     order.ServiceID,
		ClientID:      order.ClientID,
		FreelancerID:  order.FreelancerID,
		Amount:        order.Amount.String(),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Requirements:  order.Requirements,
		DeliveryDate:  order.DeliveryDate.UTC(),
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		PaidAt:        order.PaidAt,
		Version:       order.Version,
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: decode amount %q: %w", id, d.Amount, err)
	}
	paymentStatus := domain.OrderPaymentStatus(d.PaymentStatus)
	if paymentStatus == "" {
		paymentStatus = domain.OrderPaymentUnpaid
	}
	var paidAt *time.Time
	if d.PaidAt != nil {
		t := d.PaidAt.UTC()
		paidAt = &t
	}
	return domain.Order{
		ID:            id,
		ServiceID:     d.ServiceID,
		ClientID:      d.ClientID,
		FreelancerID:  d.FreelancerID,
		Amount:        amount,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: paymentStatus,
		Requirements:  d.Requirements,
		DeliveryDate:  d.DeliveryDate.UTC(),
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		PaidAt:        paidAt,
		Version:       d.Version,
	}, nil
}

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

// PaymentRepository persists payments under payments/{paymentId}. A guard document keyed by the provider
// transaction id enforces transaction id uniqueness.
type PaymentRepository struct {
	provider     *pfirestore.Provider
	payments     *pfirestore.Collection[paymentDocument]
	transactions *pfirestore.Collection[transactionGuard]
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		provider:     provider,
		payments:     pfirestore.NewCollection[paymentDocument](provider, paymentCollection),
		transactions: pfirestore.NewCollection[transactionGuard](provider, transactionCollection),
	}, nil
}

// Insert writes the guard and the payment together. A second insert for the same transaction id fails
// with a conflict, either immediately or when the surrounding transaction commits.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	return r.provider.RunInTx(ctx, func(txCtx context.Context) error {
		if err := r.transactions.Create(txCtx, payment.TransactionID, transactionGuard{PaymentID: payment.ID}); err != nil {
			return err
		}
		return r.payments.Create(txCtx, payment.ID, fromDomainPayment(payment))
	})
}

// FindByTransactionID resolves the guard document and loads the payment it points to.
func (r *PaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	guard, err := r.transactions.Get(ctx, transactionID)
	if err != nil {
		return domain.Payment{}, err
	}
	doc, err := r.payments.Get(ctx, guard.Data.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// FindCompletedByOrder returns the order's completed payment, if any.
func (r *PaymentRepository) FindCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).
			Where("status", "==", string(domain.PaymentStatusCompleted)).
			Limit(1)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if len(docs) == 0 {
		return domain.Payment{}, pfirestore.NotFound("payments.find_completed", "no completed payment for order %s", orderID)
	}
	return docs[0].Data.toDomain(docs[0].ID)
}

// ListCompletedByReceiver returns completed payments received by receiverID, oldest first.
func (r *PaymentRepository) ListCompletedByReceiver(ctx context.Context, receiverID string) ([]domain.Payment, error) {
	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("receiverId", "==", receiverID).
			Where("status", "==", string(domain.PaymentStatusCompleted)).
			OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	payments := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		payment, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

type transactionGuard struct {
	PaymentID string `firestore:"paymentId"`
}

type paymentDocument struct {
	OrderID        string         `firestore:"orderId"`
	PayerID        string         `firestore:"payerId"`
	ReceiverID     string         `firestore:"receiverId"`
	Amount         string         `firestore:"amount"`
	Currency       string         `firestore:"currency"`
	PaymentMethod  string         `firestore:"paymentMethod"`
	Status         string         `firestore:"status"`
	TransactionID  string         `firestore:"transactionId"`
	PaymentDetails map[string]any `firestore:"paymentDetails,omitempty"`
	CreatedAt      time.Time      `firestore:"createdAt"`
}

func fromDomainPayment(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:        payment.OrderID,
		PayerID:        payment.PayerID,
		ReceiverID:     payment.ReceiverID,
		Amount:         payment.Amount.String(),
		Currency:       payment.Currency,
		PaymentMethod:  string(payment.PaymentMethod),
		Status:         string(payment.Status),
		TransactionID:  payment.TransactionID,
		PaymentDetails: payment.PaymentDetails,
		CreatedAt:      payment.CreatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain(id string) (domain.Payment, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("payment %s: decode amount %q: %w", id, d.Amount, err)
	}
	return domain.Payment{
		ID:             id,
		OrderID:        d.OrderID,
		PayerID:        d.PayerID,
		ReceiverID:     d.ReceiverID,
		Amount:         amount,
		Currency:       d.Currency,
		PaymentMethod:  domain.PaymentMethod(d.PaymentMethod),
		Status:         domain.PaymentStatus(d.Status),
		TransactionID:  d.TransactionID,
		PaymentDetails: d.PaymentDetails,
		CreatedAt:      d.CreatedAt.UTC(),
	}, nil
}

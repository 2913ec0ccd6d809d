package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/repositories"
)

const paymentColumns = `id, order_id, payer_id, receiver_id, amount, currency, payment_method, status,
	transaction_id, payment_details, created_at`

// PaymentRepository persists payments. Unique indexes on transaction_id and on completed payments per
// order turn duplicate inserts into conflict errors.
type PaymentRepository struct {
	store *Store
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

type paymentRow struct {
	ID             string          `db:"id"`
	OrderID        string          `db:"order_id"`
	PayerID        string          `db:"payer_id"`
	ReceiverID     string          `db:"receiver_id"`
	Amount         decimal.Decimal `db:"amount"`
	Currency       string          `db:"currency"`
	PaymentMethod  string          `db:"payment_method"`
	Status         string          `db:"status"`
	TransactionID  string          `db:"transaction_id"`
	PaymentDetails []byte          `db:"payment_details"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r paymentRow) toDomain() (domain.Payment, error) {
	payment := domain.Payment{
		ID:            r.ID,
		OrderID:       r.OrderID,
		PayerID:       r.PayerID,
		ReceiverID:    r.ReceiverID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod),
		Status:        domain.PaymentStatus(r.Status),
		TransactionID: r.TransactionID,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.PaymentDetails) > 0 {
		if err := json.Unmarshal(r.PaymentDetails, &payment.PaymentDetails); err != nil {
			return domain.Payment{}, fmt.Errorf("payment %s: decode details: %w", r.ID, err)
		}
	}
	return payment, nil
}

// Insert adds a payment row.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	details := payment.PaymentDetails
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("payments.insert: encode details: %w", err)
	}
	q, _ := r.store.conn(ctx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, payment.ID, payment.OrderID, payment.PayerID, payment.ReceiverID, payment.Amount, payment.Currency,
		string(payment.PaymentMethod), string(payment.Status), payment.TransactionID, raw, payment.CreatedAt)
	return wrapError("payments.insert", err)
}

// FindByTransactionID loads the payment recorded for a provider transaction.
func (r *PaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_by_transaction",
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, transactionID)
}

// FindCompletedByOrder loads the completed payment for an order.
func (r *PaymentRepository) FindCompletedByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_completed",
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 AND status = $2`,
		orderID, string(domain.PaymentStatusCompleted))
}

// ListCompletedByReceiver returns completed payments received by receiverID, oldest first.
func (r *PaymentRepository) ListCompletedByReceiver(ctx context.Context, receiverID string) ([]domain.Payment, error) {
	q, _ := r.store.conn(ctx)
	var rows []paymentRow
	if err := q.SelectContext(ctx, &rows,
		`SELECT `+paymentColumns+` FROM payments WHERE receiver_id = $1 AND status = $2 ORDER BY created_at, id`,
		receiverID, string(domain.PaymentStatusCompleted)); err != nil {
		return nil, wrapError("payments.list_received", err)
	}
	payments := make([]domain.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func (r *PaymentRepository) findOne(ctx context.Context, op, query string, args ...any) (domain.Payment, error) {
	q, _ := r.store.conn(ctx)
	var row paymentRow
	if err := q.GetContext(ctx, &row, query, args...); err != nil {
		return domain.Payment{}, wrapError(op, err)
	}
	return row.toDomain()
}

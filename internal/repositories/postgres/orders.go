package postgres

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/repositories"
)

const orderColumns = `id, service_id, client_id, freelancer_id, amount, status, payment_status, requirements,
	delivery_date, created_at, updated_at, paid_at, version`

// OrderRepository persists orders in the orders table.
type OrderRepository struct {
	store *Store
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

type orderRow struct {
	ID            string          `db:"id"`
	ServiceID     string          `db:"service_id"`
	ClientID      string          `db:"client_id"`
	FreelancerID  string          `db:"freelancer_id"`
	Amount        decimal.Decimal `db:"amount"`
	Status        string          `db:"status"`
	PaymentStatus string          `db:"payment_status"`
	Requirements  string          `db:"requirements"`
	DeliveryDate  time.Time       `db:"delivery_date"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	PaidAt        *time.Time      `db:"paid_at"`
	Version       int64           `db:"version"`
}

func (r orderRow) toDomain() domain.Order {
	order := domain.Order{
		ID:            r.ID,
		ServiceID:     r.ServiceID,
		ClientID:      r.ClientID,
		FreelancerID:  r.FreelancerID,
		Amount:        r.Amount,
		Status:        domain.OrderStatus(r.Status),
		PaymentStatus: domain.OrderPaymentStatus(r.PaymentStatus),
		Requirements:  r.Requirements,
		DeliveryDate:  r.DeliveryDate.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		Version:       r.Version,
	}
	if r.PaidAt != nil {
		paid := r.PaidAt.UTC()
		order.PaidAt = &paid
	}
	return order
}

// Insert adds a new order row.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q, _ := r.store.conn(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, order.ID, order.ServiceID, order.ClientID, order.FreelancerID, order.Amount, string(order.Status),
		string(order.PaymentStatus), order.Requirements, order.DeliveryDate, order.CreatedAt, order.UpdatedAt,
		order.PaidAt, order.Version)
	return wrapError("orders.insert", err)
}

// Update writes the order when the stored version is exactly one behind.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	q, _ := r.store.conn(ctx)
	result, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, requirements = $4, delivery_date = $5,
			updated_at = $6, paid_at = $7, version = $8
		WHERE id = $1 AND version = $9
	`, order.ID, string(order.Status), string(order.PaymentStatus), order.Requirements, order.DeliveryDate,
		order.UpdatedAt, order.PaidAt, order.Version, order.Version-1)
	if err != nil {
		return wrapError("orders.update", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return wrapError("orders.update", err)
	} else if rows == 1 {
		return nil
	}

	var exists bool
	if err := q.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID); err != nil {
		return wrapError("orders.update", err)
	}
	if !exists {
		return repositories.NewNotFoundError("orders.update", "order %s not found", order.ID)
	}
	return repositories.NewConflictError("orders.update", "order %s was modified concurrently", order.ID)
}

// FindByID loads one order. Inside a transaction the row is locked until commit.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q, inTx := r.store.conn(ctx)
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if inTx {
		query += ` FOR UPDATE`
	}
	var row orderRow
	if err := q.GetContext(ctx, &row, query, orderID); err != nil {
		return domain.Order{}, wrapError("orders.find", err)
	}
	return row.toDomain(), nil
}

// List returns the participant's orders newest first.
func (r *OrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	q, _ := r.store.conn(ctx)
	column := "client_id"
	if filter.Role == domain.RoleFreelancer {
		column = "freelancer_id"
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1`
	args := []any{filter.UserID}
	if filter.Status != nil {
		query += ` AND status = $2`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var rows []orderRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapError("orders.list", err)
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toDomain())
	}
	return orders, nil
}

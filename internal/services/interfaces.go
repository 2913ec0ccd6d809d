package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order           = domain.Order
	Payment         = domain.Payment
	EarningsSummary = domain.EarningsSummary
	OrderAnalytics  = domain.OrderAnalytics
)

// OrderService owns order creation, lookup and lifecycle transitions.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter ListOrdersFilter) ([]Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error)
}

// PaymentIntentService obtains provider-side payment authorisations for orders.
type PaymentIntentService interface {
	CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
}

// SettlementService records provider-confirmed payments against orders exactly once.
type SettlementService interface {
	Settle(ctx context.Context, cmd SettlePaymentCommand) (SettlementResult, error)
}

// AnalyticsService computes read-only views over orders and payments.
type AnalyticsService interface {
	EarningsSummary(ctx context.Context, userID string) (EarningsSummary, error)
	OrderAnalytics(ctx context.Context, userID string, role domain.Role) (OrderAnalytics, error)
}

// CreateOrderCommand carries the data a client supplies when placing an order.
type CreateOrderCommand struct {
	ServiceID    string
	ClientID     string
	FreelancerID string
	Amount       decimal.Decimal
	Requirements string
	DeliveryDays int
	DeliveryDate *time.Time
}

// ListOrdersFilter selects orders for one participant.
type ListOrdersFilter struct {
	UserID string
	Role   string
	Status string
}

// UpdateStatusCommand requests a lifecycle transition on behalf of an actor.
type UpdateStatusCommand struct {
	OrderID   string
	NewStatus string
	ActorID   string
	ActorRole string
}

// CreatePaymentIntentCommand describes the payment a payer intends to make for an order.
type CreatePaymentIntentCommand struct {
	Amount        decimal.Decimal
	PaymentMethod string
	OrderID       string
	PayerID       string
	ReceiverID    string
}

// PaymentIntentResult returns the client secret the payer confirms with.
type PaymentIntentResult struct {
	ClientSecret string
	IntentID     string
	Mock         bool
}

// SettlePaymentCommand is the provider-confirmed charge extracted from a verified webhook.
type SettlePaymentCommand struct {
	TransactionID string
	IntentID      string
	OrderID       string
	PayerID       string
	ReceiverID    string
	AmountMinor   int64
	Currency      string
	MethodTypes   []string
	Livemode      bool
}

// SettlementResult reports the recorded payment and whether the event was a redelivery.
type SettlementResult struct {
	Payment   Payment
	Order     Order
	Duplicate bool
}

// Notifier receives fire-and-forget lifecycle notifications.
type Notifier interface {
	Notify(ctx context.Context, event Notification) error
}

// Notification describes an order or payment event for downstream delivery.
type Notification struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	Recipients     []string
	OccurredAt     time.Time
	Metadata       map[string]any
}

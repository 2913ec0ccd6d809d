package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus captures the fulfillment lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusDisputed   OrderStatus = "disputed"
)

// OrderStatuses lists every fulfillment status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusInProgress,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusDisputed,
}

// Valid reports whether the status is part of the known vocabulary.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusCompleted, OrderStatusCancelled, OrderStatusDisputed:
		return true
	default:
		return false
	}
}

// OrderPaymentStatus tracks settlement independently of fulfillment.
type OrderPaymentStatus string

const (
	OrderPaymentUnpaid OrderPaymentStatus = "unpaid"
	OrderPaymentPaid   OrderPaymentStatus = "paid"
)

// Role identifies which side of an order a participant acts as.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// Valid reports whether the role is recognised.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleFreelancer
}

// Order is a client's purchase of a freelancer's service.
type Order struct {
	ID            string
	ServiceID     string
	ClientID      string
	FreelancerID  string
	Amount        decimal.Decimal
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
	Requirements  string
	DeliveryDate  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
	Version       int64
}

// ParticipantID returns the order participant acting under the supplied role.
func (o Order) ParticipantID(role Role) string {
	switch role {
	case RoleClient:
		return o.ClientID
	case RoleFreelancer:
		return o.FreelancerID
	default:
		return ""
	}
}

// IsParticipant reports whether the user is the client or the freelancer on the order.
func (o Order) IsParticipant(userID string) bool {
	return userID != "" && (userID == o.ClientID || userID == o.FreelancerID)
}

// OrderFilter narrows order listings to a participant and optional status.
type OrderFilter struct {
	UserID string
	Role   Role
	Status *OrderStatus
}

// OrderAnalytics summarises a participant's orders by status.
type OrderAnalytics struct {
	UserID   string
	Role     Role
	Total    int
	ByStatus map[OrderStatus]int
}

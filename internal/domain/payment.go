package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the state of a recorded payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentMethod tags how the payer funded the payment.
type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodUPI          PaymentMethod = "upi"
	PaymentMethodWallet       PaymentMethod = "wallet"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid reports whether the method tag is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodUPI, PaymentMethodWallet, PaymentMethodBankTransfer:
		return true
	default:
		return false
	}
}

// Payment is a provider-confirmed transfer settling exactly one order.
type Payment struct {
	ID             string
	OrderID        string
	PayerID        string
	ReceiverID     string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  PaymentMethod
	Status         PaymentStatus
	TransactionID  string
	PaymentDetails map[string]any
	CreatedAt      time.Time
}

// MonthlyEarning aggregates completed payments received in a calendar month (UTC).
type MonthlyEarning struct {
	Month  string
	Amount decimal.Decimal
	Count  int
}

// EarningsSummary totals the completed payments received by a user.
type EarningsSummary struct {
	UserID          string
	TotalEarnings   decimal.Decimal
	MonthlyEarnings []MonthlyEarning
}

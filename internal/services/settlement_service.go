package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/repositories"
)

const (
	paymentEventSettled   = "payment.settled"
	paymentEventDuplicate = "payment.settlement.duplicate"
	paymentEventRejected  = "payment.settlement.rejected"

	paymentIDPrefix = "pay_"
)

var errSettlementRace = errors.New("settlement: concurrent insert")

// SettlementRecorder observes settlement outcomes.
type SettlementRecorder interface {
	RecordSettlement(outcome string)
}

// SettlementServiceDeps bundles collaborators for the settlement service.
type SettlementServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Notifier    Notifier
	Metrics     SettlementRecorder
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type settlementService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	notifier   Notifier
	metrics    SettlementRecorder
	logger     func(context.Context, string, map[string]any)
}

var _ SettlementService = (*settlementService)(nil)

// NewSettlementService constructs the settlement service.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("settlement service: payment repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("settlement service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &settlementService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
	}, nil
}

// Settle records the payment and marks the order paid in one unit of work. A redelivered event whose
// transaction id is already recorded returns the stored payment with Duplicate set and writes nothing.
func (s *settlementService) Settle(ctx context.Context, cmd SettlePaymentCommand) (SettlementResult, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	orderID := strings.TrimSpace(cmd.OrderID)
	payerID := strings.TrimSpace(cmd.PayerID)
	receiverID := strings.TrimSpace(cmd.ReceiverID)

	invalid := map[string]string{}
	if transactionID == "" {
		invalid["transactionId"] = "is required"
	}
	if orderID == "" {
		invalid["metadata.orderId"] = "is required"
	}
	if payerID == "" {
		invalid["metadata.payerId"] = "is required"
	}
	if receiverID == "" {
		invalid["metadata.receiverId"] = "is required"
	}
	if cmd.AmountMinor <= 0 {
		invalid["amount"] = "must be greater than zero"
	}
	if len(invalid) > 0 {
		s.record("invalid")
		return SettlementResult{}, newValidationError(invalid)
	}
	if payments.IsMock(transactionID) || payments.IsMock(cmd.IntentID) {
		s.record("rejected")
		return SettlementResult{}, &ConsistencyError{Reason: "synthetic payment intents cannot settle orders"}
	}

	amount := payments.FromMinorUnits(cmd.AmountMinor)
	var result SettlementResult

	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.payments.FindByTransactionID(txCtx, transactionID)
		switch {
		case err == nil:
			order, findErr := s.orders.FindByID(txCtx, existing.OrderID)
			if findErr != nil {
				return mapRepositoryError(findErr, "order "+existing.OrderID)
			}
			result = SettlementResult{Payment: existing, Order: order, Duplicate: true}
			return nil
		case !repositories.IsNotFound(err):
			return mapRepositoryError(err, "payment "+transactionID)
		}

		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return &ConsistencyError{Reason: "order " + orderID + " referenced by payment does not exist"}
			}
			return mapRepositoryError(err, "order "+orderID)
		}
		if order.ClientID != payerID || order.FreelancerID != receiverID {
			return &ConsistencyError{Reason: "payer or receiver does not match order participants"}
		}
		if !order.Amount.Equal(amount) {
			return &ConsistencyError{Reason: "payment amount " + amount.String() + " does not match order amount " + order.Amount.String()}
		}
		if settled, err := s.payments.FindCompletedByOrder(txCtx, orderID); err == nil {
			if settled.TransactionID == transactionID {
				result = SettlementResult{Payment: settled, Order: order, Duplicate: true}
				return nil
			}
			return &ConsistencyError{Reason: "order " + orderID + " already has a completed payment"}
		} else if !repositories.IsNotFound(err) {
			return mapRepositoryError(err, "payment for order "+orderID)
		}

		now := s.clock()
		payment := domain.Payment{
			ID:            paymentIDPrefix + s.newID(),
			OrderID:       orderID,
			PayerID:       payerID,
			ReceiverID:    receiverID,
			Amount:        amount,
			Currency:      strings.ToLower(strings.TrimSpace(cmd.Currency)),
			PaymentMethod: domain.PaymentMethodCard,
			Status:        domain.PaymentStatusCompleted,
			TransactionID: transactionID,
			PaymentDetails: map[string]any{
				"intentId":           cmd.IntentID,
				"amountMinor":        cmd.AmountMinor,
				"currency":           cmd.Currency,
				"paymentMethodTypes": cmd.MethodTypes,
				"livemode":           cmd.Livemode,
			},
			CreatedAt: now,
		}
		if err := s.payments.Insert(txCtx, payment); err != nil {
			if repositories.IsConflict(err) {
				return errSettlementRace
			}
			return mapRepositoryError(err, "payment "+transactionID)
		}

		order.PaymentStatus = domain.OrderPaymentPaid
		order.PaidAt = &now
		order.UpdatedAt = now
		order.Version++
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, "order "+orderID)
		}

		result = SettlementResult{Payment: payment, Order: order}
		return nil
	})
	if errors.Is(err, errSettlementRace) || repositories.IsConflict(err) {
		result, err = s.resolveRace(ctx, transactionID, orderID, err)
	}
	if err != nil {
		s.record("failed")
		s.logger(ctx, paymentEventRejected, map[string]any{
			"transactionId": transactionID,
			"orderId":       orderID,
			"error":         err.Error(),
		})
		return SettlementResult{}, err
	}

	if result.Duplicate {
		s.record("duplicate")
		s.logger(ctx, paymentEventDuplicate, map[string]any{
			"transactionId": transactionID,
			"paymentId":     result.Payment.ID,
		})
		return result, nil
	}

	s.record("settled")
	s.logger(ctx, paymentEventSettled, map[string]any{
		"transactionId": transactionID,
		"paymentId":     result.Payment.ID,
		"orderId":       result.Order.ID,
		"amount":        result.Payment.Amount.String(),
	})
	s.notify(ctx, Notification{
		Type:          paymentEventSettled,
		OrderID:       result.Order.ID,
		CurrentStatus: string(result.Order.Status),
		Recipients:    []string{result.Order.ClientID, result.Order.FreelancerID},
		OccurredAt:    result.Payment.CreatedAt,
		Metadata: map[string]any{
			"paymentId": result.Payment.ID,
			"amount":    result.Payment.Amount.String(),
		},
	})
	return result, nil
}

// resolveRace runs after a concurrent writer inserted a payment between our lookup and insert, or after the
// store rejected the commit. A matching transaction id means the other writer settled this same event.
func (s *settlementService) resolveRace(ctx context.Context, transactionID, orderID string, cause error) (SettlementResult, error) {
	existing, err := s.payments.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if repositories.IsNotFound(err) {
			if errors.Is(cause, errSettlementRace) {
				return SettlementResult{}, &ConsistencyError{Reason: "order " + orderID + " was settled by another transaction"}
			}
			return SettlementResult{}, mapRepositoryError(cause, "order "+orderID)
		}
		return SettlementResult{}, mapRepositoryError(err, "payment "+transactionID)
	}
	order, err := s.orders.FindByID(ctx, existing.OrderID)
	if err != nil {
		return SettlementResult{}, mapRepositoryError(err, "order "+existing.OrderID)
	}
	return SettlementResult{Payment: existing, Order: order, Duplicate: true}, nil
}

func (s *settlementService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSettlement(outcome)
	}
}

func (s *settlementService) notify(ctx context.Context, event Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger(ctx, "payment.notification.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

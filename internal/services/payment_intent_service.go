package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/repositories"
)

const (
	paymentIntentEventCreated  = "payments.intent.created"
	paymentIntentEventMockMode = "payments.intent.mock_mode"
	paymentIntentEventFailed   = "payments.intent.failed"
)

// IntentCreator abstracts the payment manager for intent creation.
type IntentCreator interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
}

// IntentRecorder observes intent creation outcomes.
type IntentRecorder interface {
	RecordIntent(provider string, outcome string)
}

// PaymentIntentServiceDeps bundles collaborators for the payment intent service.
type PaymentIntentServiceDeps struct {
	Provider IntentCreator
	Orders   repositories.OrderRepository
	Currency string
	Metrics  IntentRecorder
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type paymentIntentService struct {
	provider IntentCreator
	orders   repositories.OrderRepository
	currency string
	metrics  IntentRecorder
	logger   func(context.Context, string, map[string]any)
}

var _ PaymentIntentService = (*paymentIntentService)(nil)

// NewPaymentIntentService constructs the intent service. When Orders is nil the order cross-checks are skipped.
func NewPaymentIntentService(deps PaymentIntentServiceDeps) (PaymentIntentService, error) {
	if deps.Provider == nil {
		return nil, errors.New("payment intent service: provider is required")
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		return nil, errors.New("payment intent service: currency is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentIntentService{
		provider: deps.Provider,
		orders:   deps.Orders,
		currency: currency,
		metrics:  deps.Metrics,
		logger:   logger,
	}, nil
}

func (s *paymentIntentService) CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	payerID := strings.TrimSpace(cmd.PayerID)
	receiverID := strings.TrimSpace(cmd.ReceiverID)
	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(cmd.PaymentMethod)))

	invalid := map[string]string{}
	if cmd.Amount.IsZero() {
		invalid["amount"] = "is required"
	} else if problem := amountProblem(cmd.Amount); problem != "" {
		invalid["amount"] = problem
	}
	if method == "" {
		invalid["paymentMethod"] = "is required"
	} else if !method.Valid() {
		invalid["paymentMethod"] = "is not a supported payment method"
	}
	if orderID == "" {
		invalid["orderId"] = "is required"
	}
	if payerID == "" {
		invalid["payerId"] = "is required"
	}
	if receiverID == "" {
		invalid["receiverId"] = "is required"
	}
	if len(invalid) > 0 {
		return PaymentIntentResult{}, newValidationError(invalid)
	}

	if err := s.checkOrder(ctx, orderID, payerID, receiverID, cmd); err != nil {
		return PaymentIntentResult{}, err
	}

	amountMinor := payments.ToMinorUnits(cmd.Amount)
	req := payments.IntentRequest{
		AmountMinor: amountMinor,
		Currency:    s.currency,
		MethodTypes: methodTypes(method),
		Metadata: map[string]string{
			payments.MetadataOrderID:    orderID,
			payments.MetadataPayerID:    payerID,
			payments.MetadataReceiverID: receiverID,
		},
		IdempotencyKey: fmt.Sprintf("intent:%s:%d:%s", orderID, amountMinor, method),
	}

	intent, err := s.provider.CreateIntent(ctx, payments.PaymentContext{Currency: s.currency}, req)
	if err != nil {
		s.record("unknown", "failed")
		s.logger(ctx, paymentIntentEventFailed, map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return PaymentIntentResult{}, toServiceProviderError(err)
	}

	if intent.Mock {
		s.logger(ctx, paymentIntentEventMockMode, map[string]any{
			"orderId":  orderID,
			"intentId": intent.ID,
			"warning":  "payment provider credential not configured; issued synthetic client secret",
		})
	}
	s.record(intent.Provider, "created")
	s.logger(ctx, paymentIntentEventCreated, map[string]any{
		"orderId":  orderID,
		"intentId": intent.ID,
		"provider": intent.Provider,
		"amount":   amountMinor,
		"currency": s.currency,
	})

	return PaymentIntentResult{
		ClientSecret: intent.ClientSecret,
		IntentID:     intent.ID,
		Mock:         intent.Mock,
	}, nil
}

func (s *paymentIntentService) checkOrder(ctx context.Context, orderID, payerID, receiverID string, cmd CreatePaymentIntentCommand) error {
	if s.orders == nil {
		return nil
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return mapRepositoryError(err, "order "+orderID)
	}

	invalid := map[string]string{}
	if order.ClientID != payerID {
		invalid["payerId"] = "must be the client on the order"
	}
	if order.FreelancerID != receiverID {
		invalid["receiverId"] = "must be the freelancer on the order"
	}
	if !order.Amount.Equal(cmd.Amount) {
		invalid["amount"] = "must equal the order amount " + order.Amount.String()
	}
	if len(invalid) > 0 {
		return newValidationError(invalid)
	}
	if order.PaymentStatus == domain.OrderPaymentPaid {
		return fmt.Errorf("%w: order %s", ErrOrderAlreadyPaid, orderID)
	}
	if order.Status == domain.OrderStatusCancelled {
		return newValidationError(map[string]string{"orderId": "order is cancelled"})
	}
	return nil
}

func (s *paymentIntentService) record(provider, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordIntent(provider, outcome)
	}
}

func methodTypes(method domain.PaymentMethod) []string {
	switch method {
	case domain.PaymentMethodCard:
		return []string{"card"}
	default:
		return nil
	}
}

func toServiceProviderError(err error) error {
	var providerErr *payments.ProviderError
	if errors.As(err, &providerErr) {
		return &ProviderError{Message: providerErr.Message, Err: err}
	}
	return &ProviderError{Message: err.Error(), Err: err}
}

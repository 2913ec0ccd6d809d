package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix = "ord_"

	defaultDeliveryDays   = 7
	maxDeliveryDays       = 365
	maxRequirementsLength = 5000
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Notifier    Notifier
	Metrics     TransitionRecorder
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// TransitionRecorder observes lifecycle outcomes.
type TransitionRecorder interface {
	RecordTransition(from, to, outcome string)
}

type orderService struct {
	orders     repositories.OrderRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	notifier   Notifier
	metrics    TransitionRecorder
	logger     func(context.Context, string, map[string]any)
	sanitizer  *bluemonday.Policy
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &orderService{
		orders:     deps.Orders,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	serviceID := strings.TrimSpace(cmd.ServiceID)
	clientID := strings.TrimSpace(cmd.ClientID)
	freelancerID := strings.TrimSpace(cmd.FreelancerID)
	requirements := s.sanitizeRequirements(cmd.Requirements)
	now := s.clock()

	invalid := map[string]string{}
	if serviceID == "" {
		invalid["serviceId"] = "is required"
	}
	if clientID == "" {
		invalid["clientId"] = "is required"
	}
	if freelancerID == "" {
		invalid["freelancerId"] = "is required"
	}
	if clientID != "" && clientID == freelancerID {
		invalid["freelancerId"] = "must differ from clientId"
	}
	if problem := amountProblem(cmd.Amount); problem != "" {
		invalid["amount"] = problem
	}
	if utf8.RuneCountInString(requirements) > maxRequirementsLength {
		invalid["requirements"] = fmt.Sprintf("must be at most %d characters", maxRequirementsLength)
	}

	var deliveryDate time.Time
	switch {
	case cmd.DeliveryDate != nil:
		deliveryDate = cmd.DeliveryDate.UTC()
		if deliveryDate.Before(now) {
			invalid["deliveryDate"] = "must not be in the past"
		}
	case cmd.DeliveryDays < 0 || cmd.DeliveryDays > maxDeliveryDays:
		invalid["deliveryDays"] = fmt.Sprintf("must be between 0 and %d", maxDeliveryDays)
	default:
		days := cmd.DeliveryDays
		if days == 0 {
			days = defaultDeliveryDays
		}
		deliveryDate = now.AddDate(0, 0, days)
	}

	if len(invalid) > 0 {
		return Order{}, newValidationError(invalid)
	}

	order := Order{
		ID:            orderIDPrefix + s.newID(),
		ServiceID:     serviceID,
		ClientID:      clientID,
		FreelancerID:  freelancerID,
		Amount:        cmd.Amount,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.OrderPaymentUnpaid,
		Requirements:  requirements,
		DeliveryDate:  deliveryDate,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapRepositoryError(err, "order "+order.ID)
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":      order.ID,
		"clientId":     order.ClientID,
		"freelancerId": order.FreelancerID,
		"amount":       order.Amount.String(),
	})
	s.notify(ctx, Notification{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status),
		ActorID:       clientID,
		Recipients:    []string{order.FreelancerID},
		OccurredAt:    now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, newValidationError(map[string]string{"orderId": "is required"})
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "order "+orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]Order, error) {
	userID := strings.TrimSpace(filter.UserID)
	role := domain.Role(strings.ToLower(strings.TrimSpace(filter.Role)))

	invalid := map[string]string{}
	if userID == "" {
		invalid["userId"] = "is required"
	}
	if !role.Valid() {
		invalid["role"] = "must be client or freelancer"
	}

	query := domain.OrderFilter{UserID: userID, Role: role}
	if raw := strings.ToLower(strings.TrimSpace(filter.Status)); raw != "" {
		status := domain.OrderStatus(raw)
		if !status.Valid() {
			invalid["status"] = "is not a known order status"
		}
		query.Status = &status
	}
	if len(invalid) > 0 {
		return nil, newValidationError(invalid)
	}

	orders, err := s.orders.List(ctx, query)
	if err != nil {
		return nil, mapRepositoryError(err, "orders")
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(cmd.NewStatus)))
	actorID := strings.TrimSpace(cmd.ActorID)
	role := domain.Role(strings.ToLower(strings.TrimSpace(cmd.ActorRole)))

	invalid := map[string]string{}
	if orderID == "" {
		invalid["orderId"] = "is required"
	}
	if !target.Valid() {
		invalid["status"] = "is not a known order status"
	}
	if actorID == "" {
		invalid["actorId"] = "is required"
	}
	if !role.Valid() {
		invalid["role"] = "must be client or freelancer"
	}
	if len(invalid) > 0 {
		return Order{}, newValidationError(invalid)
	}

	var (
		updated    Order
		prevStatus domain.OrderStatus
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, "order "+orderID)
		}
		if err := CheckTransition(order, target, actorID, role); err != nil {
			s.recordTransition(order.Status, target, "rejected")
			return err
		}

		prevStatus = order.Status
		order.Status = target
		order.UpdatedAt = s.clock()
		order.Version++
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, "order "+orderID)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.recordTransition(prevStatus, target, "applied")
	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"orderId": updated.ID,
		"from":    string(prevStatus),
		"to":      string(updated.Status),
		"actorId": actorID,
		"role":    string(role),
	})
	s.notify(ctx, Notification{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(updated.Status),
		ActorID:        actorID,
		Recipients:     counterparties(updated, actorID),
		OccurredAt:     updated.UpdatedAt,
		Metadata:       map[string]any{"role": string(role)},
	})

	return updated, nil
}

// sanitizeRequirements strips markup. The policy output stays entity-escaped.
func (s *orderService) sanitizeRequirements(input string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(input))
}

// amountProblem reports why an amount cannot be charged in whole minor units.
func amountProblem(amount decimal.Decimal) string {
	switch {
	case !amount.IsPositive():
		return "must be greater than zero"
	case !amount.Equal(amount.Truncate(2)):
		return "must have at most 2 decimal places"
	case payments.ToMinorUnits(amount) < 1:
		return "must be at least 0.01"
	}
	return ""
}

func (s *orderService) recordTransition(from, to domain.OrderStatus, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(from), string(to), outcome)
	}
}

func (s *orderService) notify(ctx context.Context, event Notification) {
	if s.notifier == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger(ctx, "order.notification.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func counterparties(order Order, actorID string) []string {
	out := make([]string, 0, 2)
	for _, id := range []string{order.ClientID, order.FreelancerID} {
		if id != "" && id != actorID {
			out = append(out, id)
		}
	}
	return out
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

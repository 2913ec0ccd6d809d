package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/repositories"
)

// AnalyticsServiceDeps bundles the read-only repositories used for aggregation.
type AnalyticsServiceDeps struct {
	Orders   repositories.OrderRepository
	Payments repositories.PaymentRepository
}

type analyticsService struct {
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
}

var _ AnalyticsService = (*analyticsService)(nil)

// NewAnalyticsService constructs the analytics reader.
func NewAnalyticsService(deps AnalyticsServiceDeps) (AnalyticsService, error) {
	if deps.Orders == nil {
		return nil, errors.New("analytics service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("analytics service: payment repository is required")
	}
	return &analyticsService{orders: deps.Orders, payments: deps.Payments}, nil
}

// EarningsSummary totals completed payments received by userID, bucketed by UTC month ascending.
func (s *analyticsService) EarningsSummary(ctx context.Context, userID string) (EarningsSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EarningsSummary{}, newValidationError(map[string]string{"userId": "is required"})
	}

	received, err := s.payments.ListCompletedByReceiver(ctx, userID)
	if err != nil {
		return EarningsSummary{}, mapRepositoryError(err, "payments")
	}

	summary := EarningsSummary{
		UserID:          userID,
		TotalEarnings:   decimal.Zero,
		MonthlyEarnings: []domain.MonthlyEarning{},
	}
	buckets := make(map[string]*domain.MonthlyEarning)
	for _, payment := range received {
		if payment.Status != domain.PaymentStatusCompleted {
			continue
		}
		summary.TotalEarnings = summary.TotalEarnings.Add(payment.Amount)
		month := payment.CreatedAt.UTC().Format("2006-01")
		bucket, ok := buckets[month]
		if !ok {
			bucket = &domain.MonthlyEarning{Month: month, Amount: decimal.Zero}
			buckets[month] = bucket
		}
		bucket.Amount = bucket.Amount.Add(payment.Amount)
		bucket.Count++
	}
	for _, bucket := range buckets {
		summary.MonthlyEarnings = append(summary.MonthlyEarnings, *bucket)
	}
	sort.Slice(summary.MonthlyEarnings, func(i, j int) bool {
		return summary.MonthlyEarnings[i].Month < summary.MonthlyEarnings[j].Month
	})
	return summary, nil
}

// OrderAnalytics counts the participant's orders by status. Every status is present in the result.
func (s *analyticsService) OrderAnalytics(ctx context.Context, userID string, role domain.Role) (OrderAnalytics, error) {
	userID = strings.TrimSpace(userID)
	role = domain.Role(strings.ToLower(strings.TrimSpace(string(role))))

	invalid := map[string]string{}
	if userID == "" {
		invalid["userId"] = "is required"
	}
	if !role.Valid() {
		invalid["role"] = "must be client or freelancer"
	}
	if len(invalid) > 0 {
		return OrderAnalytics{}, newValidationError(invalid)
	}

	orders, err := s.orders.List(ctx, domain.OrderFilter{UserID: userID, Role: role})
	if err != nil {
		return OrderAnalytics{}, mapRepositoryError(err, "orders")
	}

	result := OrderAnalytics{
		UserID:   userID,
		Role:     role,
		ByStatus: make(map[domain.OrderStatus]int, len(domain.OrderStatuses)),
	}
	for _, status := range domain.OrderStatuses {
		result.ByStatus[status] = 0
	}
	for _, order := range orders {
		result.ByStatus[order.Status]++
		result.Total++
	}
	return result, nil
}

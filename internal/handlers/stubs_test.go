package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/platform/auth"
	"github.com/skillbridge/api/internal/services"
)

type stubOrderService struct {
	createFn func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn    func(context.Context, string) (services.Order, error)
	listFn   func(context.Context, services.ListOrdersFilter) ([]services.Order, error)
	updateFn func(context.Context, services.UpdateStatusCommand) (services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, id string) (services.Order, error) {
	return s.getFn(ctx, id)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.ListOrdersFilter) ([]services.Order, error) {
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateStatusCommand) (services.Order, error) {
	return s.updateFn(ctx, cmd)
}

type stubIntentService struct {
	createFn func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error)
	calls    int
}

func (s *stubIntentService) CreatePaymentIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
	s.calls++
	return s.createFn(ctx, cmd)
}

type stubSettlementService struct {
	settleFn func(context.Context, services.SettlePaymentCommand) (services.SettlementResult, error)
	commands []services.SettlePaymentCommand
}

func (s *stubSettlementService) Settle(ctx context.Context, cmd services.SettlePaymentCommand) (services.SettlementResult, error) {
	s.commands = append(s.commands, cmd)
	return s.settleFn(ctx, cmd)
}

type stubAnalyticsService struct {
	earningsFn  func(context.Context, string) (services.EarningsSummary, error)
	analyticsFn func(context.Context, string, domain.Role) (services.OrderAnalytics, error)
}

func (s *stubAnalyticsService) EarningsSummary(ctx context.Context, userID string) (services.EarningsSummary, error) {
	return s.earningsFn(ctx, userID)
}

func (s *stubAnalyticsService) OrderAnalytics(ctx context.Context, userID string, role domain.Role) (services.OrderAnalytics, error) {
	return s.analyticsFn(ctx, userID, role)
}

var (
	_ services.OrderService         = (*stubOrderService)(nil)
	_ services.PaymentIntentService = (*stubIntentService)(nil)
	_ services.SettlementService    = (*stubSettlementService)(nil)
	_ services.AnalyticsService     = (*stubAnalyticsService)(nil)
)

func authedRequest(method, target, uid string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func jsonBody(v string) io.Reader {
	return strings.NewReader(v)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

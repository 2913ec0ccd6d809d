package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/repositories/memory"
)

type stubIntentCreator struct {
	req    payments.IntentRequest
	intent payments.Intent
	err    error
	calls  int
}

func (s *stubIntentCreator) CreateIntent(_ context.Context, _ payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
	s.calls++
	s.req = req
	return s.intent, s.err
}

type captureIntents struct {
	outcomes []string
}

func (c *captureIntents) RecordIntent(provider, outcome string) {
	c.outcomes = append(c.outcomes, provider+":"+outcome)
}

func seedOrder(t *testing.T, store *memory.Store, order domain.Order) {
	t.Helper()
	if order.Version == 0 {
		order.Version = 1
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = domain.OrderPaymentUnpaid
	}
	if err := store.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestPaymentIntentServiceMockMode(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedOrder(t, store, domain.Order{ID: "O1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(1500), CreatedAt: time.Now()})

	manager, err := payments.NewManager(map[string]payments.Provider{payments.ProviderMock: payments.NewMockProvider()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	logs := &captureLog{}
	metrics := &captureIntents{}
	svc, err := NewPaymentIntentService(PaymentIntentServiceDeps{
		Provider: manager,
		Orders:   store.Orders(),
		Currency: "USD",
		Metrics:  metrics,
		Logger:   logs.log,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{
		Amount:        decimal.NewFromInt(1500),
		PaymentMethod: "card",
		OrderID:       "O1",
		PayerID:       "C1",
		ReceiverID:    "F1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if !strings.HasPrefix(result.ClientSecret, payments.MockPrefix) || !result.Mock {
		t.Fatalf("expected mock client secret, got %#v", result)
	}
	if !logs.has(paymentIntentEventMockMode) {
		t.Fatalf("expected mock mode warning to be logged")
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != "mock:created" {
		t.Fatalf("unexpected metrics %v", metrics.outcomes)
	}
}

func TestPaymentIntentServiceBuildsProviderRequest(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedOrder(t, store, domain.Order{ID: "O1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.RequireFromString("12.35"), CreatedAt: time.Now()})

	creator := &stubIntentCreator{intent: payments.Intent{ID: "pi_1", Provider: payments.ProviderStripe, ClientSecret: "pi_1_secret"}}
	svc, err := NewPaymentIntentService(PaymentIntentServiceDeps{Provider: creator, Orders: store.Orders(), Currency: "usd"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	result, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{
		Amount:        decimal.RequireFromString("12.35"),
		PaymentMethod: "UPI",
		OrderID:       "O1",
		PayerID:       "C1",
		ReceiverID:    "F1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if result.ClientSecret != "pi_1_secret" || result.Mock {
		t.Fatalf("unexpected result %#v", result)
	}
	if creator.req.AmountMinor != 1235 {
		t.Fatalf("expected minor units 1235, got %d", creator.req.AmountMinor)
	}
	if creator.req.MethodTypes != nil {
		t.Fatalf("expected automatic methods for upi, got %v", creator.req.MethodTypes)
	}
	if creator.req.Metadata[payments.MetadataOrderID] != "O1" || creator.req.Metadata[payments.MetadataPayerID] != "C1" || creator.req.Metadata[payments.MetadataReceiverID] != "F1" {
		t.Fatalf("expected correlation metadata, got %v", creator.req.Metadata)
	}
	if creator.req.IdempotencyKey != "intent:O1:1235:upi" {
		t.Fatalf("unexpected idempotency key %s", creator.req.IdempotencyKey)
	}
}

func TestPaymentIntentServiceValidation(t *testing.T) {
	creator := &stubIntentCreator{}
	svc, err := NewPaymentIntentService(PaymentIntentServiceDeps{Provider: creator, Currency: "usd"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{PaymentMethod: "cash"})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"amount", "paymentMethod", "orderId", "payerId", "receiverId"} {
		if _, ok := validation.Fields[field]; !ok {
			t.Fatalf("expected field %s in %v", field, validation.Fields)
		}
	}
	if creator.calls != 0 {
		t.Fatalf("provider must not be called on validation failure")
	}
}

func TestPaymentIntentServiceRejectsSubCentAmounts(t *testing.T) {
	store := memory.NewStore()
	seedOrder(t, store, domain.Order{ID: "O1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.RequireFromString("10.01"), CreatedAt: time.Now()})
	creator := &stubIntentCreator{intent: payments.Intent{ID: "pi_1", ClientSecret: "s"}}
	svc, err := NewPaymentIntentService(PaymentIntentServiceDeps{Provider: creator, Orders: store.Orders(), Currency: "usd"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	for _, raw := range []string{"10.005", "0.004"} {
		_, err := svc.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{
			Amount:        decimal.RequireFromString(raw),
			PaymentMethod: "card",
			OrderID:       "O1",
			PayerID:       "C1",
			ReceiverID:    "F1",
		})
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("%s: expected validation error, got %v", raw, err)
		}
		if _, ok := validation.Fields["amount"]; !ok {
			t.Fatalf("%s: expected amount field in %v", raw, validation.Fields)
		}
	}
	if creator.calls != 0 {
		t.Fatalf("provider must not be called for sub-cent amounts, got %d calls", creator.calls)
	}
}

func TestPaymentIntentServiceOrderChecks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	paidAt := time.Now()
	seedOrder(t, store, domain.Order{ID: "O1", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(100), CreatedAt: time.Now()})
	seedOrder(t, store, domain.Order{ID: "O2", ClientID: "C1", FreelancerID: "F1", Amount: decimal.NewFromInt(100), PaymentStatus: domain.OrderPaymentPaid, PaidAt: &paidAt, CreatedAt: time.Now()})

	creator := &stubIntentCreator{intent: payments.Intent{ID: "pi_1", ClientSecret: "s"}}
	svc, err := NewPaymentIntentService(PaymentIntentServiceDeps{Provider: creator, Orders: store.Orders(), Currency: "usd"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	cases := []struct {
		name string
		cmd  CreatePaymentIntentCommand
		want error
	}{
		{name: "unknown order", cmd: CreatePaymentIntentCommand{Amount: decimal.NewFromInt(100), PaymentMethod: "card", OrderID: "O9", PayerID: "C1", ReceiverID: "F1"}, want: ErrNotFound},
		{name: "wrong payer", cmd: CreatePaymentIntentCommand{Amount: decimal.NewFromInt(100), PaymentMethod: "card", OrderID: "O1", PayerID: "C2", ReceiverID: "F1"}, want: ErrValidation},
		{name: "wrong amount", cmd: CreatePaymentIntentCommand{Amount: decimal.NewFromInt(90), PaymentMethod: "card", OrderID: "O1", PayerID: "C1", ReceiverID: "F1"}, want: ErrValidation},
		{name: "already paid", cmd: CreatePaymentIntentCommand{Amount: decimal.NewFromInt(100), PaymentMethod: "card", OrderID: "O2", PayerID: "C1", ReceiverID: "F1"}, want: ErrOrderAlreadyPaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreatePaymentIntent(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if creator.calls != 0 {
		t.Fatalf("provider must not be called when order checks fail")
	}
}

func TestPaymentIntentServiceWrapsProviderErrors(t *testing.T) {
	creator := &stubIntentCreator{err: &payments.ProviderError{Provider: payments.ProviderStripe, Message: "Your card was declined."}}
	metrics := &captureIntents{}
	svc, err := NewPaymentIntentService(PaymentIntentServiceDeps{Provider: creator, Currency: "usd", Metrics: metrics})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{
		Amount:        decimal.NewFromInt(10),
		PaymentMethod: "card",
		OrderID:       "O1",
		PayerID:       "C1",
		ReceiverID:    "F1",
	})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || !errors.Is(err, ErrPaymentProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if providerErr.Message != "Your card was declined." {
		t.Fatalf("expected provider message to be preserved, got %q", providerErr.Message)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != "unknown:failed" {
		t.Fatalf("unexpected metrics %v", metrics.outcomes)
	}
}

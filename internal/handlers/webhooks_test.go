package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/services"
)

const testWebhookSecret = "whsec_handlers_test"

const succeededEvent = `{
  "id": "evt_100",
  "object": "event",
  "type": "payment_intent.succeeded",
  "created": 1714000000,
  "data": {"object": {
    "id": "pi_100", "object": "payment_intent", "amount": 150000, "currency": "usd",
    "payment_method_types": ["card"],
    "metadata": {"orderId": "ord_1", "payerId": "client-1", "receiverId": "freelancer-1"}
  }}
}`

const failedEvent = `{
  "id": "evt_101",
  "object": "event",
  "type": "payment_intent.payment_failed",
  "created": 1714000000,
  "data": {"object": {
    "id": "pi_101", "object": "payment_intent", "amount": 150000, "currency": "usd",
    "last_payment_error": {"code": "card_declined", "message": "declined"},
    "metadata": {"orderId": "ord_1"}
  }}
}`

const unknownEvent = `{"id": "evt_102", "object": "event", "type": "customer.created", "created": 1714000000, "data": {"object": {"id": "cus_1", "object": "customer"}}}`

type archiveStub struct {
	ids []string
	err error
}

func (a *archiveStub) Archive(_ context.Context, eventID, _ string, _ []byte) (string, error) {
	a.ids = append(a.ids, eventID)
	return "gs://bucket/" + eventID, a.err
}

type webhookObserverStub struct {
	outcomes []string
}

func (o *webhookObserverStub) RecordWebhookEvent(eventType, outcome string) {
	o.outcomes = append(o.outcomes, eventType+":"+outcome)
}

func webhookRouter(h *WebhookHandlers) http.Handler {
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func signedWebhook(t *testing.T, payload, secret string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(signed.Payload))
	req.Header.Set(payments.SignatureHeader, signed.Header)
	return req
}

func TestWebhookSettlesSucceededIntent(t *testing.T) {
	settlements := &stubSettlementService{settleFn: func(context.Context, services.SettlePaymentCommand) (services.SettlementResult, error) {
		return services.SettlementResult{Payment: services.Payment{ID: "pay_1"}, Order: sampleOrder()}, nil
	}}
	archive := &archiveStub{}
	observer := &webhookObserverStub{}
	h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), settlements,
		WithWebhookArchive(archive), WithWebhookMetrics(observer))

	rr := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rr, signedWebhook(t, succeededEvent, testWebhookSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(settlements.commands) != 1 {
		t.Fatalf("expected one settlement, got %d", len(settlements.commands))
	}
	cmd := settlements.commands[0]
	if cmd.TransactionID != "evt_100" || cmd.IntentID != "pi_100" || cmd.AmountMinor != 150000 {
		t.Fatalf("unexpected command %#v", cmd)
	}
	if cmd.OrderID != "ord_1" || cmd.PayerID != "client-1" || cmd.ReceiverID != "freelancer-1" {
		t.Fatalf("unexpected metadata mapping %#v", cmd)
	}
	body := decodeBody(t, rr)
	if body["received"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["duplicate"]; ok {
		t.Fatalf("duplicate must be omitted for first delivery")
	}
	if len(archive.ids) != 1 || archive.ids[0] != "evt_100" {
		t.Fatalf("expected payload archived, got %v", archive.ids)
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != "payment_intent.succeeded:settled" {
		t.Fatalf("unexpected outcomes %v", observer.outcomes)
	}
}

func TestWebhookReportsDuplicate(t *testing.T) {
	settlements := &stubSettlementService{settleFn: func(context.Context, services.SettlePaymentCommand) (services.SettlementResult, error) {
		return services.SettlementResult{Duplicate: true}, nil
	}}
	h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), settlements)

	rr := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rr, signedWebhook(t, succeededEvent, testWebhookSecret))

	if rr.Code != http.StatusOK || decodeBody(t, rr)["duplicate"] != true {
		t.Fatalf("expected duplicate acknowledgement, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestWebhookRejections(t *testing.T) {
	never := &stubSettlementService{settleFn: func(context.Context, services.SettlePaymentCommand) (services.SettlementResult, error) {
		return services.SettlementResult{}, errors.New("must not be called")
	}}

	t.Run("missing signature", func(t *testing.T) {
		h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), never)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader([]byte(succeededEvent)))
		rr := httptest.NewRecorder()
		webhookRouter(h).ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "missing_signature" {
			t.Fatalf("expected missing_signature 400, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), never)
		rr := httptest.NewRecorder()
		webhookRouter(h).ServeHTTP(rr, signedWebhook(t, succeededEvent, "whsec_other"))
		if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "signature_verification_failed" {
			t.Fatalf("expected signature_verification_failed 400, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("verification disabled", func(t *testing.T) {
		h := NewWebhookHandlers(payments.NewWebhookVerifier("", 0), never)
		rr := httptest.NewRecorder()
		webhookRouter(h).ServeHTTP(rr, signedWebhook(t, succeededEvent, testWebhookSecret))
		if rr.Code != http.StatusOK || decodeBody(t, rr)["received"] != true {
			t.Fatalf("expected acknowledgement without processing, got %d", rr.Code)
		}
	})

	if len(never.commands) != 0 {
		t.Fatalf("settlement must not run for rejected deliveries")
	}
}

func TestWebhookSettlementErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: &services.ValidationError{Fields: map[string]string{"metadata.orderId": "is required"}}, status: http.StatusBadRequest},
		{name: "consistency", err: &services.ConsistencyError{Reason: "amount mismatch"}, status: http.StatusInternalServerError},
		{name: "storage", err: errors.New("firestore down"), status: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			settlements := &stubSettlementService{settleFn: func(context.Context, services.SettlePaymentCommand) (services.SettlementResult, error) {
				return services.SettlementResult{}, tc.err
			}}
			h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), settlements)
			rr := httptest.NewRecorder()
			webhookRouter(h).ServeHTTP(rr, signedWebhook(t, succeededEvent, testWebhookSecret))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestWebhookAcknowledgesFailedAndUnknownEvents(t *testing.T) {
	for _, payload := range []string{failedEvent, unknownEvent} {
		settlements := &stubSettlementService{}
		observer := &webhookObserverStub{}
		h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), settlements, WithWebhookMetrics(observer))

		rr := httptest.NewRecorder()
		webhookRouter(h).ServeHTTP(rr, signedWebhook(t, payload, testWebhookSecret))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if len(settlements.commands) != 0 {
			t.Fatalf("non-success events must not settle")
		}
		if len(observer.outcomes) != 1 {
			t.Fatalf("expected one outcome, got %v", observer.outcomes)
		}
	}
}

func TestWebhookArchiveFailureDoesNotFailRequest(t *testing.T) {
	settlements := &stubSettlementService{settleFn: func(context.Context, services.SettlePaymentCommand) (services.SettlementResult, error) {
		return services.SettlementResult{}, nil
	}}
	h := NewWebhookHandlers(payments.NewWebhookVerifier(testWebhookSecret, 0), settlements,
		WithWebhookArchive(&archiveStub{err: errors.New("bucket missing")}))

	rr := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rr, signedWebhook(t, succeededEvent, testWebhookSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 despite archive failure, got %d", rr.Code)
	}
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/platform/httpx"
	"github.com/skillbridge/api/internal/platform/requestctx"
	"github.com/skillbridge/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// EventVerifier authenticates and decodes provider webhook payloads.
type EventVerifier interface {
	Enabled() bool
	Parse(payload []byte, signature string) (payments.Event, error)
}

// WebhookArchiver stores verified raw payloads.
type WebhookArchiver interface {
	Archive(ctx context.Context, eventID, eventType string, payload []byte) (string, error)
}

// WebhookObserver counts processed deliveries.
type WebhookObserver interface {
	RecordWebhookEvent(eventType, outcome string)
}

// WebhookHandlers receives payment provider events and settles orders.
type WebhookHandlers struct {
	verifier    EventVerifier
	settlements services.SettlementService
	archive     WebhookArchiver
	metrics     WebhookObserver
}

// WebhookOption customises webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookArchive archives every verified payload.
func WithWebhookArchive(archive WebhookArchiver) WebhookOption {
	return func(h *WebhookHandlers) {
		h.archive = archive
	}
}

// WithWebhookMetrics records delivery outcomes.
func WithWebhookMetrics(observer WebhookObserver) WebhookOption {
	return func(h *WebhookHandlers) {
		h.metrics = observer
	}
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(verifier EventVerifier, settlements services.SettlementService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{verifier: verifier, settlements: settlements}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the payment webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.handlePayment)
	r.Post("/payments/stripe", h.handlePayment)
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func (h *WebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	payload, err := httpx.ReadBody(r, maxWebhookBodySize)
	if err != nil {
		h.record("", "invalid_body")
		writeBodyError(ctx, w, err)
		return
	}

	signature := r.Header.Get(payments.SignatureHeader)
	if signature == "" {
		h.record("", "missing_signature")
		httpx.WriteError(ctx, w, httpx.NewError("missing_signature", payments.SignatureHeader+" header is required", http.StatusBadRequest))
		return
	}

	if h.verifier == nil || !h.verifier.Enabled() {
		// Acknowledge so the provider stops retrying; nothing is processed until a secret is configured.
		logger.Error("webhook.verification_disabled: signing secret not configured, event ignored")
		h.record("", "verification_disabled")
		writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true})
		return
	}

	event, err := h.verifier.Parse(payload, signature)
	switch {
	case errors.Is(err, payments.ErrSignatureVerification):
		logger.Warn("webhook signature verification failed", zap.Error(err))
		h.record("", "signature_invalid")
		httpx.WriteError(ctx, w, httpx.NewError("signature_verification_failed", "webhook signature verification failed", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrMissingSignature):
		h.record("", "missing_signature")
		httpx.WriteError(ctx, w, httpx.NewError("missing_signature", payments.SignatureHeader+" header is required", http.StatusBadRequest))
		return
	case err != nil:
		logger.Warn("webhook event malformed", zap.Error(err))
		h.record("", "malformed")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}

	logger = logger.With(zap.String("event_id", event.EventID()), zap.String("event_type", event.EventType()))
	h.archivePayload(ctx, logger, event, payload)

	switch ev := event.(type) {
	case payments.PaymentIntentSucceeded:
		result, err := h.settle(ctx, ev)
		if err != nil {
			h.record(ev.EventType(), "failed")
			logger.Error("settlement failed", zap.Error(err))
			writeServiceError(ctx, w, err)
			return
		}
		outcome := "settled"
		if result.Duplicate {
			outcome = "duplicate"
		}
		h.record(ev.EventType(), outcome)
		logger.Info("payment settled",
			zap.String("order_id", result.Order.ID),
			zap.String("payment_id", result.Payment.ID),
			zap.Bool("duplicate", result.Duplicate),
		)
		writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true, Duplicate: result.Duplicate})
	case payments.PaymentIntentFailed:
		h.record(ev.EventType(), "acknowledged")
		logger.Warn("payment intent failed",
			zap.String("intent_id", ev.IntentID),
			zap.String("order_id", ev.Metadata[payments.MetadataOrderID]),
			zap.String("failure_code", ev.FailureCode),
			zap.String("failure_message", ev.FailureMessage),
		)
		writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true})
	default:
		h.record(event.EventType(), "ignored")
		logger.Debug("webhook event ignored")
		writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true})
	}
}

func (h *WebhookHandlers) settle(ctx context.Context, ev payments.PaymentIntentSucceeded) (services.SettlementResult, error) {
	if h.settlements == nil {
		return services.SettlementResult{}, services.ErrUnavailable
	}
	return h.settlements.Settle(ctx, services.SettlePaymentCommand{
		TransactionID: ev.ID,
		IntentID:      ev.IntentID,
		OrderID:       ev.Metadata[payments.MetadataOrderID],
		PayerID:       ev.Metadata[payments.MetadataPayerID],
		ReceiverID:    ev.Metadata[payments.MetadataReceiverID],
		AmountMinor:   ev.AmountMinor,
		Currency:      ev.Currency,
		MethodTypes:   ev.MethodTypes,
		Livemode:      ev.Livemode,
	})
}

func (h *WebhookHandlers) archivePayload(ctx context.Context, logger *zap.Logger, event payments.Event, payload []byte) {
	if h.archive == nil {
		return
	}
	uri, err := h.archive.Archive(ctx, event.EventID(), event.EventType(), payload)
	if err != nil {
		logger.Warn("webhook archive failed", zap.Error(err))
		return
	}
	if uri != "" {
		logger.Debug("webhook archived", zap.String("uri", uri))
	}
}

func (h *WebhookHandlers) record(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookEvent(eventType, outcome)
	}
}

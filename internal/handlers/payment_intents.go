package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/skillbridge/api/internal/platform/httpx"
	"github.com/skillbridge/api/internal/services"
)

const maxPaymentIntentBodySize = 8 * 1024

// PaymentIntentHandlers lets a payer open a payment intent for an order.
type PaymentIntentHandlers struct {
	intents     services.PaymentIntentService
	idempotency func(http.Handler) http.Handler
}

// NewPaymentIntentHandlers constructs the handlers. idempotency may be nil.
func NewPaymentIntentHandlers(intents services.PaymentIntentService, idempotency func(http.Handler) http.Handler) *PaymentIntentHandlers {
	return &PaymentIntentHandlers{intents: intents, idempotency: idempotency}
}

// Routes registers the /payment-intents endpoints.
func (h *PaymentIntentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.idempotency != nil {
		r = r.With(h.idempotency)
	}
	r.Post("/", h.createIntent)
}

type createPaymentIntentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	OrderID       string          `json:"orderId"`
	PayerID       string          `json:"payerId"`
	ReceiverID    string          `json:"receiverId"`
}

type paymentIntentResponse struct {
	ClientSecret string `json:"clientSecret"`
	IntentID     string `json:"intentId,omitempty"`
	Mock         bool   `json:"mock,omitempty"`
}

func (h *PaymentIntentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.intents == nil {
		serviceUnavailable(ctx, w, "payment_intent")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createPaymentIntentRequest
	if err := httpx.DecodeJSON(w, r, &req, maxPaymentIntentBodySize); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	payerID := strings.TrimSpace(req.PayerID)
	if payerID == "" {
		payerID = identity.UID
	}
	if payerID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "payment intents can only be created by the payer", http.StatusForbidden))
		return
	}

	result, err := h.intents.CreatePaymentIntent(ctx, services.CreatePaymentIntentCommand{
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		OrderID:       req.OrderID,
		PayerID:       payerID,
		ReceiverID:    req.ReceiverID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentIntentResponse{
		ClientSecret: result.ClientSecret,
		IntentID:     result.IntentID,
		Mock:         result.Mock,
	})
}

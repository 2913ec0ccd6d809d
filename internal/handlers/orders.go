package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/platform/httpx"
	"github.com/skillbridge/api/internal/services"
)

const maxOrderBodySize = 16 * 1024

// OrderHandlers exposes order endpoints for authenticated participants.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/status", h.updateStatus)
}

type createOrderRequest struct {
	ServiceID    string          `json:"serviceId"`
	ClientID     string          `json:"clientId"`
	FreelancerID string          `json:"freelancerId"`
	Amount       decimal.Decimal `json:"amount"`
	Requirements string          `json:"requirements"`
	DeliveryDays int             `json:"deliveryDays"`
	DeliveryDate *time.Time      `json:"deliveryDate"`
}

type updateStatusRequest struct {
	Status    string `json:"status"`
	NewStatus string `json:"newStatus"`
	Role      string `json:"role"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(w, r, &req, maxOrderBodySize); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = identity.UID
	}
	if clientID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "orders can only be placed for the authenticated client", http.StatusForbidden))
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		ServiceID:    req.ServiceID,
		ClientID:     clientID,
		FreelancerID: req.FreelancerID,
		Amount:       req.Amount,
		Requirements: req.Requirements,
		DeliveryDays: req.DeliveryDays,
		DeliveryDate: req.DeliveryDate,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order, identity.UID)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	if userID := strings.TrimSpace(query.Get("userId")); userID != "" && userID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "orders can only be listed for the authenticated user", http.StatusForbidden))
		return
	}

	orders, err := h.orders.ListOrders(ctx, services.ListOrdersFilter{
		UserID: identity.UID,
		Role:   query.Get("role"),
		Status: query.Get("status"),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order, identity.UID))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !order.IsParticipant(identity.UID) {
		writeOrderNotFound(ctx, w)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, identity.UID)})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := httpx.DecodeJSON(w, r, &req, maxOrderBodySize); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = strings.TrimSpace(req.NewStatus)
	}

	orderID := chi.URLParam(r, "orderID")
	role := strings.TrimSpace(req.Role)
	if role == "" {
		// Infer the caller's side of the order when the body does not say.
		order, err := h.orders.GetOrder(ctx, orderID)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		if !order.IsParticipant(identity.UID) {
			writeOrderNotFound(ctx, w)
			return
		}
		role = string(callerRole(order, identity.UID))
	}

	updated, err := h.orders.UpdateStatus(ctx, services.UpdateStatusCommand{
		OrderID:   orderID,
		NewStatus: status,
		ActorID:   identity.UID,
		ActorRole: role,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated, identity.UID)})
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                 string   `json:"id"`
	ServiceID          string   `json:"serviceId"`
	ClientID           string   `json:"clientId"`
	FreelancerID       string   `json:"freelancerId"`
	Amount             string   `json:"amount"`
	Status             string   `json:"status"`
	PaymentStatus      string   `json:"paymentStatus"`
	Requirements       string   `json:"requirements,omitempty"`
	DeliveryDate       string   `json:"deliveryDate"`
	CreatedAt          string   `json:"createdAt"`
	UpdatedAt          string   `json:"updatedAt"`
	PaidAt             string   `json:"paidAt,omitempty"`
	AllowedTransitions []string `json:"allowedTransitions"`
}

func buildOrderPayload(order services.Order, viewerID string) orderPayload {
	allowed := services.AllowedTransitions(order.Status, callerRole(order, viewerID))
	transitions := make([]string, 0, len(allowed))
	for _, status := range allowed {
		transitions = append(transitions, string(status))
	}
	return orderPayload{
		ID:                 order.ID,
		ServiceID:          order.ServiceID,
		ClientID:           order.ClientID,
		FreelancerID:       order.FreelancerID,
		Amount:             order.Amount.StringFixed(2),
		Status:             string(order.Status),
		PaymentStatus:      string(order.PaymentStatus),
		Requirements:       order.Requirements,
		DeliveryDate:       formatTime(order.DeliveryDate),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		PaidAt:             formatTimePtr(order.PaidAt),
		AllowedTransitions: transitions,
	}
}

// writeOrderNotFound answers non-participants exactly as for a missing order.
func writeOrderNotFound(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("not_found", "order not found", http.StatusNotFound))
}

func callerRole(order services.Order, userID string) domain.Role {
	switch userID {
	case order.FreelancerID:
		return domain.RoleFreelancer
	case order.ClientID:
		return domain.RoleClient
	default:
		return ""
	}
}

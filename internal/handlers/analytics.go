package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/skillbridge/api/internal/domain"
	"github.com/skillbridge/api/internal/services"
)

// MeHandlers serves the authenticated user's own reports.
type MeHandlers struct {
	analytics services.AnalyticsService
	currency  string
}

// NewMeHandlers constructs the /me handlers. currency is echoed on earnings responses.
func NewMeHandlers(analytics services.AnalyticsService, currency string) *MeHandlers {
	return &MeHandlers{analytics: analytics, currency: currency}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/earnings", h.earnings)
	r.Get("/order-analytics", h.orderAnalytics)
}

func (h *MeHandlers) earnings(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	writeEarnings(r.Context(), w, h.analytics, identity.UID, h.currency)
}

func (h *MeHandlers) orderAnalytics(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	writeOrderAnalytics(r.Context(), w, h.analytics, identity.UID, r.URL.Query().Get("role"))
}

// InternalHandlers serves reports to trusted backend callers authenticated by service tokens.
type InternalHandlers struct {
	analytics services.AnalyticsService
	currency  string
}

// NewInternalHandlers constructs the /internal handlers.
func NewInternalHandlers(analytics services.AnalyticsService, currency string) *InternalHandlers {
	return &InternalHandlers{analytics: analytics, currency: currency}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/users/{userID}/earnings", h.earnings)
	r.Get("/users/{userID}/order-analytics", h.orderAnalytics)
}

func (h *InternalHandlers) earnings(w http.ResponseWriter, r *http.Request) {
	writeEarnings(r.Context(), w, h.analytics, chi.URLParam(r, "userID"), h.currency)
}

func (h *InternalHandlers) orderAnalytics(w http.ResponseWriter, r *http.Request) {
	writeOrderAnalytics(r.Context(), w, h.analytics, chi.URLParam(r, "userID"), r.URL.Query().Get("role"))
}

type monthlyEarningPayload struct {
	Month  string `json:"month"`
	Amount string `json:"amount"`
	Count  int    `json:"count"`
}

type earningsPayload struct {
	UserID          string                  `json:"userId"`
	TotalEarnings   string                  `json:"totalEarnings"`
	Currency        string                  `json:"currency,omitempty"`
	MonthlyEarnings []monthlyEarningPayload `json:"monthlyEarnings"`
}

type orderAnalyticsPayload struct {
	UserID   string         `json:"userId"`
	Role     string         `json:"role"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

func writeEarnings(ctx context.Context, w http.ResponseWriter, analytics services.AnalyticsService, userID, currency string) {
	if analytics == nil {
		serviceUnavailable(ctx, w, "analytics")
		return
	}
	summary, err := analytics.EarningsSummary(ctx, userID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	months := make([]monthlyEarningPayload, 0, len(summary.MonthlyEarnings))
	for _, m := range summary.MonthlyEarnings {
		months = append(months, monthlyEarningPayload{Month: m.Month, Amount: m.Amount.StringFixed(2), Count: m.Count})
	}
	writeJSONResponse(w, http.StatusOK, earningsPayload{
		UserID:          summary.UserID,
		TotalEarnings:   summary.TotalEarnings.StringFixed(2),
		Currency:        currency,
		MonthlyEarnings: months,
	})
}

func writeOrderAnalytics(ctx context.Context, w http.ResponseWriter, analytics services.AnalyticsService, userID, role string) {
	if analytics == nil {
		serviceUnavailable(ctx, w, "analytics")
		return
	}
	report, err := analytics.OrderAnalytics(ctx, userID, domain.Role(role))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	byStatus := make(map[string]int, len(report.ByStatus))
	for status, count := range report.ByStatus {
		byStatus[string(status)] = count
	}
	writeJSONResponse(w, http.StatusOK, orderAnalyticsPayload{
		UserID:   report.UserID,
		Role:     string(report.Role),
		Total:    report.Total,
		ByStatus: byStatus,
	})
}

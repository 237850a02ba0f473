// Package api exposes the payment form HTTP surface.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tronpay/internal/common/api"
	"tronpay/internal/common/middleware"
	"tronpay/internal/common/money"
	"tronpay/internal/form"
	"tronpay/internal/guard"
	"tronpay/internal/payment"
	"tronpay/internal/tron"
)

// Handler handles payment form HTTP requests
type Handler struct {
	service *payment.Service
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment form routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/forms", h.CreateForm)
	r.Get("/forms", h.ListForms)
	r.Get("/forms/{id}", h.GetForm)
	r.Post("/forms/{id}/cancel", h.CancelForm)
	r.Get("/forms/{id}/status", h.CheckStatus)
	r.Get("/forms/{id}/url", h.PaymentURL)
	r.Get("/forms/{id}/qr", h.QRPayload)
	r.Get("/wallet", h.WalletInfo)

	return r
}

// CreateFormRequest is the API request for creating a payment form
type CreateFormRequest struct {
	Amount       string `json:"amount" validate:"required"`
	Currency     string `json:"currency" validate:"required,oneof=USDT TRX"`
	Description  string `json:"description"`
	ExpiresHours int    `json:"expires_hours" validate:"gte=0,lte=168"`
	UserID       string `json:"user_id" validate:"max=128"`
}

// CreateForm handles POST /forms
func (h *Handler) CreateForm(w http.ResponseWriter, r *http.Request) {
	var req CreateFormRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	f, err := h.service.CreateForm(r.Context(), payment.CreateRequest{
		Amount:       req.Amount,
		Currency:     money.Currency(req.Currency),
		Description:  req.Description,
		ExpiresHours: req.ExpiresHours,
		UserID:       req.UserID,
		ClientIP:     middleware.GetClientIP(r.Context()),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, f)
}

// ListForms handles GET /forms
func (h *Handler) ListForms(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	if r.URL.Query().Get("history") == "true" {
		if userID == "" {
			api.BadRequest(w, "user_id required for history")
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 500 {
				api.BadRequest(w, "limit must be between 1 and 500")
				return
			}
			limit = n
		}
		forms, err := h.service.History(r.Context(), userID, limit)
		if err != nil {
			api.InternalError(w, "failed to list forms")
			return
		}
		api.WriteData(w, http.StatusOK, forms)
		return
	}

	forms, err := h.service.ListActiveForms(r.Context(), userID)
	if err != nil {
		api.InternalError(w, "failed to list forms")
		return
	}
	api.WriteData(w, http.StatusOK, forms)
}

// GetForm handles GET /forms/{id}
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	f, err := h.service.GetForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, f)
}

// CancelForm handles POST /forms/{id}/cancel
func (h *Handler) CancelForm(w http.ResponseWriter, r *http.Request) {
	f, err := h.service.CancelForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, f)
}

// CheckStatus handles GET /forms/{id}/status
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.CheckStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]any{
		"form":              info.Form,
		"state":             info.State,
		"remaining_seconds": int64(info.Remaining.Seconds()),
	})
}

// PaymentURL handles GET /forms/{id}/url
func (h *Handler) PaymentURL(w http.ResponseWriter, r *http.Request) {
	f, err := h.service.GetForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"url": payment.PaymentURL(f)})
}

// QRPayload handles GET /forms/{id}/qr
func (h *Handler) QRPayload(w http.ResponseWriter, r *http.Request) {
	f, err := h.service.GetForm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"payload": payment.QRPayload(f)})
}

// WalletInfo handles GET /wallet
func (h *Handler) WalletInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.WalletInfo(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, info)
}

// writeServiceError maps service errors onto the response envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *payment.ValidationError
	switch {
	case errors.As(err, &verr):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, verr.Error())
	case errors.Is(err, form.ErrNotFound):
		api.NotFound(w, "form not found")
	case errors.Is(err, form.ErrNotPending):
		api.Conflict(w, "form is not pending")
	case errors.Is(err, form.ErrCapacityExceeded):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeCapacityExceeded, "too many active forms, try again later")
	case errors.Is(err, form.ErrCollisionExhausted):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeCollisionExhaust, "could not allocate a unique amount, try again later")
	case errors.Is(err, guard.ErrRateLimited):
		api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeRateLimited, "rate limit exceeded")
	case errors.Is(err, guard.ErrTooFrequent):
		api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeTooFrequent, "too many forms created, slow down")
	case errors.Is(err, guard.ErrBlacklisted):
		api.WriteError(w, http.StatusForbidden, api.ErrCodeBlacklisted, "address is blacklisted")
	case errors.Is(err, tron.ErrUpstreamUnavailable):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeUpstreamUnavail, "explorer is unavailable, try again later")
	default:
		api.InternalError(w, "internal error")
	}
}

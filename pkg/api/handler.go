package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const maxRequestBody = 16 * 1024

// Handler provides HTTP endpoints for subscription self-service
type Handler struct {
	config Config
}

// Routes returns a router with every endpoint mounted under /v1.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register adds the endpoints to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/entitlement", h.GetEntitlement)
	r.Post("/v1/entitlement/reconcile", h.Reconcile)
	r.Post("/v1/subscription/cancel", h.CancelSubscription)
	r.Post("/v1/subscription/resume", h.ResumeSubscription)
	r.Get("/v1/subscription/invoices", h.ListInvoices)
	r.Get("/v1/subscription/records", h.ListRecords)
	r.Post("/v1/billing/checkout", h.Checkout)
	r.Post("/v1/billing/portal", h.Portal)
}

// GetEntitlement returns the stored entitlement of the caller's principal
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	p, err := h.config.Manager.GetPrincipal(r.Context(), actor.Principal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entitlementResponse(p, actor.UserID))
}

// Reconcile pulls the caller's subscription from the billing provider. A
// stale result is still 200; the body says so.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.config.Manager.Reconcile(r.Context(), actor.Principal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Outcome == goentitle.OutcomeNotFound {
		h.fail(w, r, fmt.Errorf("%w: %s", goentitle.ErrPrincipalNotFound, actor.Principal))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelSubscription schedules cancellation at the end of the current period
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.config.Manager.CancelAtPeriodEnd(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResumeSubscription withdraws a scheduled cancellation
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.config.Manager.ResumeSubscription(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListInvoices returns the caller's payment history. ?limit= narrows the page.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit := h.config.MaxInvoices
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.handleError(w, r, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}
	invoices, err := h.config.Manager.PaymentHistory(r.Context(), actor, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	writeJSON(w, http.StatusOK, InvoicesResponse{Invoices: invoices})
}

// ListRecords returns an organization's subscription history
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	recs, err := h.config.Manager.SubscriptionRecords(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []goentitle.SubscriptionRecord{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Records: recs})
}

// Checkout starts a hosted checkout and returns its URL
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.config.SuccessURL
	}
	if req.CancelURL == "" {
		req.CancelURL = h.config.CancelURL
	}
	url, err := h.config.Manager.CheckoutURL(r.Context(), actor, req.PlanTier, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RedirectResponse{URL: url})
}

// Portal returns a billing portal URL for the caller's customer
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req PortalRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.ReturnURL == "" {
		req.ReturnURL = h.config.ReturnURL
	}
	url, err := h.config.Manager.PortalURL(r.Context(), actor, req.ReturnURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RedirectResponse{URL: url})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (goentitle.Actor, bool) {
	actor, ok := h.config.GetActor(r)
	if !ok {
		h.handleError(w, r, fmt.Errorf("actor not found"), http.StatusUnauthorized)
		return goentitle.Actor{}, false
	}
	return actor, true
}

// fail maps a manager error to its status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("subscription api request failed",
			goentitle.Field{Key: "path", Value: r.URL.Path},
			goentitle.Field{Key: "status", Value: status},
			goentitle.Field{Key: "error", Value: err.Error()})
	}
	h.handleError(w, r, err, status)
}

// StatusFor returns the HTTP status for an error returned by Manager.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, goentitle.ErrInvalidPrincipalKind),
		errors.Is(err, goentitle.ErrInvalidPrincipalID),
		errors.Is(err, billing.ErrTierNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, goentitle.ErrNotSubscriptionManager):
		return http.StatusForbidden
	case errors.Is(err, goentitle.ErrPrincipalNotFound),
		errors.Is(err, goentitle.ErrNoSubscription):
		return http.StatusNotFound
	case errors.Is(err, goentitle.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, billing.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, goentitle.ErrBillingProviderUnavailable),
		errors.Is(err, goentitle.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

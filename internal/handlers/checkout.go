package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/platform/httpx"
	"github.com/camellia-shop/api/internal/services"
)

const maxCheckoutBodySize = 64 * 1024

// CheckoutHandlers starts provider checkout sessions and accepts
// client-confirmed payment drafts.
type CheckoutHandlers struct {
	checkout   services.CheckoutService
	reconciler services.PaymentReconciler
}

// NewCheckoutHandlers constructs handlers over the checkout service and the
// payment reconciler.
func NewCheckoutHandlers(checkout services.CheckoutService, reconciler services.PaymentReconciler) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: checkout, reconciler: reconciler}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/session", h.createSession)
	r.Post("/confirm", h.confirmOrder)
}

type createSessionRequest struct {
	CustomerEmail string `json:"customerEmail"`
	SuccessURL    string `json:"successUrl"`
	CancelURL     string `json:"cancelUrl"`
}

type checkoutSessionPayload struct {
	SessionID   string `json:"sessionId"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirectUrl"`
	PaymentRef  string `json:"paymentRef,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

type confirmOrderLineRequest struct {
	ProductRef string `json:"productRef"`
	VariantID  string `json:"variantId"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
}

type confirmOrderRequest struct {
	PaymentRef    string                    `json:"paymentRef"`
	CartRef       string                    `json:"cartRef"`
	DeclaredTotal int64                     `json:"declaredTotal"`
	Currency      string                    `json:"currency"`
	Lines         []confirmOrderLineRequest `json:"lines"`
	ContactName   string                    `json:"contactName"`
	ContactEmail  string                    `json:"contactEmail"`
	ContactPhone  string                    `json:"contactPhone"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is unavailable", http.StatusServiceUnavailable))
		return
	}

	owner, ok := callerOwner(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	var req createSessionRequest
	if body, err := readLimitedBody(r, maxCheckoutBodySize); err == nil {
		if err := decodeJSONBody(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	} else if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, services.CreateCheckoutSessionCommand{
		Owner:         owner,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		SuccessURL:    strings.TrimSpace(req.SuccessURL),
		CancelURL:     strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutSessionPayload{
		SessionID:   session.ID,
		Provider:    session.Provider,
		RedirectURL: session.RedirectURL,
		PaymentRef:  session.IntentID,
		ExpiresAt:   formatTimestamp(session.ExpiresAt),
	})
}

func (h *CheckoutHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "order confirmation is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req confirmOrderRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	cmd := services.ConfirmClientOrderCommand{
		PaymentRef:    strings.TrimSpace(req.PaymentRef),
		CartRef:       strings.TrimSpace(req.CartRef),
		DeclaredTotal: req.DeclaredTotal,
		Currency:      req.Currency,
	}
	if owner, ok := callerOwner(r); ok {
		cmd.AccountID = owner.AccountID
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, domain.OrderLine{
			ProductRef: line.ProductRef,
			VariantID:  line.VariantID,
			Name:       line.Name,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
		})
	}
	if req.ContactName != "" || req.ContactEmail != "" || req.ContactPhone != "" {
		cmd.Contact = &domain.OrderContact{
			Name:  req.ContactName,
			Email: req.ContactEmail,
			Phone: req.ContactPhone,
		}
	}

	order, err := h.reconciler.ConfirmClientOrder(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput), errors.Is(err, services.ErrReconcileInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentNotSettled):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_settled", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderReconciliation):
		httpx.WriteError(ctx, w, httpx.NewError("order_reconciliation_failed", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout operation failed", http.StatusServiceUnavailable))
	}
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/platform/httpx"
	"github.com/camellia-shop/api/internal/platform/idempotency"
	"github.com/camellia-shop/api/internal/services"
)

const (
	maxWebhookBodySize = 256 * 1024

	stripeSignatureHeader = "Stripe-Signature"
	webhookSource         = "stripe"

	defaultWebhookTTL = 24 * time.Hour
)

// webhookVerifier is the slice of the payment provider the webhook endpoint needs.
type webhookVerifier interface {
	VerifyWebhookEvent(payload []byte, signature string) (payments.WebhookEvent, error)
}

// WebhookHandlers receives provider callbacks, deduplicates deliveries, and
// hands verified success events to the payment reconciler.
type WebhookHandlers struct {
	verifier   webhookVerifier
	reconciler services.PaymentReconciler
	store      idempotency.Store
	ttl        time.Duration
	clock      func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// WebhookHandlersDeps wires the collaborators of the webhook endpoint.
type WebhookHandlersDeps struct {
	Verifier   webhookVerifier
	Reconciler services.PaymentReconciler
	Store      idempotency.Store
	TTL        time.Duration
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(deps WebhookHandlersDeps) *WebhookHandlers {
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultWebhookTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		verifier:   deps.Verifier,
		reconciler: deps.Reconciler,
		store:      deps.Store,
		ttl:        ttl,
		clock:      clock,
		logger:     logger,
	}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.handlePaymentEvent)
}

type webhookAckResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
}

func (h *WebhookHandlers) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing is unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload is required", http.StatusBadRequest))
		}
		return
	}

	event, err := h.verifier.VerifyWebhookEvent(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.logger(ctx, "webhook.signature_rejected", map[string]any{"error": err.Error()})
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	}

	if !isPaymentSuccessEvent(event.Type) {
		h.logger(ctx, "webhook.event_ignored", map[string]any{"eventId": event.ID, "type": event.Type})
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	}

	if h.store != nil {
		reservation, err := h.store.Reserve(ctx, event.ID, webhookSource, h.clock(), h.ttl)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook deduplication failed", http.StatusServiceUnavailable))
			return
		}
		switch reservation.State {
		case idempotency.ReservationStateProcessed:
			h.logger(ctx, "webhook.duplicate_delivery", map[string]any{"eventId": event.ID})
			writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, Duplicate: true})
			return
		case idempotency.ReservationStatePending:
			// Another delivery holds the reservation. Tell the provider to retry
			// once that attempt has settled.
			httpx.WriteError(ctx, w, httpx.NewError("event_in_flight", "event is already being processed", http.StatusConflict))
			return
		}
	}

	order, err := h.reconciler.HandlePaymentSucceeded(ctx, event)
	if err != nil {
		h.releaseReservation(ctx, event.ID)
		writeWebhookError(ctx, w, h.logger, event, err)
		return
	}

	if h.store != nil {
		if err := h.store.MarkProcessed(ctx, event.ID, h.clock(), h.ttl); err != nil {
			h.logger(ctx, "webhook.mark_processed_failed", map[string]any{"eventId": event.ID, "error": err.Error()})
		}
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, OrderID: order.ID})
}

func (h *WebhookHandlers) releaseReservation(ctx context.Context, eventID string) {
	if h.store == nil {
		return
	}
	if err := h.store.Release(ctx, eventID); err != nil {
		h.logger(ctx, "webhook.release_failed", map[string]any{"eventId": eventID, "error": err.Error()})
	}
}

func isPaymentSuccessEvent(eventType string) bool {
	switch eventType {
	case "payment_intent.succeeded", "checkout.session.completed":
		return true
	default:
		return false
	}
}

func writeWebhookError(ctx context.Context, w http.ResponseWriter, logger func(context.Context, string, map[string]any), event payments.WebhookEvent, err error) {
	switch {
	case errors.Is(err, services.ErrReconcileInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderReconciliation):
		logger(ctx, "webhook.reconciliation_failed", map[string]any{"eventId": event.ID, "paymentRef": event.TransactionID, "error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("order_reconciliation_failed", err.Error(), http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing failed", http.StatusServiceUnavailable))
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/platform/idempotency"
	"github.com/camellia-shop/api/internal/services"
)

type stubWebhookVerifier struct {
	verifyFunc func(payload []byte, signature string) (payments.WebhookEvent, error)
}

func (s *stubWebhookVerifier) VerifyWebhookEvent(payload []byte, signature string) (payments.WebhookEvent, error) {
	if s.verifyFunc == nil {
		return payments.WebhookEvent{}, errors.New("not implemented")
	}
	return s.verifyFunc(payload, signature)
}

type stubReconciler struct {
	handleFunc  func(ctx context.Context, event payments.WebhookEvent) (domain.Order, error)
	confirmFunc func(ctx context.Context, cmd services.ConfirmClientOrderCommand) (domain.Order, error)
}

func (s *stubReconciler) HandlePaymentSucceeded(ctx context.Context, event payments.WebhookEvent) (domain.Order, error) {
	if s.handleFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.handleFunc(ctx, event)
}

func (s *stubReconciler) ConfirmClientOrder(ctx context.Context, cmd services.ConfirmClientOrderCommand) (domain.Order, error) {
	if s.confirmFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.confirmFunc(ctx, cmd)
}

func newWebhookRouter(t *testing.T, verifier webhookVerifier, reconciler services.PaymentReconciler, store idempotency.Store) *chi.Mux {
	t.Helper()
	handler := NewWebhookHandlers(WebhookHandlersDeps{
		Verifier:   verifier,
		Reconciler: reconciler,
		Store:      store,
		TTL:        time.Hour,
		Clock: func() time.Time {
			return time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)
		},
	})
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func postWebhook(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestWebhookHandlersRejectsInvalidSignature(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFunc: func([]byte, string) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{}, fmt.Errorf("%w: digest mismatch", payments.ErrInvalidSignature)
		},
	}
	handled := 0
	reconciler := &stubReconciler{
		handleFunc: func(context.Context, payments.WebhookEvent) (domain.Order, error) {
			handled++
			return domain.Order{}, nil
		},
	}

	rr := postWebhook(newWebhookRouter(t, verifier, reconciler, idempotency.NewMemoryStore()), `{}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if handled != 0 {
		t.Fatalf("expected no reconciliation on signature failure, got %d", handled)
	}
}

func TestWebhookHandlersAcksIgnoredEventTypes(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFunc: func([]byte, string) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{ID: "evt-1", Type: "payment_intent.created"}, nil
		},
	}
	handled := 0
	reconciler := &stubReconciler{
		handleFunc: func(context.Context, payments.WebhookEvent) (domain.Order, error) {
			handled++
			return domain.Order{}, nil
		},
	}

	rr := postWebhook(newWebhookRouter(t, verifier, reconciler, idempotency.NewMemoryStore()), `{}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if handled != 0 {
		t.Fatalf("expected ignored event to skip reconciliation, got %d", handled)
	}
}

func TestWebhookHandlersProcessesSuccessEventOnce(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFunc: func([]byte, string) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{
				ID:            "evt-1",
				Type:          "payment_intent.succeeded",
				TransactionID: "pi_123",
				Amount:        9000,
			}, nil
		},
	}
	handled := 0
	reconciler := &stubReconciler{
		handleFunc: func(_ context.Context, event payments.WebhookEvent) (domain.Order, error) {
			handled++
			if event.TransactionID != "pi_123" {
				t.Fatalf("unexpected payment ref %q", event.TransactionID)
			}
			return domain.Order{ID: "order-1"}, nil
		},
	}

	router := newWebhookRouter(t, verifier, reconciler, idempotency.NewMemoryStore())

	first := postWebhook(router, `{}`)
	if first.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", first.Code, first.Body.String())
	}
	var resp webhookAckResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OrderID != "order-1" || resp.Duplicate {
		t.Fatalf("unexpected ack %+v", resp)
	}

	second := postWebhook(router, `{}`)
	if second.Code != http.StatusOK {
		t.Fatalf("expected status 200 on redelivery, got %d", second.Code)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Duplicate {
		t.Fatalf("expected duplicate ack, got %+v", resp)
	}
	if handled != 1 {
		t.Fatalf("expected exactly one reconciliation, got %d", handled)
	}
}

func TestWebhookHandlersReleasesReservationOnFailure(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFunc: func([]byte, string) (payments.WebhookEvent, error) {
			return payments.WebhookEvent{ID: "evt-1", Type: "checkout.session.completed", TransactionID: "pi_123"}, nil
		},
	}
	handled := 0
	reconciler := &stubReconciler{
		handleFunc: func(context.Context, payments.WebhookEvent) (domain.Order, error) {
			handled++
			if handled == 1 {
				return domain.Order{}, fmt.Errorf("%w: cart metadata is malformed", services.ErrOrderReconciliation)
			}
			return domain.Order{ID: "order-1"}, nil
		},
	}

	router := newWebhookRouter(t, verifier, reconciler, idempotency.NewMemoryStore())

	first := postWebhook(router, `{}`)
	if first.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", first.Code, first.Body.String())
	}

	// The failed delivery must not poison the event. A retry processes it.
	second := postWebhook(router, `{}`)
	if second.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d: %s", second.Code, second.Body.String())
	}
	if handled != 2 {
		t.Fatalf("expected two reconciliation attempts, got %d", handled)
	}
}

func TestWebhookHandlersRequiresBody(t *testing.T) {
	router := newWebhookRouter(t, &stubWebhookVerifier{}, &stubReconciler{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(""))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

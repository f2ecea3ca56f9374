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
	"github.com/camellia-shop/api/internal/repositories"
	"github.com/camellia-shop/api/internal/services"
)

type stubOrderService struct {
	createFunc      func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error)
	getFunc         func(ctx context.Context, orderID string) (domain.Order, error)
	getByNumberFunc func(ctx context.Context, orderNumber string) (domain.Order, error)
	listFunc        func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	transitionFunc  func(ctx context.Context, cmd services.OrderTransitionCommand) (domain.Order, error)
	cancelFunc      func(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error)
	markPaymentFunc func(ctx context.Context, cmd services.MarkPaymentStatusCommand) (domain.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.createFunc(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.getFunc(ctx, orderID)
}

func (s *stubOrderService) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if s.getByNumberFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.getByNumberFunc(ctx, orderNumber)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFunc == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("not implemented")
	}
	return s.listFunc(ctx, filter)
}

func (s *stubOrderService) Transition(ctx context.Context, cmd services.OrderTransitionCommand) (domain.Order, error) {
	if s.transitionFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.transitionFunc(ctx, cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.cancelFunc(ctx, cmd)
}

func (s *stubOrderService) MarkPaymentStatus(ctx context.Context, cmd services.MarkPaymentStatusCommand) (domain.Order, error) {
	if s.markPaymentFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.markPaymentFunc(ctx, cmd)
}

type stubSpendingGuard struct {
	authorizeFunc func(ctx context.Context, accountID string, amount int64) (services.SpendingAuthorization, error)
	placeFunc     func(ctx context.Context, cmd services.PlaceCreditOrderCommand) (domain.Order, error)
}

func (s *stubSpendingGuard) Authorize(ctx context.Context, accountID string, amount int64) (services.SpendingAuthorization, error) {
	if s.authorizeFunc == nil {
		return services.SpendingAuthorization{}, errors.New("not implemented")
	}
	return s.authorizeFunc(ctx, accountID, amount)
}

func (s *stubSpendingGuard) PlaceCreditOrder(ctx context.Context, cmd services.PlaceCreditOrderCommand) (domain.Order, error) {
	if s.placeFunc == nil {
		return domain.Order{}, errors.New("not implemented")
	}
	return s.placeFunc(ctx, cmd)
}

func newOrderRouter(orders services.OrderService, spending services.SpendingGuard) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(orders, spending).Routes)
	return router
}

func TestOrderHandlersGetOrderSuccess(t *testing.T) {
	now := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderService{
		getFunc: func(_ context.Context, orderID string) (domain.Order, error) {
			if orderID != "order-1" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			return domain.Order{
				ID:            "order-1",
				OrderNumber:   "FL-20250402-0001",
				Status:        domain.OrderStatusPlaced,
				PaymentStatus: domain.PaymentStatusPaid,
				Currency:      "EUR",
				TotalAmount:   9000,
				Timeline: []domain.TimelineEntry{
					{Status: domain.OrderStatusPlaced, Date: now},
				},
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/orders/order-1", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.OrderNumber != "FL-20250402-0001" {
		t.Fatalf("unexpected order number %q", resp.Order.OrderNumber)
	}
	if len(resp.Order.Timeline) != 1 || resp.Order.Timeline[0].Status != "placed" {
		t.Fatalf("unexpected timeline %+v", resp.Order.Timeline)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	orders := &stubOrderService{
		getFunc: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: order-9", services.ErrOrderNotFound)
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/orders/order-9", nil)
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersListPassesFilters(t *testing.T) {
	orders := &stubOrderService{
		listFunc: func(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			if filter.AccountID != "acc-1" {
				t.Fatalf("unexpected account filter %q", filter.AccountID)
			}
			if len(filter.Status) != 1 || filter.Status[0] != domain.OrderStatusPlaced {
				t.Fatalf("unexpected status filter %+v", filter.Status)
			}
			if len(filter.PaymentStatus) != 1 || filter.PaymentStatus[0] != domain.PaymentStatusPendingMonthly {
				t.Fatalf("unexpected payment filter %+v", filter.PaymentStatus)
			}
			if filter.Pagination.PageSize != 10 || filter.Pagination.PageToken != "tok" {
				t.Fatalf("unexpected pagination %+v", filter.Pagination)
			}
			return domain.CursorPage[domain.Order]{
				Items:         []domain.Order{{ID: "order-1"}},
				NextPageToken: "next",
			}, nil
		},
	}

	target := "/orders?accountId=acc-1&status=placed&paymentStatus=pending_monthly&pageSize=10&pageToken=tok"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Orders) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected list response %+v", resp)
	}
}

func TestOrderHandlersTransitionIllegal(t *testing.T) {
	orders := &stubOrderService{
		transitionFunc: func(_ context.Context, cmd services.OrderTransitionCommand) (domain.Order, error) {
			if cmd.Target != domain.OrderStatusDelivered {
				t.Fatalf("unexpected target %q", cmd.Target)
			}
			return domain.Order{}, fmt.Errorf("%w: cannot move from placed to delivered", services.ErrInvalidStatusTransition)
		},
	}

	body := strings.NewReader(`{"target":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/orders/order-1/transition", body)
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "invalid_status_transition") {
		t.Fatalf("expected invalid_status_transition code, got %s", rr.Body.String())
	}
}

func TestOrderHandlersMarkPaymentRefundRejected(t *testing.T) {
	orders := &stubOrderService{
		markPaymentFunc: func(_ context.Context, cmd services.MarkPaymentStatusCommand) (domain.Order, error) {
			if cmd.Status != domain.PaymentStatusRefunded {
				t.Fatalf("unexpected status %q", cmd.Status)
			}
			return domain.Order{}, fmt.Errorf("%w: charge already disputed", services.ErrRefundFailed)
		},
	}

	body := strings.NewReader(`{"status":"refunded"}`)
	req := httptest.NewRequest(http.MethodPost, "/orders/order-1/payment-status", body)
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "refund_failed") {
		t.Fatalf("expected refund_failed code, got %s", rr.Body.String())
	}
}

func TestOrderHandlersCancelWithReason(t *testing.T) {
	orders := &stubOrderService{
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
			if cmd.Reason != "customer request" {
				t.Fatalf("unexpected reason %q", cmd.Reason)
			}
			reason := cmd.Reason
			return domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusCancelled, CancelReason: &reason}, nil
		},
	}

	body := strings.NewReader(`{"reason":"customer request"}`)
	req := httptest.NewRequest(http.MethodPost, "/orders/order-1/cancel", body)
	rr := httptest.NewRecorder()
	newOrderRouter(orders, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.CancelReason != "customer request" {
		t.Fatalf("unexpected cancel reason %q", resp.Order.CancelReason)
	}
}

func TestOrderHandlersPlaceCreditOrderLimitExceeded(t *testing.T) {
	spending := &stubSpendingGuard{
		placeFunc: func(_ context.Context, cmd services.PlaceCreditOrderCommand) (domain.Order, error) {
			if cmd.AccountID != "acc-1" {
				t.Fatalf("unexpected account %q", cmd.AccountID)
			}
			return domain.Order{}, &services.MonthlyLimitExceededError{
				MonthlyLimit:    100000,
				SpentThisMonth:  95000,
				ProposedAmount:  30000,
				RemainingBudget: 5000,
			}
		},
	}

	body := strings.NewReader(`{"lines":[{"productRef":"rose-bouquet","name":"Rose Bouquet","unitPrice":30000,"quantity":1}]}`)
	req := withCaller(httptest.NewRequest(http.MethodPost, "/orders/credit", body), "acc-1", "")
	rr := httptest.NewRecorder()
	newOrderRouter(nil, spending).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := rr.Body.String()
	if !strings.Contains(payload, "monthly_limit_exceeded") {
		t.Fatalf("expected monthly_limit_exceeded code, got %s", payload)
	}
	if !strings.Contains(payload, "remainingBudget") || !strings.Contains(payload, "5000") {
		t.Fatalf("expected remaining budget detail, got %s", payload)
	}
}

func TestOrderHandlersPlaceCreditOrderRequiresAccount(t *testing.T) {
	body := strings.NewReader(`{"lines":[]}`)
	req := withCaller(httptest.NewRequest(http.MethodPost, "/orders/credit", body), "", "sess-1")
	rr := httptest.NewRecorder()
	newOrderRouter(nil, &stubSpendingGuard{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersAuthorizationPreview(t *testing.T) {
	spending := &stubSpendingGuard{
		authorizeFunc: func(_ context.Context, accountID string, amount int64) (services.SpendingAuthorization, error) {
			if accountID != "acc-1" || amount != 30000 {
				t.Fatalf("unexpected authorize args %q %d", accountID, amount)
			}
			return services.SpendingAuthorization{
					Authorized:      false,
					MonthlyLimit:    100000,
					SpentThisMonth:  95000,
					RemainingBudget: 5000,
				}, &services.MonthlyLimitExceededError{
					MonthlyLimit:    100000,
					SpentThisMonth:  95000,
					ProposedAmount:  30000,
					RemainingBudget: 5000,
				}
		},
	}

	req := withCaller(httptest.NewRequest(http.MethodGet, "/orders/credit/authorization?amount=30000", nil), "acc-1", "")
	rr := httptest.NewRecorder()
	newOrderRouter(nil, spending).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp spendingAuthorizationPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Authorized || resp.RemainingBudget != 5000 {
		t.Fatalf("unexpected authorization %+v", resp)
	}
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/repositories"
)

func TestOrderServiceCreatePlacesOrderWithInitialTimeline(t *testing.T) {
	now := time.Date(2025, 4, 2, 14, 30, 0, 0, time.UTC)
	var inserted domain.Order

	orders := &stubOrderRepository{
		insertFunc: func(ctx context.Context, order domain.Order) error {
			inserted = order
			return nil
		},
	}
	counters := &stubCounterRepository{
		nextFunc: func(ctx context.Context, counterID string) (int64, error) {
			if counterID != "orders_20250402" {
				t.Fatalf("unexpected counter id %q", counterID)
			}
			return 17, nil
		},
	}
	publisher := &stubEventPublisher{}

	service := newTestOrderService(t, orders, counters, publisher, now)

	order, err := service.Create(context.Background(), CreateOrderCommand{
		AccountID:     "acc-1",
		Currency:      "eur",
		PaymentMethod: domain.PaymentMethodCard,
		PaymentRef:    "pi_123",
		Lines: []OrderLine{
			{ProductRef: "rose-bouquet", Name: "Rose Bouquet", UnitPrice: 4500, Quantity: 2},
			{ProductRef: "tulip-mix", Name: "Tulip Mix", UnitPrice: 1500, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if order.Status != domain.OrderStatusPlaced {
		t.Fatalf("expected status placed, got %q", order.Status)
	}
	if order.OrderNumber != "FL-20250402-0017" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.TotalAmount != 2*4500+1500 {
		t.Fatalf("expected total %d, got %d", 2*4500+1500, order.TotalAmount)
	}
	if order.Currency != "EUR" {
		t.Fatalf("expected currency EUR, got %q", order.Currency)
	}
	if len(order.Timeline) != 1 {
		t.Fatalf("expected exactly one timeline entry, got %d", len(order.Timeline))
	}
	if order.Timeline[0].Status != domain.OrderStatusPlaced {
		t.Fatalf("expected initial entry placed, got %q", order.Timeline[0].Status)
	}
	if inserted.PaymentRef != "pi_123" {
		t.Fatalf("expected payment ref persisted, got %q", inserted.PaymentRef)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != "order.created" {
		t.Fatalf("expected order.created event, got %+v", publisher.events)
	}
}

func TestOrderServiceCreateRequiresLines(t *testing.T) {
	now := time.Date(2025, 4, 2, 14, 30, 0, 0, time.UTC)
	service := newTestOrderService(t, &stubOrderRepository{}, &stubCounterRepository{}, nil, now)

	_, err := service.Create(context.Background(), CreateOrderCommand{
		PaymentMethod: domain.PaymentMethodCard,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceTransitionLegality(t *testing.T) {
	allStatuses := []domain.OrderStatus{
		domain.OrderStatusPlaced,
		domain.OrderStatusInPreparation,
		domain.OrderStatusReady,
		domain.OrderStatusOutForDelivery,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}
	legal := map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusPlaced:         {domain.OrderStatusInPreparation, domain.OrderStatusCancelled},
		domain.OrderStatusInPreparation:  {domain.OrderStatusReady, domain.OrderStatusCancelled},
		domain.OrderStatusReady:          {domain.OrderStatusOutForDelivery},
		domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered},
	}
	isLegal := func(from, to domain.OrderStatus) bool {
		for _, allowed := range legal[from] {
			if allowed == to {
				return true
			}
		}
		return false
	}

	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			from, to := from, to
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				orders := &stubOrderRepository{
					findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
						return domain.Order{
							ID:     "ord-1",
							Status: from,
							Timeline: []domain.TimelineEntry{
								{Status: from, Date: now.Add(-time.Hour)},
							},
						}, nil
					},
					updateFunc: func(ctx context.Context, order domain.Order) error {
						return nil
					},
				}
				service := newTestOrderService(t, orders, &stubCounterRepository{}, nil, now)

				order, err := service.Transition(context.Background(), OrderTransitionCommand{
					OrderID: "ord-1",
					Target:  to,
				})

				if isLegal(from, to) {
					if err != nil {
						t.Fatalf("expected %s to %s to succeed, got %v", from, to, err)
					}
					if order.Status != to {
						t.Fatalf("expected status %q, got %q", to, order.Status)
					}
					return
				}

				if !errors.Is(err, ErrInvalidStatusTransition) {
					t.Fatalf("expected %s to %s to fail with ErrInvalidStatusTransition, got %v", from, to, err)
				}
			})
		}
	}
}

func TestOrderServiceTransitionAppendsOneTimelineEntry(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	placedAt := now.Add(-2 * time.Hour)

	var updated domain.Order
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:     "ord-1",
				Status: domain.OrderStatusPlaced,
				Timeline: []domain.TimelineEntry{
					{Status: domain.OrderStatusPlaced, Date: placedAt},
				},
			}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			updated = order
			return nil
		},
	}
	publisher := &stubEventPublisher{}
	service := newTestOrderService(t, orders, &stubCounterRepository{}, publisher, now)

	order, err := service.Transition(context.Background(), OrderTransitionCommand{
		OrderID: "ord-1",
		Target:  domain.OrderStatusInPreparation,
		Note:    "florist assigned",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order.Timeline) != 2 {
		t.Fatalf("expected 2 timeline entries after 1 transition, got %d", len(order.Timeline))
	}
	if !order.Timeline[0].Date.Equal(placedAt) || order.Timeline[0].Status != domain.OrderStatusPlaced {
		t.Fatalf("existing timeline entry was modified: %+v", order.Timeline[0])
	}
	last := order.Timeline[1]
	if last.Status != domain.OrderStatusInPreparation || !last.Date.Equal(now) || last.Note != "florist assigned" {
		t.Fatalf("unexpected appended entry: %+v", last)
	}
	if updated.ID != "ord-1" {
		t.Fatalf("expected order persisted")
	}
	if len(publisher.events) != 1 || publisher.events[0].PreviousStatus != "placed" {
		t.Fatalf("expected status change event with previous status, got %+v", publisher.events)
	}
}

func TestOrderServiceTransitionDeliveredStampsDeliveredAt(t *testing.T) {
	now := time.Date(2025, 4, 4, 16, 45, 0, 0, time.UTC)
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:     "ord-1",
				Status: domain.OrderStatusOutForDelivery,
				Timeline: []domain.TimelineEntry{
					{Status: domain.OrderStatusPlaced, Date: now.Add(-4 * time.Hour)},
					{Status: domain.OrderStatusInPreparation, Date: now.Add(-3 * time.Hour)},
					{Status: domain.OrderStatusReady, Date: now.Add(-2 * time.Hour)},
					{Status: domain.OrderStatusOutForDelivery, Date: now.Add(-time.Hour)},
				},
			}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			return nil
		},
	}
	service := newTestOrderService(t, orders, &stubCounterRepository{}, nil, now)

	order, err := service.Transition(context.Background(), OrderTransitionCommand{
		OrderID: "ord-1",
		Target:  domain.OrderStatusDelivered,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if order.DeliveredAt == nil || !order.DeliveredAt.Equal(now) {
		t.Fatalf("expected deliveredAt %v, got %v", now, order.DeliveredAt)
	}
	if len(order.Timeline) != 5 {
		t.Fatalf("expected 5 timeline entries after 4 transitions, got %d", len(order.Timeline))
	}
}

func TestOrderServiceCancelOnlyFromEarlyStates(t *testing.T) {
	now := time.Date(2025, 4, 5, 11, 0, 0, 0, time.UTC)

	cases := []struct {
		status  domain.OrderStatus
		allowed bool
	}{
		{domain.OrderStatusPlaced, true},
		{domain.OrderStatusInPreparation, true},
		{domain.OrderStatusReady, false},
		{domain.OrderStatusOutForDelivery, false},
		{domain.OrderStatusDelivered, false},
		{domain.OrderStatusCancelled, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.status), func(t *testing.T) {
			orders := &stubOrderRepository{
				findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
					return domain.Order{
						ID:     "ord-1",
						Status: tc.status,
						Timeline: []domain.TimelineEntry{
							{Status: tc.status, Date: now.Add(-time.Hour)},
						},
					}, nil
				},
				updateFunc: func(ctx context.Context, order domain.Order) error {
					return nil
				},
			}
			service := newTestOrderService(t, orders, &stubCounterRepository{}, nil, now)

			order, err := service.Cancel(context.Background(), CancelOrderCommand{
				OrderID: "ord-1",
				Reason:  "customer request",
			})

			if !tc.allowed {
				if !errors.Is(err, ErrInvalidStatusTransition) {
					t.Fatalf("expected ErrInvalidStatusTransition from %q, got %v", tc.status, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if order.Status != domain.OrderStatusCancelled {
				t.Fatalf("expected cancelled, got %q", order.Status)
			}
			if order.CancelReason == nil || *order.CancelReason != "customer request" {
				t.Fatalf("expected cancel reason recorded, got %v", order.CancelReason)
			}
			if order.CancelledAt == nil || !order.CancelledAt.Equal(now) {
				t.Fatalf("expected cancelledAt %v, got %v", now, order.CancelledAt)
			}
		})
	}
}

func TestOrderServiceMarkPaymentStatusLeavesTimelineAlone(t *testing.T) {
	now := time.Date(2025, 4, 6, 8, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:            "ord-1",
				Status:        domain.OrderStatusInPreparation,
				PaymentStatus: domain.PaymentStatusPending,
				Timeline: []domain.TimelineEntry{
					{Status: domain.OrderStatusPlaced, Date: now.Add(-2 * time.Hour)},
					{Status: domain.OrderStatusInPreparation, Date: now.Add(-time.Hour)},
				},
			}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			return nil
		},
	}
	publisher := &stubEventPublisher{}
	service := newTestOrderService(t, orders, &stubCounterRepository{}, publisher, now)

	order, err := service.MarkPaymentStatus(context.Background(), MarkPaymentStatusCommand{
		OrderID: "ord-1",
		Status:  domain.PaymentStatusPaid,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %q", order.PaymentStatus)
	}
	if order.Status != domain.OrderStatusInPreparation {
		t.Fatalf("fulfillment status must not move, got %q", order.Status)
	}
	if len(order.Timeline) != 2 {
		t.Fatalf("payment change must not touch the timeline, got %d entries", len(order.Timeline))
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != "order.payment.marked" {
		t.Fatalf("expected payment event, got %+v", publisher.events)
	}
}

func TestOrderServiceMarkPaymentStatusSameValueIsNoOp(t *testing.T) {
	now := time.Date(2025, 4, 6, 8, 0, 0, 0, time.UTC)
	updates := 0
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{ID: "ord-1", Status: domain.OrderStatusPlaced, PaymentStatus: domain.PaymentStatusPaid}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			updates++
			return nil
		},
	}
	service := newTestOrderService(t, orders, &stubCounterRepository{}, nil, now)

	_, err := service.MarkPaymentStatus(context.Background(), MarkPaymentStatusCommand{
		OrderID: "ord-1",
		Status:  domain.PaymentStatusPaid,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updates != 0 {
		t.Fatalf("expected no update for unchanged payment status, got %d", updates)
	}
}

func TestOrderServiceMarkRefundedReleasesProviderCharge(t *testing.T) {
	now := time.Date(2025, 4, 6, 8, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:            "ord-1",
				Status:        domain.OrderStatusDelivered,
				PaymentStatus: domain.PaymentStatusPaid,
				PaymentMethod: domain.PaymentMethodCard,
				PaymentRef:    "pi_123",
			}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			return nil
		},
	}
	var refunded payments.RefundRequest
	refunder := &stubPaymentRefunder{
		refundFunc: func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
			refunded = req
			return payments.PaymentDetails{Provider: "stripe", IntentID: req.IntentID, Status: payments.StatusRefunded}, nil
		},
	}
	service := newTestOrderServiceWithPayments(t, orders, refunder, now)

	order, err := service.MarkPaymentStatus(context.Background(), MarkPaymentStatusCommand{
		OrderID: "ord-1",
		Status:  domain.PaymentStatusRefunded,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if refunded.IntentID != "pi_123" {
		t.Fatalf("expected refund for pi_123, got %q", refunded.IntentID)
	}
	if refunded.IdempotencyKey == "" {
		t.Fatalf("refund must carry an idempotency key")
	}
	if order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %q", order.PaymentStatus)
	}
	if order.RefundedAt == nil || !order.RefundedAt.Equal(now) {
		t.Fatalf("expected refundedAt %v, got %v", now, order.RefundedAt)
	}
}

func TestOrderServiceMarkRefundedFailsClosedWhenProviderRejects(t *testing.T) {
	now := time.Date(2025, 4, 6, 8, 0, 0, 0, time.UTC)
	updates := 0
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:            "ord-1",
				PaymentStatus: domain.PaymentStatusPaid,
				PaymentMethod: domain.PaymentMethodCard,
				PaymentRef:    "pi_123",
			}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			updates++
			return nil
		},
	}
	refunder := &stubPaymentRefunder{
		refundFunc: func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
			return payments.PaymentDetails{}, errors.New("charge already disputed")
		},
	}
	service := newTestOrderServiceWithPayments(t, orders, refunder, now)

	_, err := service.MarkPaymentStatus(context.Background(), MarkPaymentStatusCommand{
		OrderID: "ord-1",
		Status:  domain.PaymentStatusRefunded,
	})
	if !errors.Is(err, ErrRefundFailed) {
		t.Fatalf("expected refund failure, got %v", err)
	}
	if updates != 0 {
		t.Fatalf("payment status must not change when the provider rejects the refund, got %d updates", updates)
	}
}

func TestOrderServiceMarkRefundedSkipsProviderForCreditOrders(t *testing.T) {
	// Monthly-invoiced orders carry no captured charge, so refunding them is
	// a pure ledger change.
	now := time.Date(2025, 4, 6, 8, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{
		findByIDFunc: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:            "ord-2",
				PaymentStatus: domain.PaymentStatusPendingMonthly,
				PaymentMethod: domain.PaymentMethodCorporateMonthly,
			}, nil
		},
		updateFunc: func(ctx context.Context, order domain.Order) error {
			return nil
		},
	}
	refunder := &stubPaymentRefunder{
		refundFunc: func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
			t.Fatalf("provider must not be called for an order without a payment reference")
			return payments.PaymentDetails{}, nil
		},
	}
	service := newTestOrderServiceWithPayments(t, orders, refunder, now)

	order, err := service.MarkPaymentStatus(context.Background(), MarkPaymentStatusCommand{
		OrderID: "ord-2",
		Status:  domain.PaymentStatusRefunded,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %q", order.PaymentStatus)
	}
}

func TestOrderServiceCreateMapsConflict(t *testing.T) {
	now := time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)
	orders := &stubOrderRepository{
		insertFunc: func(ctx context.Context, order domain.Order) error {
			return &repositoryErrorStub{conflict: true}
		},
	}
	counters := &stubCounterRepository{
		nextFunc: func(ctx context.Context, counterID string) (int64, error) {
			return 1, nil
		},
	}
	service := newTestOrderService(t, orders, counters, nil, now)

	_, err := service.Create(context.Background(), CreateOrderCommand{
		PaymentMethod: domain.PaymentMethodCard,
		PaymentRef:    "pi_dup",
		Lines:         []OrderLine{{ProductRef: "p1", Name: "P1", UnitPrice: 100, Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func newTestOrderService(t *testing.T, orders *stubOrderRepository, counters *stubCounterRepository, publisher *stubEventPublisher, now time.Time) OrderService {
	t.Helper()
	deps := OrderServiceDeps{
		Orders:      orders,
		Counters:    counters,
		Clock:       func() time.Time { return now },
		IDGenerator: newSequentialIDs("01HX"),
	}
	if publisher != nil {
		deps.Events = publisher
	}
	service, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("unexpected error constructing order service: %v", err)
	}
	return service
}

func newSequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('A'+n-1))
	}
}

type stubOrderRepository struct {
	insertFunc              func(ctx context.Context, order domain.Order) error
	updateFunc              func(ctx context.Context, order domain.Order) error
	findByIDFunc            func(ctx context.Context, orderID string) (domain.Order, error)
	findByOrderNumberFunc   func(ctx context.Context, orderNumber string) (domain.Order, error)
	findByPaymentRefFunc    func(ctx context.Context, paymentRef string) (domain.Order, error)
	listFunc                func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	listCreditForPeriodFunc func(ctx context.Context, accountID string, month, year int) ([]domain.Order, error)
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, order)
	}
	return errors.New("not implemented")
}

func (s *stubOrderRepository) Update(ctx context.Context, order domain.Order) error {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, order)
	}
	return errors.New("not implemented")
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findByIDFunc != nil {
		return s.findByIDFunc(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if s.findByOrderNumberFunc != nil {
		return s.findByOrderNumberFunc(ctx, orderNumber)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepository) FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	if s.findByPaymentRefFunc != nil {
		return s.findByPaymentRefFunc(ctx, paymentRef)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, errors.New("not implemented")
}

func (s *stubOrderRepository) ListCreditForPeriod(ctx context.Context, accountID string, month, year int) ([]domain.Order, error) {
	if s.listCreditForPeriodFunc != nil {
		return s.listCreditForPeriodFunc(ctx, accountID, month, year)
	}
	return nil, errors.New("not implemented")
}

func newTestOrderServiceWithPayments(t *testing.T, orders *stubOrderRepository, refunder *stubPaymentRefunder, now time.Time) OrderService {
	t.Helper()
	service, err := NewOrderService(OrderServiceDeps{
		Orders:      orders,
		Counters:    &stubCounterRepository{},
		Payments:    refunder,
		Clock:       func() time.Time { return now },
		IDGenerator: newSequentialIDs("01HX"),
	})
	if err != nil {
		t.Fatalf("unexpected error constructing order service: %v", err)
	}
	return service
}

type stubPaymentRefunder struct {
	refundFunc func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error)
}

func (s *stubPaymentRefunder) Refund(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
	if s.refundFunc != nil {
		return s.refundFunc(ctx, req)
	}
	return payments.PaymentDetails{}, errors.New("not implemented")
}

type stubCounterRepository struct {
	nextFunc func(ctx context.Context, counterID string) (int64, error)
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string) (int64, error) {
	if s.nextFunc != nil {
		return s.nextFunc(ctx, counterID)
	}
	return 0, errors.New("not implemented")
}

type stubEventPublisher struct {
	events     []EventMessage
	publishErr error
}

func (s *stubEventPublisher) PublishEvent(ctx context.Context, event EventMessage) (string, error) {
	if s.publishErr != nil {
		return "", s.publishErr
	}
	s.events = append(s.events, event)
	return "msg-1", nil
}

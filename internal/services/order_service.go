package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventPaymentMarked = "order.payment.marked"

	orderIDPrefix      = "ord_"
	orderCounterPrefix = "orders_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrInvalidStatusTransition indicates a disallowed fulfillment transition was attempted.
	ErrInvalidStatusTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate payment reference or concurrent modification.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store cannot serve the request.
	ErrOrderUnavailable = errors.New("order: unavailable")
	// ErrRefundFailed indicates the payment provider rejected the refund; the
	// order's payment status is left untouched.
	ErrRefundFailed = errors.New("order: refund failed")
)

// PaymentRefunder releases a captured PSP charge. Marking a card order
// refunded goes through the provider before the status flips.
type PaymentRefunder interface {
	Refund(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// orderStateTransitions is the full adjacency table of the fulfillment
// pipeline. Anything absent here is rejected outright.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPlaced:         {domain.OrderStatusInPreparation, domain.OrderStatusCancelled},
	domain.OrderStatusInPreparation:  {domain.OrderStatusReady, domain.OrderStatusCancelled},
	domain.OrderStatusReady:          {domain.OrderStatusOutForDelivery},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPlaced,
	domain.OrderStatusInPreparation,
}

var validPaymentStatuses = []domain.PaymentStatus{
	domain.PaymentStatusPending,
	domain.PaymentStatusPaid,
	domain.PaymentStatusPendingMonthly,
	domain.PaymentStatusFailed,
	domain.PaymentStatusRefunded,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Payments    PaymentRefunder
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	payments   PaymentRefunder
	clock      func() time.Time
	newID      func() string
	events     EventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: unit,
		payments:   deps.Payments,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// Create persists a new order in the placed state with its initial timeline
// entry. Orders are created exactly once and only ever updated in place after
// that.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one line", ErrOrderInvalidInput)
	}
	method := cmd.PaymentMethod
	if method == "" {
		return Order{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}
	paymentStatus := cmd.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = domain.PaymentStatusPending
	}
	if !slices.Contains(validPaymentStatuses, paymentStatus) {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, paymentStatus)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = "EUR"
	}

	now := s.now()
	lines := snapshotOrderLines(cmd.Lines)

	order := domain.Order{
		ID:            orderIDPrefix + s.newID(),
		AccountID:     strings.TrimSpace(cmd.AccountID),
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: paymentStatus,
		PaymentMethod: method,
		PaymentRef:    strings.TrimSpace(cmd.PaymentRef),
		Currency:      currency,
		Lines:         lines,
		TotalAmount:   domain.SumOrderLines(lines),
		Timeline: []domain.TimelineEntry{
			{Status: domain.OrderStatusPlaced, Date: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ref := strings.TrimSpace(cmd.CartRef); ref != "" {
		order.CartRef = &ref
	}
	if cmd.Corporate != nil {
		corp := *cmd.Corporate
		order.Corporate = &corp
	}
	if cmd.Contact != nil {
		contact := *cmd.Contact
		order.Contact = &contact
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, EventMessage{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		AccountID:     order.AccountID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
	})

	return order, nil
}

// GetOrder loads an order by ID.
func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// GetByOrderNumber loads an order by its human-readable number.
func (s *orderService) GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error) {
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByOrderNumber(ctx, number)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// ListOrders returns orders matching the filter with cursor paging.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Transition advances the fulfillment state by exactly one legal step and
// appends the matching timeline entry. A disallowed transition leaves the
// order untouched.
func (s *orderService) Transition(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	prev := order.Status
	if err := applyStatusTransition(&order, cmd.Target, strings.TrimSpace(cmd.Note), now); err != nil {
		return Order{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, EventMessage{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		AccountID:      order.AccountID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.Status),
		OccurredAt:     now,
	})

	return order, nil
}

// Cancel moves an order into the terminal cancelled state. Only orders still
// in placed or in_preparation can be cancelled.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !slices.Contains(cancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: cannot cancel from %q", ErrInvalidStatusTransition, order.Status)
	}

	now := s.now()
	prev := order.Status
	reason := strings.TrimSpace(cmd.Reason)
	if reason != "" {
		order.CancelReason = &reason
	}
	order.CancelledAt = &now

	if err := applyStatusTransition(&order, domain.OrderStatusCancelled, reason, now); err != nil {
		return Order{}, err
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, EventMessage{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		AccountID:      order.AccountID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.Status),
		OccurredAt:     now,
		Metadata:       cancelMetadata(reason),
	})

	return order, nil
}

// MarkPaymentStatus updates the payment axis without touching the fulfillment
// state or the timeline.
func (s *orderService) MarkPaymentStatus(ctx context.Context, cmd MarkPaymentStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(validPaymentStatuses, cmd.Status) {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.Status)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.PaymentStatus == cmd.Status {
		return order, nil
	}

	now := s.now()
	prev := order.PaymentStatus
	if cmd.Status == domain.PaymentStatusRefunded {
		if err := s.refundCapturedPayment(ctx, order); err != nil {
			return Order{}, err
		}
		order.RefundedAt = &now
	}
	order.PaymentStatus = cmd.Status
	order.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, EventMessage{
		Type:           orderEventPaymentMarked,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		AccountID:      order.AccountID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.PaymentStatus),
		OccurredAt:     now,
	})

	return order, nil
}

// refundCapturedPayment releases the PSP charge backing the order before its
// payment status flips to refunded. Credit orders settle by invoice and carry
// no payment reference, so there is nothing to release for them.
func (s *orderService) refundCapturedPayment(ctx context.Context, order domain.Order) error {
	ref := strings.TrimSpace(order.PaymentRef)
	if ref == "" {
		return nil
	}
	if s.payments == nil {
		return fmt.Errorf("%w: no payment provider configured to release %s", ErrRefundFailed, ref)
	}

	details, err := s.payments.Refund(ctx, payments.RefundRequest{
		IntentID:       ref,
		Reason:         "requested_by_customer",
		IdempotencyKey: order.ID + ":refund",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}

	s.logger(ctx, "order.payment.refund_released", map[string]any{
		"order":    order.ID,
		"intent":   ref,
		"provider": details.Provider,
	})
	return nil
}

// applyStatusTransition validates the move against the adjacency table,
// applies it, and appends exactly one timeline entry. Existing entries are
// never modified.
func applyStatusTransition(order *domain.Order, target domain.OrderStatus, note string, now time.Time) error {
	if !canTransition(order.Status, target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, order.Status, target)
	}

	order.Status = target
	order.UpdatedAt = now
	order.Timeline = append(order.Timeline, domain.TimelineEntry{
		Status: target,
		Date:   now,
		Note:   note,
	})

	if target == domain.OrderStatusDelivered {
		order.DeliveredAt = &now
	}

	return nil
}

func canTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	day := now.Format("20060102")
	seq, err := s.counters.Next(ctx, orderCounterPrefix+day)
	if err != nil {
		return "", fmt.Errorf("%w: allocate order number: %v", ErrOrderUnavailable, err)
	}
	return fmt.Sprintf("FL-%s-%04d", day, seq), nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event EventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cancelMetadata(reason string) map[string]any {
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}

// snapshotOrderLines copies the purchase-time name, price, and image into the
// order so later catalog edits cannot alter history.
func snapshotOrderLines(lines []OrderLine) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		copyLine := domain.OrderLine{
			ProductRef: strings.TrimSpace(line.ProductRef),
			VariantID:  strings.TrimSpace(line.VariantID),
			Name:       strings.TrimSpace(line.Name),
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			ImagePath:  strings.TrimSpace(line.ImagePath),
		}
		copyLine.Total = domain.LineExtension(copyLine.UnitPrice, copyLine.Quantity)
		out = append(out, copyLine)
	}
	return out
}

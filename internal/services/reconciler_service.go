package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/repositories"
)

// Metadata keys shared between checkout session creation and webhook
// reconciliation. The provider round-trips these as string-only values.
const (
	metadataKeyCartLines    = "cart"
	metadataKeyCartRef      = "cartRef"
	metadataKeyAccountID    = "accountId"
	metadataKeySessionToken = "sessionToken"
	metadataKeyEmail        = "email"
)

const orderEventConfirmation = "order.confirmation"

var (
	// ErrReconcileInvalidInput indicates the caller supplied invalid input.
	ErrReconcileInvalidInput = errors.New("reconcile: invalid input")
	// ErrOrderReconciliation indicates the payment event could not be turned
	// into a valid order; it is never silently swallowed.
	ErrOrderReconciliation = errors.New("reconcile: order reconciliation failed")
	// ErrAmountMismatch indicates the declared total diverges from the line
	// extensions beyond the accepted tolerance.
	ErrAmountMismatch = errors.New("reconcile: amount mismatch")
	// ErrReconcileUnavailable indicates a dependency prevented reconciliation.
	ErrReconcileUnavailable = errors.New("reconcile: unavailable")
	// ErrPaymentNotSettled indicates the provider does not report the payment
	// as captured, so the client draft cannot become an order.
	ErrPaymentNotSettled = errors.New("reconcile: payment not settled")
)

// PaymentVerifier reads back a payment's provider-side state. Client drafts
// are checked against it because the caller's word alone does not prove the
// charge happened.
type PaymentVerifier interface {
	LookupPayment(ctx context.Context, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentReconcilerDeps wires the collaborators of the reconciler.
type PaymentReconcilerDeps struct {
	Orders      OrderService
	OrderLookup repositories.OrderRepository
	Carts       CartService
	Payments    PaymentVerifier
	Events      EventPublisher
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	orders      OrderService
	orderLookup repositories.OrderRepository
	carts       CartService
	payments    PaymentVerifier
	events      EventPublisher
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewPaymentReconciler constructs the reconciler enforcing dependency validation.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order service is required")
	}
	if deps.OrderLookup == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentReconciler{
		orders:      deps.Orders,
		orderLookup: deps.OrderLookup,
		carts:       deps.Carts,
		payments:    deps.Payments,
		events:      deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandlePaymentSucceeded turns a verified provider success event into at most
// one order. Redeliveries return the existing order without side effects.
func (r *paymentReconciler) HandlePaymentSucceeded(ctx context.Context, event payments.WebhookEvent) (Order, error) {
	paymentRef := strings.TrimSpace(event.TransactionID)
	if paymentRef == "" {
		return Order{}, fmt.Errorf("%w: event carries no transaction id", ErrReconcileInvalidInput)
	}
	if !event.PaymentSucceeded() {
		return Order{}, fmt.Errorf("%w: event type %q is not a payment success", ErrReconcileInvalidInput, event.Type)
	}

	if existing, err := r.orderLookup.FindByPaymentRef(ctx, paymentRef); err == nil {
		r.logger(ctx, "reconcile.duplicate_event", map[string]any{
			"paymentRef": paymentRef,
			"orderId":    existing.ID,
		})
		return existing, nil
	} else if !isRepoNotFound(err) {
		return Order{}, fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
	}

	lines, err := r.decodeEventLines(ctx, event, paymentRef)
	if err != nil {
		return Order{}, err
	}

	total := domain.SumOrderLines(lines)
	if event.Amount > 0 && !domain.WithinTolerance(event.Amount, total) {
		// The charge already happened; record the divergence loudly but keep
		// the order as the source of truth for fulfillment.
		r.logger(ctx, "reconcile.amount_divergence", map[string]any{
			"paymentRef":  paymentRef,
			"eventAmount": event.Amount,
			"linesTotal":  total,
		})
	}

	cmd := CreateOrderCommand{
		AccountID:     strings.TrimSpace(event.Metadata[metadataKeyAccountID]),
		CartRef:       strings.TrimSpace(event.Metadata[metadataKeyCartRef]),
		Lines:         lines,
		Currency:      event.Currency,
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.PaymentStatusPaid,
		PaymentRef:    paymentRef,
	}
	if email := strings.TrimSpace(event.Metadata[metadataKeyEmail]); email != "" {
		cmd.Contact = &OrderContact{Email: email}
	}

	order, err := r.createOrResolve(ctx, cmd, paymentRef)
	if err != nil {
		return Order{}, err
	}

	r.clearOriginatingCart(ctx, event.Metadata, order.ID)
	r.publishConfirmation(ctx, order)

	return order, nil
}

// ConfirmClientOrder creates the order from a client-submitted draft when the
// provider event has not arrived yet, degrading to the same at-most-one
// guarantee.
func (r *paymentReconciler) ConfirmClientOrder(ctx context.Context, cmd ConfirmClientOrderCommand) (Order, error) {
	paymentRef := strings.TrimSpace(cmd.PaymentRef)
	if paymentRef == "" {
		return Order{}, fmt.Errorf("%w: payment reference is required", ErrReconcileInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: draft carries no lines", ErrReconcileInvalidInput)
	}

	lines := snapshotOrderLines(cmd.Lines)
	total := domain.SumOrderLines(lines)
	if !domain.WithinTolerance(cmd.DeclaredTotal, total) {
		return Order{}, fmt.Errorf("%w: declared %d, computed %d", ErrAmountMismatch, cmd.DeclaredTotal, total)
	}

	if existing, err := r.orderLookup.FindByPaymentRef(ctx, paymentRef); err == nil {
		r.logger(ctx, "reconcile.draft_already_reconciled", map[string]any{
			"paymentRef": paymentRef,
			"orderId":    existing.ID,
		})
		return existing, nil
	} else if !isRepoNotFound(err) {
		return Order{}, fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
	}

	if err := r.verifyPaymentSettled(ctx, paymentRef); err != nil {
		return Order{}, err
	}

	create := CreateOrderCommand{
		AccountID:     strings.TrimSpace(cmd.AccountID),
		CartRef:       strings.TrimSpace(cmd.CartRef),
		Lines:         cmd.Lines,
		Currency:      cmd.Currency,
		PaymentMethod: domain.PaymentMethodCard,
		PaymentStatus: domain.PaymentStatusPaid,
		PaymentRef:    paymentRef,
		Contact:       cmd.Contact,
	}

	order, err := r.createOrResolve(ctx, create, paymentRef)
	if err != nil {
		return Order{}, err
	}

	if order.AccountID != "" {
		r.clearOriginatingCart(ctx, map[string]string{metadataKeyAccountID: order.AccountID}, order.ID)
	}
	r.publishConfirmation(ctx, order)

	return order, nil
}

// verifyPaymentSettled asks the provider whether the referenced payment was
// actually captured. Drafts for pending or failed intents are rejected.
func (r *paymentReconciler) verifyPaymentSettled(ctx context.Context, paymentRef string) error {
	if r.payments == nil {
		return nil
	}

	details, err := r.payments.LookupPayment(ctx, payments.LookupRequest{IntentID: paymentRef})
	if err != nil {
		return fmt.Errorf("%w: provider lookup for %s: %v", ErrReconcileUnavailable, paymentRef, err)
	}
	if details.Status != payments.StatusSucceeded {
		return fmt.Errorf("%w: provider reports %s for %s", ErrPaymentNotSettled, details.Status, paymentRef)
	}
	return nil
}

// createOrResolve inserts the order; when a concurrent handler won the
// payment-reference uniqueness race it re-reads and returns the winner.
func (r *paymentReconciler) createOrResolve(ctx context.Context, cmd CreateOrderCommand, paymentRef string) (Order, error) {
	order, err := r.orders.Create(ctx, cmd)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, ErrOrderConflict) {
		return Order{}, err
	}

	winner, lookupErr := r.orderLookup.FindByPaymentRef(ctx, paymentRef)
	if lookupErr != nil {
		return Order{}, fmt.Errorf("%w: conflict winner lookup: %v", ErrReconcileUnavailable, lookupErr)
	}
	r.logger(ctx, "reconcile.conflict_resolved", map[string]any{
		"paymentRef": paymentRef,
		"orderId":    winner.ID,
	})
	return winner, nil
}

// decodeEventLines parses the compact metadata string. Malformed payloads fail
// closed: no order is created and the anomaly is surfaced, never a silent
// zero-line success.
func (r *paymentReconciler) decodeEventLines(ctx context.Context, event payments.WebhookEvent, paymentRef string) ([]OrderLine, error) {
	encoded := event.Metadata[metadataKeyCartLines]

	decoded, err := payments.DecodeCartMetadata(encoded)
	if err != nil {
		r.logger(ctx, "reconcile.metadata_malformed", map[string]any{
			"paymentRef": paymentRef,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("%w: undecodable payment metadata", ErrOrderReconciliation)
	}
	if len(decoded) == 0 {
		r.logger(ctx, "reconcile.zero_lines", map[string]any{
			"paymentRef": paymentRef,
		})
		return nil, fmt.Errorf("%w: event decodes to zero lines", ErrOrderReconciliation)
	}

	lines := make([]OrderLine, 0, len(decoded))
	for _, item := range decoded {
		lines = append(lines, OrderLine{
			Name:      item.Name,
			VariantID: item.Variant,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return snapshotOrderLines(lines), nil
}

// clearOriginatingCart is best-effort; a failure never rolls back the order.
func (r *paymentReconciler) clearOriginatingCart(ctx context.Context, metadata map[string]string, orderID string) {
	if r.carts == nil {
		return
	}
	owner := CartOwner{
		AccountID:    strings.TrimSpace(metadata[metadataKeyAccountID]),
		SessionToken: strings.TrimSpace(metadata[metadataKeySessionToken]),
	}
	if owner.IsZero() {
		return
	}
	if err := r.carts.ClearCart(ctx, owner); err != nil {
		r.logger(ctx, "reconcile.cart_clear_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (r *paymentReconciler) publishConfirmation(ctx context.Context, order Order) {
	if r.events == nil {
		return
	}
	event := EventMessage{
		Type:          orderEventConfirmation,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		AccountID:     order.AccountID,
		CurrentStatus: string(order.Status),
		OccurredAt:    r.clock(),
	}
	if _, err := r.events.PublishEvent(ctx, event); err != nil {
		r.logger(ctx, "reconcile.confirmation_publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

package services

import (
	"context"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/payments"
	"github.com/camellia-shop/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	CartOwner          = domain.CartOwner
	CartLine           = domain.CartLine
	Cart               = domain.Cart
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderContact       = domain.OrderContact
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	TimelineEntry      = domain.TimelineEntry
	CorporateData      = domain.CorporateData
	CorporateAccount   = domain.CorporateAccount
	CorporateInvoice   = domain.CorporateInvoice
	InvoiceItem        = domain.InvoiceItem
	InvoiceStatus      = domain.InvoiceStatus
	Product            = domain.Product
	SystemHealthReport = domain.SystemHealthReport
	CheckoutSession    = payments.CheckoutSession
	OrderListFilter    = repositories.OrderListFilter
)

// CartService manages mutable cart state: line merges, quantity updates, and
// derived totals.
type CartService interface {
	GetOrCreateCart(ctx context.Context, owner CartOwner) (Cart, error)
	AddLine(ctx context.Context, cmd AddCartLineCommand) (Cart, error)
	SetLineQuantity(ctx context.Context, cmd SetCartLineQuantityCommand) (Cart, error)
	RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error)
	ClearCart(ctx context.Context, owner CartOwner) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// OrderService owns order creation, reads, the fulfillment state machine, and
// the payment-status axis.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Transition(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	MarkPaymentStatus(ctx context.Context, cmd MarkPaymentStatusCommand) (Order, error)
}

// PaymentReconciler turns provider success events and client-confirmed drafts
// into at most one order per payment reference.
type PaymentReconciler interface {
	HandlePaymentSucceeded(ctx context.Context, event payments.WebhookEvent) (Order, error)
	ConfirmClientOrder(ctx context.Context, cmd ConfirmClientOrderCommand) (Order, error)
}

// SpendingGuard authorizes corporate credit orders against the monthly ceiling
// and places them.
type SpendingGuard interface {
	Authorize(ctx context.Context, accountID string, amount int64) (SpendingAuthorization, error)
	PlaceCreditOrder(ctx context.Context, cmd PlaceCreditOrderCommand) (Order, error)
}

// InvoiceService aggregates a corporate account's credit orders for a closed
// month into one invoice and drives the invoice lifecycle.
type InvoiceService interface {
	Generate(ctx context.Context, cmd GenerateInvoiceCommand) (CorporateInvoice, error)
	GenerateBatch(ctx context.Context, cmd GenerateInvoiceBatchCommand) (InvoiceBatchResult, error)
	GetInvoice(ctx context.Context, invoiceID string) (CorporateInvoice, error)
	ListForAccount(ctx context.Context, accountID string, pager Pagination) (domain.CursorPage[CorporateInvoice], error)
	MarkSent(ctx context.Context, invoiceID string) (CorporateInvoice, error)
	MarkPaid(ctx context.Context, invoiceID string) (CorporateInvoice, error)
	CancelInvoice(ctx context.Context, cmd CancelInvoiceCommand) (CorporateInvoice, error)
}

// CheckoutService creates provider checkout sessions carrying the encoded cart
// metadata so the webhook path can reconstruct the order.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
}

// SystemService surfaces dependency health for readiness probes.
type SystemService interface {
	Health(ctx context.Context) (SystemHealthReport, error)
}

// EventPublisher delivers lifecycle events to downstream consumers. Failures
// are logged by callers and never roll back the triggering state change.
type EventPublisher interface {
	PublishEvent(ctx context.Context, message EventMessage) (string, error)
}

// EventMessage captures metadata for emitted lifecycle events.
type EventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId,omitempty"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	InvoiceID      string         `json:"invoiceId,omitempty"`
	InvoiceNumber  string         `json:"invoiceNumber,omitempty"`
	AccountID      string         `json:"accountId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AddCartLineCommand adds quantity of a product (optionally a variant) to the
// owner's cart.
type AddCartLineCommand struct {
	Owner     CartOwner
	ProductID string
	VariantID string
	Quantity  int
}

// SetCartLineQuantityCommand replaces the quantity of an existing line.
type SetCartLineQuantityCommand struct {
	Owner     CartOwner
	ProductID string
	VariantID string
	Quantity  int
}

// RemoveCartLineCommand deletes a line from the owner's cart.
type RemoveCartLineCommand struct {
	Owner     CartOwner
	ProductID string
	VariantID string
}

// CreateOrderCommand persists a new order. Only the reconciler and the
// spending guard construct orders; the ledger never re-creates one.
type CreateOrderCommand struct {
	AccountID     string
	CartRef       string
	Lines         []OrderLine
	Currency      string
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	PaymentRef    string
	Corporate     *CorporateData
	Contact       *OrderContact
}

// OrderTransitionCommand moves an order one step through the fulfillment pipeline.
type OrderTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	Note    string
}

// CancelOrderCommand cancels an order that has not yet reached preparation-complete.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
}

// MarkPaymentStatusCommand updates the payment axis. Reserved to the
// reconciler and admin refund flows.
type MarkPaymentStatusCommand struct {
	OrderID string
	Status  PaymentStatus
}

// ConfirmClientOrderCommand is the client-submitted draft used when the
// provider webhook has not yet arrived.
type ConfirmClientOrderCommand struct {
	AccountID     string
	CartRef       string
	PaymentRef    string
	Lines         []OrderLine
	DeclaredTotal int64
	Currency      string
	Contact       *OrderContact
}

// SpendingAuthorization reports the outcome of a ceiling check.
type SpendingAuthorization struct {
	Authorized      bool
	MonthlyLimit    int64
	SpentThisMonth  int64
	RemainingBudget int64
}

// PlaceCreditOrderCommand places a corporate credit order after authorization.
type PlaceCreditOrderCommand struct {
	AccountID string
	CartRef   string
	Lines     []OrderLine
	Currency  string
	Contact   *OrderContact
}

// GenerateInvoiceCommand generates the invoice for one account and period.
type GenerateInvoiceCommand struct {
	AccountID string
	Month     int
	Year      int
}

// GenerateInvoiceBatchCommand runs generation across every billing-activated account.
type GenerateInvoiceBatchCommand struct {
	Month int
	Year  int
}

// InvoiceBatchOutcome records one account's result within a batch run.
type InvoiceBatchOutcome struct {
	AccountID string
	InvoiceID string
	Reason    string
	Err       error
}

// InvoiceBatchResult partitions batch outcomes; a failure for one account
// never aborts the others.
type InvoiceBatchResult struct {
	Created []InvoiceBatchOutcome
	Skipped []InvoiceBatchOutcome
	Failed  []InvoiceBatchOutcome
}

// CancelInvoiceCommand voids an invoice that has not been paid.
type CancelInvoiceCommand struct {
	InvoiceID string
	Reason    string
}

// CreateCheckoutSessionCommand starts a provider checkout for the owner's cart.
type CreateCheckoutSessionCommand struct {
	Owner         CartOwner
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

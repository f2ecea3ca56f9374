package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// CartOwner identifies who a cart belongs to: an authenticated account or an
// anonymous session token, exactly one of the two.
type CartOwner struct {
	AccountID    string
	SessionToken string
}

// IsZero reports whether neither owner reference is set.
func (o CartOwner) IsZero() bool {
	return o.AccountID == "" && o.SessionToken == ""
}

// CartLineKey is the identity under which cart lines are merged.
type CartLineKey struct {
	ProductID string
	VariantID string
}

// CartLine stores a single product entry within a cart. Lines are keyed by
// (ProductID, VariantID); two lines in the same cart never share a key.
type CartLine struct {
	ProductID   string
	VariantID   string
	DisplayName string
	UnitPrice   int64
	Quantity    int
	ImagePath   string
	AddedAt     time.Time
	UpdatedAt   *time.Time
}

// Key returns the merge identity of the line.
func (l CartLine) Key() CartLineKey {
	return CartLineKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Cart aggregates the mutable shopping cart state for one owner.
// TotalItems and TotalAmount are denormalized projections of Lines and are
// recomputed from scratch on every mutation.
type Cart struct {
	ID          string
	Owner       CartOwner
	Currency    string
	Lines       []CartLine
	TotalItems  int
	TotalAmount int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus enumerates fulfillment states. The pipeline is strictly linear;
// cancelled is terminal and only reachable from the first two states.
type OrderStatus string

const (
	// OrderStatusPlaced indicates the order has been recorded and awaits preparation.
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusInPreparation indicates the florists are assembling the order.
	OrderStatusInPreparation OrderStatus = "in_preparation"
	// OrderStatusReady indicates the order is assembled and awaits courier pickup.
	OrderStatusReady OrderStatus = "ready"
	// OrderStatusOutForDelivery indicates the order is with the courier.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before it was ready.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus tracks settlement independently from fulfillment. It never
// gates fulfillment transitions: a corporate order moves through preparation
// while still pending_monthly.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been captured yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the payment provider captured the funds.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusPendingMonthly indicates a credit order awaiting monthly invoicing.
	PaymentStatusPendingMonthly PaymentStatus = "pending_monthly"
	// PaymentStatusFailed indicates the capture attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the payment was returned to the customer.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod identifies how an order is settled.
type PaymentMethod string

const (
	// PaymentMethodCard is a direct card capture through the payment provider.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodCorporateMonthly is a credit order settled by monthly invoice.
	PaymentMethodCorporateMonthly PaymentMethod = "corporate_monthly"
)

// OrderLine is an immutable snapshot of a purchased line at the time the order
// was created. Later catalog edits never alter it.
type OrderLine struct {
	ProductRef string
	VariantID  string
	Name       string
	UnitPrice  int64
	Quantity   int
	Total      int64
	ImagePath  string
}

// TimelineEntry records one fulfillment status change. The timeline is
// append-only; entries are never edited or removed.
type TimelineEntry struct {
	Status OrderStatus
	Date   time.Time
	Note   string
}

// CorporateData tags an order placed on a business account's credit line.
// BillingMonth/BillingYear name the calendar month of placement, which is the
// month the order is invoiced under.
type CorporateData struct {
	CompanyName  string
	BillingMonth int
	BillingYear  int
	CreditTerm   bool
}

// OrderContact stores the customer contact snapshot used for notifications.
type OrderContact struct {
	Name  string
	Email string
	Phone string
}

// Order captures a placed order. Identity fields (ID, OrderNumber, PaymentRef)
// are immutable after creation; the record is only ever updated in place.
type Order struct {
	ID            string
	OrderNumber   string
	AccountID     string
	CartRef       *string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	PaymentMethod PaymentMethod
	PaymentRef    string
	Currency      string
	Lines         []OrderLine
	TotalAmount   int64
	Timeline      []TimelineEntry
	Corporate     *CorporateData
	InvoiceRef    *string
	Contact       *OrderContact
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
	CancelledAt   *time.Time
	CancelReason  *string
	RefundedAt    *time.Time
}

// PaymentTerm enumerates how a corporate account settles orders.
type PaymentTerm string

const (
	// PaymentTermImmediate settles every order at checkout.
	PaymentTermImmediate PaymentTerm = "immediate"
	// PaymentTermMonthly settles orders through a consolidated monthly invoice.
	PaymentTermMonthly PaymentTerm = "monthly"
)

// CorporateAccount is the billing-relevant projection of a business user.
type CorporateAccount struct {
	ID               string
	CompanyName      string
	MonthlyLimit     int64
	PaymentTerm      PaymentTerm
	BillingActivated bool
	ContactEmail     string
}

// InvoiceStatus enumerates the lifecycle of a corporate invoice.
type InvoiceStatus string

const (
	// InvoiceStatusDraft indicates the invoice has been generated but not issued.
	InvoiceStatusDraft InvoiceStatus = "draft"
	// InvoiceStatusSent indicates the invoice was issued to the customer.
	InvoiceStatusSent InvoiceStatus = "sent"
	// InvoiceStatusPaid indicates the invoice has been settled.
	InvoiceStatusPaid InvoiceStatus = "paid"
	// InvoiceStatusOverdue indicates the invoice passed its due date unpaid.
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	// InvoiceStatusCancelled indicates the invoice was voided.
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// InvoiceItem references one order aggregated into a corporate invoice.
type InvoiceItem struct {
	OrderID     string
	OrderNumber string
	OrderDate   time.Time
	Amount      int64
	Description string
}

// CorporateInvoice aggregates one account's credit orders for one calendar
// month. Exactly one invoice may exist per (AccountID, BillingMonth,
// BillingYear). Subtotal, VATAmount and TotalAmount are derived from Items and
// VATRate; they are recomputed before every persist and never hand-set.
type CorporateInvoice struct {
	ID            string
	InvoiceNumber string
	AccountID     string
	CompanyName   string
	BillingMonth  int
	BillingYear   int
	Items         []InvoiceItem
	Subtotal      int64
	VATRate       float64
	VATAmount     int64
	TotalAmount   int64
	Status        InvoiceStatus
	IssuedAt      *time.Time
	DueAt         *time.Time
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProductVariant describes a purchasable variation of a product.
type ProductVariant struct {
	ID    string
	Name  string
	Price int64
}

// Product is the catalog projection the cart needs: availability and pricing.
// Catalog CRUD itself lives outside this subsystem.
type Product struct {
	ID        string
	Name      string
	Price     int64
	ImagePath string
	IsActive  bool
	Variants  []ProductVariant
}

// Variant returns the variant with the given ID, if any.
func (p Product) Variant(variantID string) (ProductVariant, bool) {
	for _, v := range p.Variants {
		if v.ID == variantID {
			return v, true
		}
	}
	return ProductVariant{}, false
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a non-critical dependency reported a failure.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	GeneratedAt time.Time
}

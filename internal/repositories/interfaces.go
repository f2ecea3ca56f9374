package repositories

import (
	"context"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Orders() OrderRepository
	Invoices() InvoiceRepository
	Accounts() AccountRepository
	Products() ProductRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository owns cart persistence keyed by owner (account or anonymous session).
type CartRepository interface {
	GetByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error)
	Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Delete(ctx context.Context, cartID string) error
	// ListInactiveSince returns carts whose UpdatedAt precedes the cutoff,
	// oldest first, capped at limit. Used by the expiry sweep.
	ListInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Cart, error)
}

// OrderListFilter narrows order listings for users, admins, and the spending guard.
type OrderListFilter struct {
	AccountID     string
	Status        []domain.OrderStatus
	PaymentStatus []domain.PaymentStatus
	DateRange     domain.RangeQuery[time.Time]
	Pagination    domain.Pagination
}

// OrderRepository persists order records. Insert enforces the payment-reference
// uniqueness contract at the storage layer: a second insert carrying an
// already-used PaymentRef fails with a conflict, never a duplicate document.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListCreditForPeriod returns the account's corporate_monthly orders tagged
	// with the billing period that have not yet been attached to an invoice.
	ListCreditForPeriod(ctx context.Context, accountID string, month, year int) ([]domain.Order, error)
}

// InvoiceRepository persists corporate invoices. Insert enforces the
// (account, month, year) uniqueness contract at the storage layer and, in the
// same atomic write, stamps every order in invoice.Items with the invoice
// reference so an order can never sit half-attached.
type InvoiceRepository interface {
	Insert(ctx context.Context, invoice domain.CorporateInvoice) error
	Update(ctx context.Context, invoice domain.CorporateInvoice) error
	FindByID(ctx context.Context, invoiceID string) (domain.CorporateInvoice, error)
	FindByPeriod(ctx context.Context, accountID string, month, year int) (domain.CorporateInvoice, error)
	ListByAccount(ctx context.Context, accountID string, pager domain.Pagination) (domain.CursorPage[domain.CorporateInvoice], error)
}

// AccountRepository reads the account directory: account type, credit ceiling,
// billing activation. Writes happen outside this subsystem.
type AccountRepository interface {
	FindByID(ctx context.Context, accountID string) (domain.CorporateAccount, error)
	ListBillingActivated(ctx context.Context) ([]domain.CorporateAccount, error)
}

// ProductRepository reads the catalog projection needed to validate cart adds.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// CounterRepository allocates the per-day order and per-month invoice
// sequence numbers. Each counter id names one sequence; allocation is
// transaction-safe so concurrent writers never share a value.
type CounterRepository interface {
	Next(ctx context.Context, counterID string) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

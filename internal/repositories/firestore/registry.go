package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/camellia-shop/api/internal/platform/firestore"
	"github.com/camellia-shop/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	carts    *CartRepository
	orders   *OrderRepository
	invoices *InvoiceRepository
	accounts *AccountRepository
	products *ProductRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

// RegistryConfig carries the inputs needed to assemble the registry.
type RegistryConfig struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry wires every Firestore repository against the shared provider.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	carts, err := NewCartRepository(cfg.Provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(cfg.Provider)
	if err != nil {
		return nil, err
	}
	invoices, err := NewInvoiceRepository(cfg.Provider)
	if err != nil {
		return nil, err
	}
	accounts, err := NewAccountRepository(cfg.Provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(cfg.Provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(cfg.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: cfg.Provider,
		carts:    carts,
		orders:   orders,
		invoices: invoices,
		accounts: accounts,
		products: products,
		counters: counters,
		health:   cfg.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Carts() repositories.CartRepository       { return r.carts }
func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Invoices() repositories.InvoiceRepository { return r.invoices }
func (r *Registry) Accounts() repositories.AccountRepository { return r.accounts }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// RunInTx executes fn sequentially. Writes that must be atomic, such as order
// creation with its payment-reference index, run their own Firestore
// transaction inside the repository; this hook exists so services can group
// best-effort multi-repository work behind one call site.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}

var _ repositories.Registry = (*Registry)(nil)

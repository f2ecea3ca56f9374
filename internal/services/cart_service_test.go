package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
)

func TestCartServiceGetOrCreateCartLazyCreates(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	var upserted domain.Cart

	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
		upsertFunc: func(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
			cart.ID = "cart-1"
			upserted = cart
			return cart, nil
		},
	}

	service := newTestCartService(t, repo, &stubProductRepository{}, now)

	cart, err := service.GetOrCreateCart(context.Background(), CartOwner{AccountID: " acc-1 "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if upserted.Owner.AccountID != "acc-1" {
		t.Fatalf("expected trimmed owner acc-1, got %q", upserted.Owner.AccountID)
	}
	if cart.Currency != "EUR" {
		t.Fatalf("expected default currency EUR, got %q", cart.Currency)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty cart, got %d lines", len(cart.Lines))
	}
	if !cart.CreatedAt.Equal(now) {
		t.Fatalf("expected createdAt %v, got %v", now, cart.CreatedAt)
	}
}

func TestCartServiceAddLineMergesSameIdentity(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	existing := domain.Cart{
		ID:       "cart-1",
		Owner:    domain.CartOwner{AccountID: "acc-1"},
		Currency: "EUR",
		Lines: []domain.CartLine{
			{ProductID: "rose-bouquet", VariantID: "large", DisplayName: "Rose Bouquet (Large)", UnitPrice: 4500, Quantity: 2, AddedAt: now.Add(-time.Hour)},
		},
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}

	var saved domain.Cart
	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return existing, nil
		},
		upsertFunc: func(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
			saved = cart
			return cart, nil
		},
	}
	products := &stubProductRepository{
		findFunc: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{
				ID:       "rose-bouquet",
				Name:     "Rose Bouquet",
				Price:    3000,
				IsActive: true,
				Variants: []domain.ProductVariant{{ID: "large", Name: "Large", Price: 4500}},
			}, nil
		},
	}

	service := newTestCartService(t, repo, products, now)

	cart, err := service.AddLine(context.Background(), AddCartLineCommand{
		Owner:     CartOwner{AccountID: "acc-1"},
		ProductID: "rose-bouquet",
		VariantID: "large",
		Quantity:  3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cart.Lines) != 1 {
		t.Fatalf("expected a single merged line, got %d", len(cart.Lines))
	}
	if cart.Lines[0].Quantity != 5 {
		t.Fatalf("expected merged quantity 5, got %d", cart.Lines[0].Quantity)
	}
	if cart.TotalItems != 5 {
		t.Fatalf("expected total items 5, got %d", cart.TotalItems)
	}
	if cart.TotalAmount != 5*4500 {
		t.Fatalf("expected total amount %d, got %d", 5*4500, cart.TotalAmount)
	}
	if !saved.UpdatedAt.Equal(now) {
		t.Fatalf("expected updatedAt %v, got %v", now, saved.UpdatedAt)
	}
}

func TestCartServiceAddLineDifferentVariantAppends(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	existing := domain.Cart{
		ID:       "cart-1",
		Owner:    domain.CartOwner{AccountID: "acc-1"},
		Currency: "EUR",
		Lines: []domain.CartLine{
			{ProductID: "rose-bouquet", VariantID: "large", UnitPrice: 4500, Quantity: 2, AddedAt: now.Add(-time.Hour)},
		},
		CreatedAt: now.Add(-time.Hour),
	}

	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return existing, nil
		},
		upsertFunc: func(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
			return cart, nil
		},
	}
	products := &stubProductRepository{
		findFunc: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{
				ID:       "rose-bouquet",
				Name:     "Rose Bouquet",
				Price:    3000,
				IsActive: true,
				Variants: []domain.ProductVariant{
					{ID: "large", Name: "Large", Price: 4500},
					{ID: "small", Name: "Small", Price: 2500},
				},
			}, nil
		},
	}

	service := newTestCartService(t, repo, products, now)

	cart, err := service.AddLine(context.Background(), AddCartLineCommand{
		Owner:     CartOwner{AccountID: "acc-1"},
		ProductID: "rose-bouquet",
		VariantID: "small",
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cart.Lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(cart.Lines))
	}
	if cart.Lines[1].UnitPrice != 2500 {
		t.Fatalf("expected variant price 2500, got %d", cart.Lines[1].UnitPrice)
	}
	if cart.Lines[1].DisplayName != "Rose Bouquet (Small)" {
		t.Fatalf("unexpected display name %q", cart.Lines[1].DisplayName)
	}
	if cart.TotalAmount != 2*4500+2500 {
		t.Fatalf("expected total %d, got %d", 2*4500+2500, cart.TotalAmount)
	}
}

func TestCartServiceAddLineRejectsQuantityOverCap(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	existing := domain.Cart{
		ID:    "cart-1",
		Owner: domain.CartOwner{AccountID: "acc-1"},
		Lines: []domain.CartLine{
			{ProductID: "tulip-mix", UnitPrice: 1500, Quantity: 48, AddedAt: now.Add(-time.Hour)},
		},
	}

	upserts := 0
	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return existing, nil
		},
		upsertFunc: func(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
			upserts++
			return cart, nil
		},
	}
	products := &stubProductRepository{
		findFunc: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: "tulip-mix", Name: "Tulip Mix", Price: 1500, IsActive: true}, nil
		},
	}

	service := newTestCartService(t, repo, products, now)

	_, err := service.AddLine(context.Background(), AddCartLineCommand{
		Owner:     CartOwner{AccountID: "acc-1"},
		ProductID: "tulip-mix",
		Quantity:  3,
	})
	if !errors.Is(err, ErrQuantityExceeded) {
		t.Fatalf("expected ErrQuantityExceeded, got %v", err)
	}
	if upserts != 0 {
		t.Fatalf("expected no persistence on rejection, got %d upserts", upserts)
	}
}

func TestCartServiceAddLineRejectsInactiveProduct(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	repo := &stubCartRepository{}
	products := &stubProductRepository{
		findFunc: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: productID, Name: "Dried Lavender", Price: 900, IsActive: false}, nil
		},
	}

	service := newTestCartService(t, repo, products, now)

	_, err := service.AddLine(context.Background(), AddCartLineCommand{
		Owner:     CartOwner{SessionToken: "sess-9"},
		ProductID: "dried-lavender",
		Quantity:  1,
	})
	if !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable, got %v", err)
	}
}

func TestCartServiceSetLineQuantityNoOpWhenUnchanged(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	existing := domain.Cart{
		ID:    "cart-1",
		Owner: domain.CartOwner{AccountID: "acc-1"},
		Lines: []domain.CartLine{
			{ProductID: "peony-bunch", UnitPrice: 2200, Quantity: 4, AddedAt: now.Add(-time.Hour)},
		},
		UpdatedAt: now.Add(-time.Hour),
	}

	upserts := 0
	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return existing, nil
		},
		upsertFunc: func(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
			upserts++
			return cart, nil
		},
	}

	service := newTestCartService(t, repo, &stubProductRepository{}, now)

	cart, err := service.SetLineQuantity(context.Background(), SetCartLineQuantityCommand{
		Owner:     CartOwner{AccountID: "acc-1"},
		ProductID: "peony-bunch",
		Quantity:  4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upserts != 0 {
		t.Fatalf("expected no upsert for unchanged quantity, got %d", upserts)
	}
	if !cart.UpdatedAt.Equal(existing.UpdatedAt) {
		t.Fatalf("expected untouched updatedAt, got %v", cart.UpdatedAt)
	}
}

func TestCartServiceSetLineQuantityMissingLine(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return domain.Cart{ID: "cart-1", Owner: owner}, nil
		},
	}

	service := newTestCartService(t, repo, &stubProductRepository{}, now)

	_, err := service.SetLineQuantity(context.Background(), SetCartLineQuantityCommand{
		Owner:     CartOwner{AccountID: "acc-1"},
		ProductID: "missing",
		Quantity:  2,
	})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestCartServiceRemoveLastLineKeepsCart(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	existing := domain.Cart{
		ID:    "cart-1",
		Owner: domain.CartOwner{AccountID: "acc-1"},
		Lines: []domain.CartLine{
			{ProductID: "orchid-pot", UnitPrice: 3800, Quantity: 1, AddedAt: now.Add(-time.Hour)},
		},
		CreatedAt: now.Add(-time.Hour),
	}

	var saved domain.Cart
	deletes := 0
	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return existing, nil
		},
		upsertFunc: func(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
			saved = cart
			return cart, nil
		},
		deleteFunc: func(ctx context.Context, cartID string) error {
			deletes++
			return nil
		},
	}

	service := newTestCartService(t, repo, &stubProductRepository{}, now)

	cart, err := service.RemoveLine(context.Background(), RemoveCartLineCommand{
		Owner:     CartOwner{AccountID: "acc-1"},
		ProductID: "orchid-pot",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deletes != 0 {
		t.Fatalf("emptying a cart must not delete it")
	}
	if saved.ID != "cart-1" {
		t.Fatalf("expected cart persisted, got %q", saved.ID)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(cart.Lines))
	}
	if cart.TotalItems != 0 || cart.TotalAmount != 0 {
		t.Fatalf("expected zero totals, got %d items %d cents", cart.TotalItems, cart.TotalAmount)
	}
}

func TestCartServiceClearCartMissingIsNoError(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	repo := &stubCartRepository{
		getFunc: func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
	}

	service := newTestCartService(t, repo, &stubProductRepository{}, now)

	if err := service.ClearCart(context.Background(), CartOwner{AccountID: "acc-1"}); err != nil {
		t.Fatalf("expected nil for missing cart, got %v", err)
	}
}

func TestCartServicePurgeExpiredDeletesIdleCarts(t *testing.T) {
	now := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	var cutoff time.Time
	deleted := []string{}

	repo := &stubCartRepository{
		listInactiveFunc: func(ctx context.Context, since time.Time, limit int) ([]domain.Cart, error) {
			cutoff = since
			return []domain.Cart{{ID: "cart-old-1"}, {ID: "cart-old-2"}, {ID: "cart-old-3"}}, nil
		},
		deleteFunc: func(ctx context.Context, cartID string) error {
			if cartID == "cart-old-2" {
				return &repositoryErrorStub{unavailable: true}
			}
			deleted = append(deleted, cartID)
			return nil
		},
	}

	service := newTestCartService(t, repo, &stubProductRepository{}, now)

	purged, err := service.PurgeExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantCutoff := now.Add(-7 * 24 * time.Hour)
	if !cutoff.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %v, got %v", wantCutoff, cutoff)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %v", deleted)
	}
}

func newTestCartService(t *testing.T, carts *stubCartRepository, products *stubProductRepository, now time.Time) CartService {
	t.Helper()
	service, err := NewCartService(CartServiceDeps{
		Carts:    carts,
		Products: products,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error constructing cart service: %v", err)
	}
	return service
}

type stubCartRepository struct {
	getFunc          func(ctx context.Context, owner domain.CartOwner) (domain.Cart, error)
	upsertFunc       func(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	deleteFunc       func(ctx context.Context, cartID string) error
	listInactiveFunc func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Cart, error)
}

func (s *stubCartRepository) GetByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, owner)
	}
	return domain.Cart{}, errors.New("not implemented")
}

func (s *stubCartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.upsertFunc != nil {
		return s.upsertFunc(ctx, cart)
	}
	return cart, nil
}

func (s *stubCartRepository) Delete(ctx context.Context, cartID string) error {
	if s.deleteFunc != nil {
		return s.deleteFunc(ctx, cartID)
	}
	return errors.New("not implemented")
}

func (s *stubCartRepository) ListInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Cart, error) {
	if s.listInactiveFunc != nil {
		return s.listInactiveFunc(ctx, cutoff, limit)
	}
	return nil, errors.New("not implemented")
}

type stubProductRepository struct {
	findFunc func(ctx context.Context, productID string) (domain.Product, error)
}

func (s *stubProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, productID)
	}
	return domain.Product{}, errors.New("not implemented")
}

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string {
	return "repository error"
}

func (e *repositoryErrorStub) IsNotFound() bool {
	return e.notFound
}

func (e *repositoryErrorStub) IsConflict() bool {
	return e.conflict
}

func (e *repositoryErrorStub) IsUnavailable() bool {
	return e.unavailable
}

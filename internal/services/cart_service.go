package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/repositories"
)

const (
	maxCartLineQuantity    = 50
	defaultCartInactiveTTL = 7 * 24 * time.Hour
	defaultPurgeBatchSize  = 100
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
	ErrCartUnavailable = errors.New("cart: unavailable")
	// ErrCartNotFound indicates the requested cart or cart line does not exist.
	ErrCartNotFound = errors.New("cart: not found")
	// ErrProductUnavailable indicates the product is missing or inactive.
	ErrProductUnavailable = errors.New("cart: product unavailable")
	// ErrQuantityExceeded indicates the merged line quantity would exceed the per-line cap.
	ErrQuantityExceeded = errors.New("cart: quantity exceeded")
)

// CartServiceDeps wires the repositories and settings for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Clock           func() time.Time
	DefaultCurrency string
	InactiveTTL     time.Duration
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts       repositories.CartRepository
	products    repositories.ProductRepository
	now         func() time.Time
	currency    string
	inactiveTTL time.Duration
	logger      func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "EUR"
	}

	ttl := deps.InactiveTTL
	if ttl <= 0 {
		ttl = defaultCartInactiveTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		now: func() time.Time {
			return clock().UTC()
		},
		currency:    currency,
		inactiveTTL: ttl,
		logger:      logger,
	}, nil
}

// GetOrCreateCart loads the owner's cart, creating an empty cart when absent.
func (s *cartService) GetOrCreateCart(ctx context.Context, owner CartOwner) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	owner = normaliseOwner(owner)
	if owner.IsZero() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetByOwner(ctx, owner)
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		saved, err := s.carts.Upsert(ctx, s.newCart(owner))
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		cart = saved
	}
	return cart, nil
}

// AddLine merges quantity into an existing line with the same (product,
// variant) identity or appends a new one priced at the current catalog price.
func (s *cartService) AddLine(ctx context.Context, cmd AddCartLineCommand) (Cart, error) {
	if s == nil || s.carts == nil || s.products == nil {
		return Cart{}, ErrCartUnavailable
	}
	owner := normaliseOwner(cmd.Owner)
	if owner.IsZero() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}
	variantID := strings.TrimSpace(cmd.VariantID)

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: product %s", ErrProductUnavailable, productID)
		}
		return Cart{}, s.translateRepoError(err)
	}
	if !product.IsActive {
		return Cart{}, fmt.Errorf("%w: product %s is inactive", ErrProductUnavailable, productID)
	}

	unitPrice := product.Price
	displayName := product.Name
	if variantID != "" {
		variant, ok := product.Variant(variantID)
		if !ok {
			return Cart{}, fmt.Errorf("%w: variant %s", ErrProductUnavailable, variantID)
		}
		if variant.Price > 0 {
			unitPrice = variant.Price
		}
		if strings.TrimSpace(variant.Name) != "" {
			displayName = product.Name + " (" + variant.Name + ")"
		}
	}

	cart, err := s.loadOrNewCart(ctx, owner)
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	key := domain.CartLineKey{ProductID: productID, VariantID: variantID}
	idx := indexOfCartLine(cart.Lines, key)
	if idx >= 0 {
		merged := cart.Lines[idx].Quantity + cmd.Quantity
		if merged > maxCartLineQuantity {
			return Cart{}, fmt.Errorf("%w: line cap is %d, requested %d", ErrQuantityExceeded, maxCartLineQuantity, merged)
		}
		cart.Lines[idx].Quantity = merged
		ts := now
		cart.Lines[idx].UpdatedAt = &ts
	} else {
		if cmd.Quantity > maxCartLineQuantity {
			return Cart{}, fmt.Errorf("%w: line cap is %d, requested %d", ErrQuantityExceeded, maxCartLineQuantity, cmd.Quantity)
		}
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID:   productID,
			VariantID:   variantID,
			DisplayName: displayName,
			UnitPrice:   unitPrice,
			Quantity:    cmd.Quantity,
			ImagePath:   product.ImagePath,
			AddedAt:     now,
		})
	}

	return s.persistCart(ctx, cart, now)
}

// SetLineQuantity replaces the quantity of an existing line; setting the
// current value is a no-op.
func (s *cartService) SetLineQuantity(ctx context.Context, cmd SetCartLineQuantityCommand) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	owner := normaliseOwner(cmd.Owner)
	if owner.IsZero() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: line cap is %d, requested %d", ErrQuantityExceeded, maxCartLineQuantity, cmd.Quantity)
	}

	cart, err := s.carts.GetByOwner(ctx, owner)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}

	key := domain.CartLineKey{ProductID: strings.TrimSpace(cmd.ProductID), VariantID: strings.TrimSpace(cmd.VariantID)}
	idx := indexOfCartLine(cart.Lines, key)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: no line for product %s", ErrCartNotFound, key.ProductID)
	}

	if cart.Lines[idx].Quantity == cmd.Quantity {
		return cart, nil
	}

	now := s.now()
	cart.Lines[idx].Quantity = cmd.Quantity
	ts := now
	cart.Lines[idx].UpdatedAt = &ts

	return s.persistCart(ctx, cart, now)
}

// RemoveLine deletes the identified line. Emptying the cart keeps the cart
// itself, only its lines are gone.
func (s *cartService) RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	owner := normaliseOwner(cmd.Owner)
	if owner.IsZero() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetByOwner(ctx, owner)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}

	key := domain.CartLineKey{ProductID: strings.TrimSpace(cmd.ProductID), VariantID: strings.TrimSpace(cmd.VariantID)}
	idx := indexOfCartLine(cart.Lines, key)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: no line for product %s", ErrCartNotFound, key.ProductID)
	}

	cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
	return s.persistCart(ctx, cart, s.now())
}

// ClearCart empties the cart after successful order placement. A missing cart
// is not an error.
func (s *cartService) ClearCart(ctx context.Context, owner CartOwner) error {
	if s == nil || s.carts == nil {
		return ErrCartUnavailable
	}
	owner = normaliseOwner(owner)
	if owner.IsZero() {
		return fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetByOwner(ctx, owner)
	if err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return s.translateRepoError(err)
	}

	cart.Lines = nil
	if _, err := s.persistCart(ctx, cart, s.now()); err != nil {
		return err
	}
	return nil
}

// PurgeExpired deletes carts idle beyond the inactivity TTL and reports how
// many were removed.
func (s *cartService) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.carts == nil {
		return 0, ErrCartUnavailable
	}
	if now.IsZero() {
		now = s.now()
	}
	cutoff := now.UTC().Add(-s.inactiveTTL)

	carts, err := s.carts.ListInactiveSince(ctx, cutoff, defaultPurgeBatchSize)
	if err != nil {
		return 0, s.translateRepoError(err)
	}

	purged := 0
	for _, cart := range carts {
		if err := s.carts.Delete(ctx, cart.ID); err != nil {
			s.logger(ctx, "cart.purge.delete_failed", map[string]any{
				"cartId": cart.ID,
				"error":  err.Error(),
			})
			continue
		}
		purged++
	}
	if purged > 0 {
		s.logger(ctx, "cart.purge.completed", map[string]any{
			"purged": purged,
			"cutoff": cutoff,
		})
	}
	return purged, nil
}

func (s *cartService) loadOrNewCart(ctx context.Context, owner CartOwner) (Cart, error) {
	cart, err := s.carts.GetByOwner(ctx, owner)
	if err != nil {
		if isRepoNotFound(err) {
			return s.newCart(owner), nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

func (s *cartService) newCart(owner CartOwner) domain.Cart {
	now := s.now()
	return domain.Cart{
		Owner:     owner,
		Currency:  s.currency,
		Lines:     []domain.CartLine{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// persistCart recomputes the denormalized totals from the line list and saves.
// Totals are never patched incrementally.
func (s *cartService) persistCart(ctx context.Context, cart domain.Cart, now time.Time) (Cart, error) {
	cart.TotalItems, cart.TotalAmount = recomputeCartTotals(cart.Lines)
	cart.UpdatedAt = now
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return saved, nil
}

func recomputeCartTotals(lines []domain.CartLine) (int, int64) {
	items := 0
	var amount int64
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		items += line.Quantity
		amount += domain.LineExtension(line.UnitPrice, line.Quantity)
	}
	return items, amount
}

func indexOfCartLine(lines []domain.CartLine, key domain.CartLineKey) int {
	for i, line := range lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}

func normaliseOwner(owner CartOwner) CartOwner {
	owner.AccountID = strings.TrimSpace(owner.AccountID)
	owner.SessionToken = strings.TrimSpace(owner.SessionToken)
	return owner
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}

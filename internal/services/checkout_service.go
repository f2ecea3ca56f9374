package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/payments"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates the owner's cart holds no lines.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutUnavailable indicates the payment provider rejected the request.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// checkoutSessionCreator is the slice of the payment provider surface the
// checkout service needs.
type checkoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps bundles the collaborators of the checkout service.
type CheckoutServiceDeps struct {
	Carts       CartService
	Provider    checkoutSessionCreator
	Clock       func() time.Time
	IDGenerator func() string
	SuccessURL  string
	CancelURL   string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts       CartService
	provider    checkoutSessionCreator
	clock       func() time.Time
	idGenerator func() string
	successURL  string
	cancelURL   string
	logger      func(context.Context, string, map[string]any)
}

// NewCheckoutService constructs the checkout service enforcing dependency validation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("checkout service: payment provider is required")
	}
	if deps.IDGenerator == nil {
		return nil, errors.New("checkout service: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:    deps.Carts,
		provider: deps.Provider,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGenerator: deps.IDGenerator,
		successURL:  strings.TrimSpace(deps.SuccessURL),
		cancelURL:   strings.TrimSpace(deps.CancelURL),
		logger:      logger,
	}, nil
}

// CreateCheckoutSession opens a provider session for the owner's cart. The
// cart contents travel in the session metadata so the webhook path can rebuild
// the order without trusting client input.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error) {
	if cmd.Owner.IsZero() {
		return CheckoutSession{}, fmt.Errorf("%w: cart owner is required", ErrCheckoutInvalidInput)
	}

	cart, err := s.carts.GetOrCreateCart(ctx, cmd.Owner)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: load cart: %v", ErrCheckoutUnavailable, err)
	}
	if len(cart.Lines) == 0 {
		return CheckoutSession{}, ErrCheckoutEmptyCart
	}

	successURL := strings.TrimSpace(cmd.SuccessURL)
	if successURL == "" {
		successURL = s.successURL
	}
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if cancelURL == "" {
		cancelURL = s.cancelURL
	}
	if successURL == "" || cancelURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: success and cancel urls are required", ErrCheckoutInvalidInput)
	}

	metadata := map[string]string{
		metadataKeyCartLines: payments.EncodeCartMetadata(cartMetadataLines(cart)),
		metadataKeyCartRef:   cart.ID,
	}
	if cmd.Owner.AccountID != "" {
		metadata[metadataKeyAccountID] = cmd.Owner.AccountID
	}
	if cmd.Owner.SessionToken != "" {
		metadata[metadataKeySessionToken] = cmd.Owner.SessionToken
	}
	if email := strings.TrimSpace(cmd.CustomerEmail); email != "" {
		metadata[metadataKeyEmail] = email
	}

	session, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		Amount:         cart.TotalAmount,
		Currency:       cart.Currency,
		CustomerEmail:  strings.TrimSpace(cmd.CustomerEmail),
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		Metadata:       metadata,
		IdempotencyKey: s.idGenerator(),
		Items:          checkoutLineItems(cart),
	})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"sessionId": session.ID,
		"cartId":    cart.ID,
		"amount":    cart.TotalAmount,
	})
	return session, nil
}

func cartMetadataLines(cart domain.Cart) []payments.MetadataLine {
	lines := make([]payments.MetadataLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		lines = append(lines, payments.MetadataLine{
			Name:      line.DisplayName,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Variant:   line.VariantID,
		})
	}
	return lines
}

func checkoutLineItems(cart domain.Cart) []payments.CheckoutLineItem {
	items := make([]payments.CheckoutLineItem, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		items = append(items, payments.CheckoutLineItem{
			Name:     line.DisplayName,
			SKU:      line.ProductID,
			Quantity: int64(line.Quantity),
			Amount:   line.UnitPrice,
			Currency: cart.Currency,
		})
	}
	return items
}

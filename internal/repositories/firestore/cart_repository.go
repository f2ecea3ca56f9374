package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/camellia-shop/api/internal/domain"
	pfirestore "github.com/camellia-shop/api/internal/platform/firestore"
	"github.com/camellia-shop/api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists cart documents keyed by owner within Firestore.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// GetByOwner loads the cart for the given owner.
func (r *CartRepository) GetByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id, err := cartDocumentID(owner)
	if err != nil {
		return domain.Cart{}, err
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert persists the full cart document, lines included.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(cart.ID)
	if id == "" {
		var err error
		id, err = cartDocumentID(cart.Owner)
		if err != nil {
			return domain.Cart{}, err
		}
	}

	doc := cartDocumentFromDomain(cart)
	result, err := r.base.Set(ctx, id, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := doc.toDomain(id)
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// Delete removes the cart document. Deleting an absent cart is not an error.
func (r *CartRepository) Delete(ctx context.Context, cartID string) error {
	if r == nil || r.provider == nil {
		return errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(cartID)
	if id == "" {
		return errors.New("cart repository: cart id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		wrapped := pfirestore.WrapError("carts.delete", err)
		var repoErr repositories.RepositoryError
		if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return wrapped
	}
	return nil
}

// ListInactiveSince returns carts untouched since the cutoff, oldest first.
func (r *CartRepository) ListInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Cart, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("cart repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("updatedAt", "<", cutoff.UTC()).
			OrderBy("updatedAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	carts := make([]domain.Cart, 0, len(docs))
	for _, doc := range docs {
		carts = append(carts, doc.Data.toDomain(doc.ID))
	}
	return carts, nil
}

func cartDocumentID(owner domain.CartOwner) (string, error) {
	switch {
	case strings.TrimSpace(owner.AccountID) != "":
		return "account_" + strings.TrimSpace(owner.AccountID), nil
	case strings.TrimSpace(owner.SessionToken) != "":
		return "session_" + strings.TrimSpace(owner.SessionToken), nil
	default:
		return "", errors.New("cart repository: cart owner is required")
	}
}

type cartDocument struct {
	AccountID    string             `firestore:"accountId,omitempty"`
	SessionToken string             `firestore:"sessionToken,omitempty"`
	Currency     string             `firestore:"currency"`
	Lines        []cartLineDocument `firestore:"lines"`
	TotalItems   int                `firestore:"totalItems"`
	TotalAmount  int64              `firestore:"totalAmount"`
	CreatedAt    time.Time          `firestore:"createdAt"`
	UpdatedAt    time.Time          `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ProductID   string     `firestore:"productId"`
	VariantID   string     `firestore:"variantId,omitempty"`
	DisplayName string     `firestore:"displayName"`
	UnitPrice   int64      `firestore:"unitPrice"`
	Quantity    int        `firestore:"quantity"`
	ImagePath   string     `firestore:"imagePath,omitempty"`
	AddedAt     time.Time  `firestore:"addedAt"`
	UpdatedAt   *time.Time `firestore:"updatedAt,omitempty"`
}

func cartDocumentFromDomain(cart domain.Cart) cartDocument {
	doc := cartDocument{
		AccountID:    strings.TrimSpace(cart.Owner.AccountID),
		SessionToken: strings.TrimSpace(cart.Owner.SessionToken),
		Currency:     strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Lines:        make([]cartLineDocument, 0, len(cart.Lines)),
		TotalItems:   cart.TotalItems,
		TotalAmount:  cart.TotalAmount,
		CreatedAt:    cart.CreatedAt.UTC(),
		UpdatedAt:    cart.UpdatedAt.UTC(),
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	for _, line := range cart.Lines {
		doc.Lines = append(doc.Lines, cartLineDocument{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			DisplayName: line.DisplayName,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			ImagePath:   line.ImagePath,
			AddedAt:     line.AddedAt.UTC(),
			UpdatedAt:   line.UpdatedAt,
		})
	}
	return doc
}

func (d cartDocument) toDomain(id string) domain.Cart {
	cart := domain.Cart{
		ID: id,
		Owner: domain.CartOwner{
			AccountID:    d.AccountID,
			SessionToken: d.SessionToken,
		},
		Currency:    d.Currency,
		Lines:       make([]domain.CartLine, 0, len(d.Lines)),
		TotalItems:  d.TotalItems,
		TotalAmount: d.TotalAmount,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	for _, line := range d.Lines {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			DisplayName: line.DisplayName,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			ImagePath:   line.ImagePath,
			AddedAt:     line.AddedAt,
			UpdatedAt:   line.UpdatedAt,
		})
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)

package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/camellia-shop/api/internal/domain"
	pfirestore "github.com/camellia-shop/api/internal/platform/firestore"
	"github.com/camellia-shop/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads the catalog projection used to validate cart lines.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

// FindByID loads a product by document ID.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

type productDocument struct {
	Name      string                   `firestore:"name"`
	Price     int64                    `firestore:"price"`
	ImagePath string                   `firestore:"imagePath,omitempty"`
	IsActive  bool                     `firestore:"isActive"`
	Variants  []productVariantDocument `firestore:"variants,omitempty"`
}

type productVariantDocument struct {
	ID    string `firestore:"id"`
	Name  string `firestore:"name"`
	Price int64  `firestore:"price"`
}

func (d productDocument) toDomain(id string) domain.Product {
	product := domain.Product{
		ID:        id,
		Name:      d.Name,
		Price:     d.Price,
		ImagePath: d.ImagePath,
		IsActive:  d.IsActive,
	}
	for _, variant := range d.Variants {
		product.Variants = append(product.Variants, domain.ProductVariant{
			ID:    variant.ID,
			Name:  variant.Name,
			Price: variant.Price,
		})
	}
	return product
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

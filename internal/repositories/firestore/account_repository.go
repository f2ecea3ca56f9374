package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/camellia-shop/api/internal/domain"
	pfirestore "github.com/camellia-shop/api/internal/platform/firestore"
	"github.com/camellia-shop/api/internal/repositories"
)

const accountsCollection = "corporate_accounts"

// AccountRepository reads the corporate account directory.
type AccountRepository struct {
	base *pfirestore.BaseRepository[accountDocument]
}

// NewAccountRepository constructs a Firestore-backed account repository.
func NewAccountRepository(provider *pfirestore.Provider) (*AccountRepository, error) {
	if provider == nil {
		return nil, errors.New("account repository requires firestore provider")
	}
	return &AccountRepository{
		base: pfirestore.NewBaseRepository[accountDocument](provider, accountsCollection, nil, nil),
	}, nil
}

// FindByID loads a corporate account by document ID.
func (r *AccountRepository) FindByID(ctx context.Context, accountID string) (domain.CorporateAccount, error) {
	if r == nil || r.base == nil {
		return domain.CorporateAccount{}, errors.New("account repository not initialised")
	}
	id := strings.TrimSpace(accountID)
	if id == "" {
		return domain.CorporateAccount{}, errors.New("account repository: account id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.CorporateAccount{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListBillingActivated returns every account enrolled in monthly billing.
func (r *AccountRepository) ListBillingActivated(ctx context.Context) ([]domain.CorporateAccount, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("account repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("billingActivated", "==", true).OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.CorporateAccount, 0, len(docs))
	for _, doc := range docs {
		accounts = append(accounts, doc.Data.toDomain(doc.ID))
	}
	return accounts, nil
}

type accountDocument struct {
	CompanyName      string `firestore:"companyName"`
	MonthlyLimit     int64  `firestore:"monthlyLimit"`
	PaymentTerm      string `firestore:"paymentTerm"`
	BillingActivated bool   `firestore:"billingActivated"`
	ContactEmail     string `firestore:"contactEmail,omitempty"`
}

func (d accountDocument) toDomain(id string) domain.CorporateAccount {
	return domain.CorporateAccount{
		ID:               id,
		CompanyName:      d.CompanyName,
		MonthlyLimit:     d.MonthlyLimit,
		PaymentTerm:      domain.PaymentTerm(d.PaymentTerm),
		BillingActivated: d.BillingActivated,
		ContactEmail:     d.ContactEmail,
	}
}

var _ repositories.AccountRepository = (*AccountRepository)(nil)

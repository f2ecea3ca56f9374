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

const (
	invoicesCollection     = "corporate_invoices"
	defaultInvoicePageSize = 20
	maxInvoicePageSize     = 100
)

// InvoiceRepository persists corporate invoices. The document ID is derived
// from the billing account and period, so creating a second invoice for the
// same period fails with a conflict at the storage layer.
type InvoiceRepository struct {
	base     *pfirestore.BaseRepository[invoiceDocument]
	provider *pfirestore.Provider
}

// NewInvoiceRepository constructs a Firestore-backed invoice repository.
func NewInvoiceRepository(provider *pfirestore.Provider) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[invoiceDocument](provider, invoicesCollection, nil, nil)
	return &InvoiceRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the invoice document and stamps every order listed in
// invoice.Items with the invoice reference in the same transaction. A
// duplicate period yields a conflict and leaves the orders untouched; orders
// are never left half-attached to an invoice that failed to persist.
func (r *InvoiceRepository) Insert(ctx context.Context, invoice domain.CorporateInvoice) error {
	if r == nil || r.base == nil {
		return errors.New("invoice repository not initialised")
	}
	if strings.TrimSpace(invoice.AccountID) == "" {
		return errors.New("invoice repository: account id is required")
	}
	docID := domain.InvoicePeriodKey(invoice.AccountID, invoice.BillingMonth, invoice.BillingYear)

	stampedAt := invoice.UpdatedAt
	if stampedAt.IsZero() {
		stampedAt = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, docID)
		if err != nil {
			return err
		}
		if err := tx.Create(ref, invoiceDocumentFromDomain(invoice)); err != nil {
			return err
		}
		for _, item := range invoice.Items {
			orderID := strings.TrimSpace(item.OrderID)
			if orderID == "" {
				continue
			}
			orderRef := client.Collection(ordersCollection).Doc(orderID)
			if err := tx.Update(orderRef, []firestore.Update{
				{Path: "invoiceRef", Value: docID},
				{Path: "updatedAt", Value: stampedAt},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return pfirestore.WrapError("invoices.insert", err)
}

// Update overwrites the invoice document.
func (r *InvoiceRepository) Update(ctx context.Context, invoice domain.CorporateInvoice) error {
	if r == nil || r.base == nil {
		return errors.New("invoice repository not initialised")
	}
	invoiceID := strings.TrimSpace(invoice.ID)
	if invoiceID == "" {
		return errors.New("invoice repository: invoice id is required")
	}

	_, err := r.base.Set(ctx, invoiceID, invoiceDocumentFromDomain(invoice))
	return err
}

// FindByID loads an invoice by document ID.
func (r *InvoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.CorporateInvoice, error) {
	if r == nil || r.base == nil {
		return domain.CorporateInvoice{}, errors.New("invoice repository not initialised")
	}
	id := strings.TrimSpace(invoiceID)
	if id == "" {
		return domain.CorporateInvoice{}, errors.New("invoice repository: invoice id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.CorporateInvoice{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPeriod loads the invoice for an account's billing period.
func (r *InvoiceRepository) FindByPeriod(ctx context.Context, accountID string, month, year int) (domain.CorporateInvoice, error) {
	if strings.TrimSpace(accountID) == "" {
		return domain.CorporateInvoice{}, errors.New("invoice repository: account id is required")
	}
	return r.FindByID(ctx, domain.InvoicePeriodKey(accountID, month, year))
}

// ListByAccount returns an account's invoices, newest first, with cursor paging.
func (r *InvoiceRepository) ListByAccount(ctx context.Context, accountID string, pager domain.Pagination) (domain.CursorPage[domain.CorporateInvoice], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.CorporateInvoice]{}, errors.New("invoice repository not initialised")
	}
	account := strings.TrimSpace(accountID)
	if account == "" {
		return domain.CursorPage[domain.CorporateInvoice]{}, errors.New("invoice repository: account id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = defaultInvoicePageSize
	}
	if pageSize > maxInvoicePageSize {
		pageSize = maxInvoicePageSize
	}

	var after *cursor
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		decoded, err := decodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.CorporateInvoice]{}, err
		}
		after = &decoded
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("accountId", "==", account).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if after != nil {
			q = q.StartAfter(after.CreatedAt, after.DocID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.CorporateInvoice]{}, err
	}

	page := domain.CursorPage[domain.CorporateInvoice]{
		Items: make([]domain.CorporateInvoice, 0, min(len(docs), pageSize)),
	}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			page.NextPageToken = encodeCursor(cursor{
				CreatedAt: last.Data.CreatedAt,
				DocID:     last.ID,
			})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

type invoiceDocument struct {
	InvoiceNumber string                `firestore:"invoiceNumber"`
	AccountID     string                `firestore:"accountId"`
	CompanyName   string                `firestore:"companyName"`
	BillingMonth  int                   `firestore:"billingMonth"`
	BillingYear   int                   `firestore:"billingYear"`
	Items         []invoiceItemDocument `firestore:"items"`
	Subtotal      int64                 `firestore:"subtotal"`
	VATRate       float64               `firestore:"vatRate"`
	VATAmount     int64                 `firestore:"vatAmount"`
	TotalAmount   int64                 `firestore:"totalAmount"`
	Status        string                `firestore:"status"`
	IssuedAt      *time.Time            `firestore:"issuedAt,omitempty"`
	DueAt         *time.Time            `firestore:"dueAt,omitempty"`
	PaidAt        *time.Time            `firestore:"paidAt,omitempty"`
	CreatedAt     time.Time             `firestore:"createdAt"`
	UpdatedAt     time.Time             `firestore:"updatedAt"`
}

type invoiceItemDocument struct {
	OrderID     string    `firestore:"orderId"`
	OrderNumber string    `firestore:"orderNumber"`
	OrderDate   time.Time `firestore:"orderDate"`
	Amount      int64     `firestore:"amount"`
	Description string    `firestore:"description,omitempty"`
}

func invoiceDocumentFromDomain(invoice domain.CorporateInvoice) invoiceDocument {
	doc := invoiceDocument{
		InvoiceNumber: strings.TrimSpace(invoice.InvoiceNumber),
		AccountID:     strings.TrimSpace(invoice.AccountID),
		CompanyName:   strings.TrimSpace(invoice.CompanyName),
		BillingMonth:  invoice.BillingMonth,
		BillingYear:   invoice.BillingYear,
		Items:         make([]invoiceItemDocument, 0, len(invoice.Items)),
		Subtotal:      invoice.Subtotal,
		VATRate:       invoice.VATRate,
		VATAmount:     invoice.VATAmount,
		TotalAmount:   invoice.TotalAmount,
		Status:        string(invoice.Status),
		IssuedAt:      utcPointer(invoice.IssuedAt),
		DueAt:         utcPointer(invoice.DueAt),
		PaidAt:        utcPointer(invoice.PaidAt),
		CreatedAt:     invoice.CreatedAt.UTC(),
		UpdatedAt:     invoice.UpdatedAt.UTC(),
	}
	for _, item := range invoice.Items {
		doc.Items = append(doc.Items, invoiceItemDocument{
			OrderID:     item.OrderID,
			OrderNumber: item.OrderNumber,
			OrderDate:   item.OrderDate.UTC(),
			Amount:      item.Amount,
			Description: item.Description,
		})
	}
	return doc
}

func (d invoiceDocument) toDomain(id string) domain.CorporateInvoice {
	invoice := domain.CorporateInvoice{
		ID:            id,
		InvoiceNumber: d.InvoiceNumber,
		AccountID:     d.AccountID,
		CompanyName:   d.CompanyName,
		BillingMonth:  d.BillingMonth,
		BillingYear:   d.BillingYear,
		Items:         make([]domain.InvoiceItem, 0, len(d.Items)),
		Subtotal:      d.Subtotal,
		VATRate:       d.VATRate,
		VATAmount:     d.VATAmount,
		TotalAmount:   d.TotalAmount,
		Status:        domain.InvoiceStatus(d.Status),
		IssuedAt:      d.IssuedAt,
		DueAt:         d.DueAt,
		PaidAt:        d.PaidAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	for _, item := range d.Items {
		invoice.Items = append(invoice.Items, domain.InvoiceItem{
			OrderID:     item.OrderID,
			OrderNumber: item.OrderNumber,
			OrderDate:   item.OrderDate,
			Amount:      item.Amount,
			Description: item.Description,
		})
	}
	return invoice
}

var _ repositories.InvoiceRepository = (*InvoiceRepository)(nil)

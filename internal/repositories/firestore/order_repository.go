package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/camellia-shop/api/internal/domain"
	pfirestore "github.com/camellia-shop/api/internal/platform/firestore"
	"github.com/camellia-shop/api/internal/repositories"
)

const (
	ordersCollection      = "orders"
	paymentRefsCollection = "payment_refs"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderRepository persists orders within Firestore. The payment-reference
// uniqueness contract is enforced by creating an index document keyed by the
// payment reference in the same transaction as the order itself; a duplicate
// reference makes the whole transaction fail with a conflict.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

type paymentRefDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// Insert creates the order document and, when a payment reference is present,
// the payment-reference index document in one transaction.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	doc := orderDocumentFromDomain(order)
	paymentRef := strings.TrimSpace(order.PaymentRef)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		if paymentRef != "" {
			client, err := r.provider.Client(ctx)
			if err != nil {
				return err
			}
			indexRef := client.Collection(paymentRefsCollection).Doc(paymentRef)
			if err := tx.Create(indexRef, paymentRefDocument{
				OrderID:   orderID,
				CreatedAt: doc.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return pfirestore.WrapError("orders.insert", err)
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	_, err := r.base.Set(ctx, orderID, orderDocumentFromDomain(order))
	return err
}

// FindByID loads an order by document ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrderNumber loads an order by its human-readable number.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	number := strings.TrimSpace(orderNumber)
	if number == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderNumber", "==", number).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByOrderNumber",
			status.Errorf(codes.NotFound, "order %s not found", number))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// FindByPaymentRef resolves the payment-reference index document and loads the order.
func (r *OrderRepository) FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	ref := strings.TrimSpace(paymentRef)
	if ref == "" {
		return domain.Order{}, errors.New("order repository: payment reference is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(paymentRefsCollection).Doc(ref).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentRef", err)
	}
	var index paymentRefDocument
	if err := snap.DataTo(&index); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentRef", err)
	}
	return r.FindByID(ctx, index.OrderID)
}

// List returns orders matching the filter, newest first, with cursor paging.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	var after *cursor
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		after = &decoded
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if accountID := strings.TrimSpace(filter.AccountID); accountID != "" {
			q = q.Where("accountId", "==", accountID)
		}
		if len(filter.Status) > 0 {
			q = q.Where("status", "in", statusStrings(filter.Status))
		}
		if len(filter.PaymentStatus) > 0 {
			q = q.Where("paymentStatus", "in", paymentStatusStrings(filter.PaymentStatus))
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if after != nil {
			q = q.StartAfter(after.CreatedAt, after.DocID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{
		Items: make([]domain.Order, 0, min(len(docs), pageSize)),
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

// ListCreditForPeriod returns the account's uninvoiced credit orders for the
// billing period, oldest first.
func (r *OrderRepository) ListCreditForPeriod(ctx context.Context, accountID string, month, year int) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	account := strings.TrimSpace(accountID)
	if account == "" {
		return nil, errors.New("order repository: account id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("accountId", "==", account).
			Where("paymentStatus", "==", string(domain.PaymentStatusPendingMonthly)).
			Where("corporate.billingMonth", "==", month).
			Where("corporate.billingYear", "==", year).
			Where("invoiceRef", "==", "").
			OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func paymentStatusStrings(statuses []domain.PaymentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

type orderDocument struct {
	OrderNumber   string                  `firestore:"orderNumber"`
	AccountID     string                  `firestore:"accountId,omitempty"`
	CartRef       string                  `firestore:"cartRef,omitempty"`
	Status        string                  `firestore:"status"`
	PaymentStatus string                  `firestore:"paymentStatus"`
	PaymentMethod string                  `firestore:"paymentMethod"`
	PaymentRef    string                  `firestore:"paymentRef,omitempty"`
	Currency      string                  `firestore:"currency"`
	Lines         []orderLineDocument     `firestore:"lines"`
	TotalAmount   int64                   `firestore:"totalAmount"`
	Timeline      []timelineEntryDocument `firestore:"timeline"`
	Corporate     *corporateDataDocument  `firestore:"corporate,omitempty"`
	InvoiceRef    string                  `firestore:"invoiceRef"`
	Contact       *orderContactDocument   `firestore:"contact,omitempty"`
	CreatedAt     time.Time               `firestore:"createdAt"`
	UpdatedAt     time.Time               `firestore:"updatedAt"`
	DeliveredAt   *time.Time              `firestore:"deliveredAt,omitempty"`
	CancelledAt   *time.Time              `firestore:"cancelledAt,omitempty"`
	CancelReason  string                  `firestore:"cancelReason,omitempty"`
	RefundedAt    *time.Time              `firestore:"refundedAt,omitempty"`
}

type orderLineDocument struct {
	ProductRef string `firestore:"productRef"`
	VariantID  string `firestore:"variantId,omitempty"`
	Name       string `firestore:"name"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Quantity   int    `firestore:"quantity"`
	Total      int64  `firestore:"total"`
	ImagePath  string `firestore:"imagePath,omitempty"`
}

type timelineEntryDocument struct {
	Status string    `firestore:"status"`
	Date   time.Time `firestore:"date"`
	Note   string    `firestore:"note,omitempty"`
}

type corporateDataDocument struct {
	CompanyName  string `firestore:"companyName"`
	BillingMonth int    `firestore:"billingMonth"`
	BillingYear  int    `firestore:"billingYear"`
	CreditTerm   bool   `firestore:"creditTerm"`
}

type orderContactDocument struct {
	Name  string `firestore:"name,omitempty"`
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

func orderDocumentFromDomain(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		AccountID:     strings.TrimSpace(order.AccountID),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		PaymentRef:    strings.TrimSpace(order.PaymentRef),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Lines:         make([]orderLineDocument, 0, len(order.Lines)),
		TotalAmount:   order.TotalAmount,
		Timeline:      make([]timelineEntryDocument, 0, len(order.Timeline)),
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		DeliveredAt:   utcPointer(order.DeliveredAt),
		CancelledAt:   utcPointer(order.CancelledAt),
		RefundedAt:    utcPointer(order.RefundedAt),
	}
	if order.CartRef != nil {
		doc.CartRef = strings.TrimSpace(*order.CartRef)
	}
	if order.InvoiceRef != nil {
		doc.InvoiceRef = strings.TrimSpace(*order.InvoiceRef)
	}
	if order.CancelReason != nil {
		doc.CancelReason = strings.TrimSpace(*order.CancelReason)
	}
	for _, line := range order.Lines {
		doc.Lines = append(doc.Lines, orderLineDocument{
			ProductRef: line.ProductRef,
			VariantID:  line.VariantID,
			Name:       line.Name,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			Total:      line.Total,
			ImagePath:  line.ImagePath,
		})
	}
	for _, entry := range order.Timeline {
		doc.Timeline = append(doc.Timeline, timelineEntryDocument{
			Status: string(entry.Status),
			Date:   entry.Date.UTC(),
			Note:   entry.Note,
		})
	}
	if order.Corporate != nil {
		doc.Corporate = &corporateDataDocument{
			CompanyName:  order.Corporate.CompanyName,
			BillingMonth: order.Corporate.BillingMonth,
			BillingYear:  order.Corporate.BillingYear,
			CreditTerm:   order.Corporate.CreditTerm,
		}
	}
	if order.Contact != nil {
		doc.Contact = &orderContactDocument{
			Name:  strings.TrimSpace(order.Contact.Name),
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		AccountID:     d.AccountID,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentRef:    d.PaymentRef,
		Currency:      d.Currency,
		Lines:         make([]domain.OrderLine, 0, len(d.Lines)),
		TotalAmount:   d.TotalAmount,
		Timeline:      make([]domain.TimelineEntry, 0, len(d.Timeline)),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		DeliveredAt:   d.DeliveredAt,
		CancelledAt:   d.CancelledAt,
		RefundedAt:    d.RefundedAt,
	}
	if d.CartRef != "" {
		cartRef := d.CartRef
		order.CartRef = &cartRef
	}
	if d.InvoiceRef != "" {
		invoiceRef := d.InvoiceRef
		order.InvoiceRef = &invoiceRef
	}
	if d.CancelReason != "" {
		reason := d.CancelReason
		order.CancelReason = &reason
	}
	for _, line := range d.Lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductRef: line.ProductRef,
			VariantID:  line.VariantID,
			Name:       line.Name,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			Total:      line.Total,
			ImagePath:  line.ImagePath,
		})
	}
	for _, entry := range d.Timeline {
		order.Timeline = append(order.Timeline, domain.TimelineEntry{
			Status: domain.OrderStatus(entry.Status),
			Date:   entry.Date,
			Note:   entry.Note,
		})
	}
	if d.Corporate != nil {
		order.Corporate = &domain.CorporateData{
			CompanyName:  d.Corporate.CompanyName,
			BillingMonth: d.Corporate.BillingMonth,
			BillingYear:  d.Corporate.BillingYear,
			CreditTerm:   d.Corporate.CreditTerm,
		}
	}
	if d.Contact != nil {
		order.Contact = &domain.OrderContact{
			Name:  d.Contact.Name,
			Email: d.Contact.Email,
			Phone: d.Contact.Phone,
		}
	}
	return order
}

func utcPointer(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

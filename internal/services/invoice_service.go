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
	invoiceEventGenerated = "invoice.generated"

	invoiceCounterPrefix  = "invoices_"
	defaultInvoiceDueDays = 30
	defaultInvoiceVATRate = 20.0

	batchSkipReasonAlreadyExists = "already_exists"
	batchSkipReasonNoOrders      = "no_orders"
)

var (
	// ErrInvoiceInvalidInput indicates the caller supplied invalid input.
	ErrInvoiceInvalidInput = errors.New("invoice: invalid input")
	// ErrInvoiceNotFound indicates the invoice could not be located.
	ErrInvoiceNotFound = errors.New("invoice: not found")
	// ErrInvoiceAlreadyExists indicates an invoice already covers the period.
	// Callers receive the existing invoice alongside this signal.
	ErrInvoiceAlreadyExists = errors.New("invoice: already exists for period")
	// ErrNoOrdersToInvoice indicates the period holds no uninvoiced credit
	// orders; no empty invoice is ever created.
	ErrNoOrdersToInvoice = errors.New("invoice: no orders to invoice")
	// ErrInvoiceInvalidState indicates a disallowed lifecycle transition.
	ErrInvoiceInvalidState = errors.New("invoice: invalid state transition")
	// ErrInvoiceUnavailable indicates the backing store cannot serve the request.
	ErrInvoiceUnavailable = errors.New("invoice: unavailable")
)

// InvoiceServiceDeps bundles the collaborators of the invoice generator.
type InvoiceServiceDeps struct {
	Invoices repositories.InvoiceRepository
	Orders   repositories.OrderRepository
	Accounts repositories.AccountRepository
	Counters repositories.CounterRepository
	Clock    func() time.Time
	Events   EventPublisher
	Logger   func(ctx context.Context, event string, fields map[string]any)
	VATRate  float64
	DueDays  int
}

type invoiceService struct {
	invoices repositories.InvoiceRepository
	orders   repositories.OrderRepository
	accounts repositories.AccountRepository
	counters repositories.CounterRepository
	clock    func() time.Time
	events   EventPublisher
	logger   func(context.Context, string, map[string]any)
	vatRate  float64
	dueDays  int
}

// NewInvoiceService constructs the invoice service enforcing dependency validation.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Invoices == nil {
		return nil, errors.New("invoice service: invoice repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	if deps.Accounts == nil {
		return nil, errors.New("invoice service: account repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("invoice service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	vatRate := deps.VATRate
	if vatRate <= 0 {
		vatRate = defaultInvoiceVATRate
	}
	dueDays := deps.DueDays
	if dueDays <= 0 {
		dueDays = defaultInvoiceDueDays
	}

	return &invoiceService{
		invoices: deps.Invoices,
		orders:   deps.Orders,
		accounts: deps.Accounts,
		counters: deps.Counters,
		clock: func() time.Time {
			return clock().UTC()
		},
		events:  deps.Events,
		logger:  logger,
		vatRate: vatRate,
		dueDays: dueDays,
	}, nil
}

// Generate builds the single invoice for one account and billing period. The
// (account, month, year) uniqueness is enforced by the store; a losing
// concurrent generation re-reads and returns the winner with
// ErrInvoiceAlreadyExists.
func (s *invoiceService) Generate(ctx context.Context, cmd GenerateInvoiceCommand) (CorporateInvoice, error) {
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return CorporateInvoice{}, fmt.Errorf("%w: account id is required", ErrInvoiceInvalidInput)
	}
	if cmd.Month < 1 || cmd.Month > 12 {
		return CorporateInvoice{}, fmt.Errorf("%w: month must be 1-12, got %d", ErrInvoiceInvalidInput, cmd.Month)
	}
	if cmd.Year < 2000 || cmd.Year > 2200 {
		return CorporateInvoice{}, fmt.Errorf("%w: implausible year %d", ErrInvoiceInvalidInput, cmd.Year)
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if isRepoNotFound(err) {
			return CorporateInvoice{}, fmt.Errorf("%w: account %s", ErrInvoiceNotFound, accountID)
		}
		return CorporateInvoice{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	if existing, err := s.invoices.FindByPeriod(ctx, accountID, cmd.Month, cmd.Year); err == nil {
		s.logger(ctx, "invoice.generate.already_exists", map[string]any{
			"accountId": accountID,
			"month":     cmd.Month,
			"year":      cmd.Year,
			"invoiceId": existing.ID,
		})
		return existing, fmt.Errorf("%w: %s", ErrInvoiceAlreadyExists, existing.ID)
	} else if !isRepoNotFound(err) {
		return CorporateInvoice{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	orders, err := s.orders.ListCreditForPeriod(ctx, accountID, cmd.Month, cmd.Year)
	if err != nil {
		return CorporateInvoice{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}
	if len(orders) == 0 {
		return CorporateInvoice{}, fmt.Errorf("%w: %s %04d-%02d", ErrNoOrdersToInvoice, accountID, cmd.Year, cmd.Month)
	}

	now := s.clock()
	number, err := s.generateInvoiceNumber(ctx, cmd.Month, cmd.Year)
	if err != nil {
		return CorporateInvoice{}, err
	}

	invoice := domain.CorporateInvoice{
		ID:            domain.InvoicePeriodKey(accountID, cmd.Month, cmd.Year),
		InvoiceNumber: number,
		AccountID:     accountID,
		CompanyName:   account.CompanyName,
		BillingMonth:  cmd.Month,
		BillingYear:   cmd.Year,
		Items:         buildInvoiceItems(orders),
		VATRate:       s.vatRate,
		Status:        domain.InvoiceStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyDerivedTotals(&invoice)

	// Insert stamps the invoiced orders in the same write, so a lost race
	// leaves them attached to the winner, never to a phantom invoice.
	if err := s.invoices.Insert(ctx, invoice); err != nil {
		if isRepoConflict(err) {
			winner, lookupErr := s.invoices.FindByPeriod(ctx, accountID, cmd.Month, cmd.Year)
			if lookupErr != nil {
				return CorporateInvoice{}, fmt.Errorf("%w: conflict winner lookup: %v", ErrInvoiceUnavailable, lookupErr)
			}
			s.logger(ctx, "invoice.generate.lost_race", map[string]any{
				"accountId": accountID,
				"invoiceId": winner.ID,
			})
			return winner, fmt.Errorf("%w: %s", ErrInvoiceAlreadyExists, winner.ID)
		}
		return CorporateInvoice{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	s.publishEvent(ctx, EventMessage{
		Type:          invoiceEventGenerated,
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		AccountID:     accountID,
		CurrentStatus: string(invoice.Status),
		OccurredAt:    now,
	})

	return invoice, nil
}

// GenerateBatch runs generation for every billing-activated account. One
// account's failure never aborts the others; re-running the batch for an
// already-processed period is a per-account no-op.
func (s *invoiceService) GenerateBatch(ctx context.Context, cmd GenerateInvoiceBatchCommand) (InvoiceBatchResult, error) {
	if cmd.Month < 1 || cmd.Month > 12 {
		return InvoiceBatchResult{}, fmt.Errorf("%w: month must be 1-12, got %d", ErrInvoiceInvalidInput, cmd.Month)
	}
	if cmd.Year < 2000 || cmd.Year > 2200 {
		return InvoiceBatchResult{}, fmt.Errorf("%w: implausible year %d", ErrInvoiceInvalidInput, cmd.Year)
	}

	accounts, err := s.accounts.ListBillingActivated(ctx)
	if err != nil {
		return InvoiceBatchResult{}, fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
	}

	var result InvoiceBatchResult
	for _, account := range accounts {
		// Stopping between accounts is safe: each account's generation is
		// independently idempotent.
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		invoice, err := s.Generate(ctx, GenerateInvoiceCommand{
			AccountID: account.ID,
			Month:     cmd.Month,
			Year:      cmd.Year,
		})
		switch {
		case err == nil:
			result.Created = append(result.Created, InvoiceBatchOutcome{
				AccountID: account.ID,
				InvoiceID: invoice.ID,
			})
		case errors.Is(err, ErrInvoiceAlreadyExists):
			result.Skipped = append(result.Skipped, InvoiceBatchOutcome{
				AccountID: account.ID,
				InvoiceID: invoice.ID,
				Reason:    batchSkipReasonAlreadyExists,
			})
		case errors.Is(err, ErrNoOrdersToInvoice):
			result.Skipped = append(result.Skipped, InvoiceBatchOutcome{
				AccountID: account.ID,
				Reason:    batchSkipReasonNoOrders,
			})
		default:
			s.logger(ctx, "invoice.batch.account_failed", map[string]any{
				"accountId": account.ID,
				"month":     cmd.Month,
				"year":      cmd.Year,
				"error":     err.Error(),
			})
			result.Failed = append(result.Failed, InvoiceBatchOutcome{
				AccountID: account.ID,
				Err:       err,
			})
		}
	}

	return result, nil
}

// GetInvoice loads an invoice by ID.
func (s *invoiceService) GetInvoice(ctx context.Context, invoiceID string) (CorporateInvoice, error) {
	id := strings.TrimSpace(invoiceID)
	if id == "" {
		return CorporateInvoice{}, fmt.Errorf("%w: invoice id is required", ErrInvoiceInvalidInput)
	}
	invoice, err := s.invoices.FindByID(ctx, id)
	if err != nil {
		return CorporateInvoice{}, s.mapRepositoryError(err)
	}
	return invoice, nil
}

// ListForAccount returns an account's invoices, newest first.
func (s *invoiceService) ListForAccount(ctx context.Context, accountID string, pager Pagination) (domain.CursorPage[CorporateInvoice], error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return domain.CursorPage[CorporateInvoice]{}, fmt.Errorf("%w: account id is required", ErrInvoiceInvalidInput)
	}
	page, err := s.invoices.ListByAccount(ctx, id, pager)
	if err != nil {
		return domain.CursorPage[CorporateInvoice]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// MarkSent issues a draft invoice: stamps issue and due dates.
func (s *invoiceService) MarkSent(ctx context.Context, invoiceID string) (CorporateInvoice, error) {
	return s.transitionInvoice(ctx, invoiceID, domain.InvoiceStatusSent, []domain.InvoiceStatus{
		domain.InvoiceStatusDraft,
	}, func(invoice *domain.CorporateInvoice, now time.Time) {
		invoice.IssuedAt = &now
		due := now.AddDate(0, 0, s.dueDays)
		invoice.DueAt = &due
	})
}

// MarkPaid settles a sent or overdue invoice.
func (s *invoiceService) MarkPaid(ctx context.Context, invoiceID string) (CorporateInvoice, error) {
	return s.transitionInvoice(ctx, invoiceID, domain.InvoiceStatusPaid, []domain.InvoiceStatus{
		domain.InvoiceStatusSent,
		domain.InvoiceStatusOverdue,
	}, func(invoice *domain.CorporateInvoice, now time.Time) {
		invoice.PaidAt = &now
	})
}

// CancelInvoice voids an invoice that has not been paid.
func (s *invoiceService) CancelInvoice(ctx context.Context, cmd CancelInvoiceCommand) (CorporateInvoice, error) {
	invoice, err := s.transitionInvoice(ctx, cmd.InvoiceID, domain.InvoiceStatusCancelled, []domain.InvoiceStatus{
		domain.InvoiceStatusDraft,
		domain.InvoiceStatusSent,
		domain.InvoiceStatusOverdue,
	}, nil)
	if err != nil {
		return CorporateInvoice{}, err
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		s.logger(ctx, "invoice.cancelled", map[string]any{
			"invoiceId": invoice.ID,
			"reason":    reason,
		})
	}
	return invoice, nil
}

func (s *invoiceService) transitionInvoice(ctx context.Context, invoiceID string, target domain.InvoiceStatus, allowedFrom []domain.InvoiceStatus, mutate func(*domain.CorporateInvoice, time.Time)) (CorporateInvoice, error) {
	id := strings.TrimSpace(invoiceID)
	if id == "" {
		return CorporateInvoice{}, fmt.Errorf("%w: invoice id is required", ErrInvoiceInvalidInput)
	}

	invoice, err := s.invoices.FindByID(ctx, id)
	if err != nil {
		return CorporateInvoice{}, s.mapRepositoryError(err)
	}

	allowed := false
	for _, from := range allowedFrom {
		if invoice.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return CorporateInvoice{}, fmt.Errorf("%w: %s to %s", ErrInvoiceInvalidState, invoice.Status, target)
	}

	now := s.clock()
	invoice.Status = target
	invoice.UpdatedAt = now
	if mutate != nil {
		mutate(&invoice, now)
	}
	applyDerivedTotals(&invoice)

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return CorporateInvoice{}, s.mapRepositoryError(err)
	}
	return invoice, nil
}

// applyDerivedTotals recomputes subtotal, VAT amount, and total from the item
// list. It runs before every persist so stale hand-set figures can never
// survive a save.
func applyDerivedTotals(invoice *domain.CorporateInvoice) {
	totals := domain.DeriveInvoiceTotals(invoice.Items, invoice.VATRate)
	invoice.Subtotal = totals.Subtotal
	invoice.VATAmount = totals.VATAmount
	invoice.TotalAmount = totals.Total
}

func buildInvoiceItems(orders []domain.Order) []domain.InvoiceItem {
	items := make([]domain.InvoiceItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, domain.InvoiceItem{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			OrderDate:   order.CreatedAt,
			Amount:      order.TotalAmount,
			Description: fmt.Sprintf("Order %s of %s", order.OrderNumber, order.CreatedAt.Format("2006-01-02")),
		})
	}
	return items
}

func (s *invoiceService) generateInvoiceNumber(ctx context.Context, month, year int) (string, error) {
	period := fmt.Sprintf("%04d%02d", year, month)
	seq, err := s.counters.Next(ctx, invoiceCounterPrefix+period)
	if err != nil {
		return "", fmt.Errorf("%w: allocate invoice number: %v", ErrInvoiceUnavailable, err)
	}
	return fmt.Sprintf("INV-%s-%04d", period, seq), nil
}

func (s *invoiceService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInvoiceNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrInvoiceAlreadyExists, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrInvoiceUnavailable, err)
		}
	}
	return err
}

func (s *invoiceService) publishEvent(ctx context.Context, event EventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "invoice.event.publish.failed", map[string]any{
			"type":    event.Type,
			"invoice": event.InvoiceID,
			"error":   err.Error(),
		})
	}
}

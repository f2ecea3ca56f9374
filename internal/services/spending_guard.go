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

const spendingPageSize = 100

var (
	// ErrSpendingInvalidInput indicates the caller supplied invalid input.
	ErrSpendingInvalidInput = errors.New("spending: invalid input")
	// ErrSpendingAccountNotFound indicates the corporate account does not exist.
	ErrSpendingAccountNotFound = errors.New("spending: account not found")
	// ErrCreditNotEnabled indicates the account is not enrolled for monthly credit.
	ErrCreditNotEnabled = errors.New("spending: credit not enabled for account")
	// ErrMonthlyLimitExceeded indicates the proposed order would exceed the ceiling.
	ErrMonthlyLimitExceeded = errors.New("spending: monthly limit exceeded")
	// ErrSpendingUnavailable indicates a dependency prevented the check.
	ErrSpendingUnavailable = errors.New("spending: unavailable")
)

// MonthlyLimitExceededError carries the budget context a caller needs to
// explain the rejection to the end user.
type MonthlyLimitExceededError struct {
	MonthlyLimit    int64
	SpentThisMonth  int64
	ProposedAmount  int64
	RemainingBudget int64
}

func (e *MonthlyLimitExceededError) Error() string {
	return fmt.Sprintf("spending: monthly limit exceeded: limit %d, spent %d, proposed %d, remaining %d",
		e.MonthlyLimit, e.SpentThisMonth, e.ProposedAmount, e.RemainingBudget)
}

func (e *MonthlyLimitExceededError) Unwrap() error {
	return ErrMonthlyLimitExceeded
}

// SpendingGuardDeps wires the collaborators of the spending guard.
type SpendingGuardDeps struct {
	Accounts repositories.AccountRepository
	Orders   repositories.OrderRepository
	Ledger   OrderService
	Carts    CartService
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type spendingGuard struct {
	accounts repositories.AccountRepository
	orders   repositories.OrderRepository
	ledger   OrderService
	carts    CartService
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewSpendingGuard constructs the guard enforcing dependency validation.
func NewSpendingGuard(deps SpendingGuardDeps) (SpendingGuard, error) {
	if deps.Accounts == nil {
		return nil, errors.New("spending guard: account repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("spending guard: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("spending guard: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &spendingGuard{
		accounts: deps.Accounts,
		orders:   deps.Orders,
		ledger:   deps.Ledger,
		carts:    deps.Carts,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Authorize recomputes the account's current-month consumption and checks the
// proposed amount against the ceiling. The check is advisory: two concurrent
// placements can both pass, an accepted soft-limit trade-off bounded by one
// extra order.
func (g *spendingGuard) Authorize(ctx context.Context, accountID string, amount int64) (SpendingAuthorization, error) {
	account, err := g.loadCreditAccount(ctx, accountID)
	if err != nil {
		return SpendingAuthorization{}, err
	}
	if amount <= 0 {
		return SpendingAuthorization{}, fmt.Errorf("%w: amount must be greater than zero", ErrSpendingInvalidInput)
	}

	spent, err := g.spentThisMonth(ctx, account.ID, g.clock())
	if err != nil {
		return SpendingAuthorization{}, err
	}

	remaining := account.MonthlyLimit - spent
	if remaining < 0 {
		remaining = 0
	}

	if spent+amount > account.MonthlyLimit {
		return SpendingAuthorization{
				Authorized:      false,
				MonthlyLimit:    account.MonthlyLimit,
				SpentThisMonth:  spent,
				RemainingBudget: remaining,
			}, &MonthlyLimitExceededError{
				MonthlyLimit:    account.MonthlyLimit,
				SpentThisMonth:  spent,
				ProposedAmount:  amount,
				RemainingBudget: remaining,
			}
	}

	return SpendingAuthorization{
		Authorized:      true,
		MonthlyLimit:    account.MonthlyLimit,
		SpentThisMonth:  spent,
		RemainingBudget: remaining,
	}, nil
}

// PlaceCreditOrder re-authorizes at the moment of placement and creates the
// order as pending_monthly tagged with the calendar month of placement.
func (g *spendingGuard) PlaceCreditOrder(ctx context.Context, cmd PlaceCreditOrderCommand) (Order, error) {
	if len(cmd.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one line", ErrSpendingInvalidInput)
	}

	lines := snapshotOrderLines(cmd.Lines)
	total := domain.SumOrderLines(lines)

	account, err := g.loadCreditAccount(ctx, cmd.AccountID)
	if err != nil {
		return Order{}, err
	}

	// Never a cached figure: the spend is recomputed right before placement.
	if _, err := g.Authorize(ctx, account.ID, total); err != nil {
		return Order{}, err
	}

	now := g.clock()
	order, err := g.ledger.Create(ctx, CreateOrderCommand{
		AccountID:     account.ID,
		CartRef:       strings.TrimSpace(cmd.CartRef),
		Lines:         cmd.Lines,
		Currency:      cmd.Currency,
		PaymentMethod: domain.PaymentMethodCorporateMonthly,
		PaymentStatus: domain.PaymentStatusPendingMonthly,
		Corporate: &domain.CorporateData{
			CompanyName:  account.CompanyName,
			BillingMonth: int(now.Month()),
			BillingYear:  now.Year(),
			CreditTerm:   true,
		},
		Contact: cmd.Contact,
	})
	if err != nil {
		return Order{}, err
	}

	if g.carts != nil {
		if err := g.carts.ClearCart(ctx, CartOwner{AccountID: account.ID}); err != nil {
			g.logger(ctx, "spending.cart_clear_failed", map[string]any{
				"accountId": account.ID,
				"orderId":   order.ID,
				"error":     err.Error(),
			})
		}
	}

	return order, nil
}

func (g *spendingGuard) loadCreditAccount(ctx context.Context, accountID string) (CorporateAccount, error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return CorporateAccount{}, fmt.Errorf("%w: account id is required", ErrSpendingInvalidInput)
	}

	account, err := g.accounts.FindByID(ctx, id)
	if err != nil {
		if isRepoNotFound(err) {
			return CorporateAccount{}, fmt.Errorf("%w: %s", ErrSpendingAccountNotFound, id)
		}
		return CorporateAccount{}, fmt.Errorf("%w: %v", ErrSpendingUnavailable, err)
	}

	if account.PaymentTerm != domain.PaymentTermMonthly || !account.BillingActivated {
		return CorporateAccount{}, fmt.Errorf("%w: %s", ErrCreditNotEnabled, id)
	}
	if account.MonthlyLimit <= 0 {
		return CorporateAccount{}, fmt.Errorf("%w: account %s has no monthly limit", ErrCreditNotEnabled, id)
	}

	return account, nil
}

// spentThisMonth sums totals over the account's paid and pending_monthly
// orders placed in the calendar month containing now. Invoiced-but-unpaid
// orders still consume budget.
func (g *spendingGuard) spentThisMonth(ctx context.Context, accountID string, now time.Time) (int64, error) {
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0).Add(-time.Nanosecond)

	filter := repositories.OrderListFilter{
		AccountID: accountID,
		PaymentStatus: []domain.PaymentStatus{
			domain.PaymentStatusPaid,
			domain.PaymentStatusPendingMonthly,
		},
		DateRange:  domain.RangeQuery[time.Time]{From: &from, To: &to},
		Pagination: domain.Pagination{PageSize: spendingPageSize},
	}

	var spent int64
	for {
		page, err := g.orders.List(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSpendingUnavailable, err)
		}
		for _, order := range page.Items {
			spent += order.TotalAmount
		}
		if page.NextPageToken == "" {
			return spent, nil
		}
		filter.Pagination.PageToken = page.NextPageToken
	}
}

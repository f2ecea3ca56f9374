package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/platform/httpx"
	"github.com/camellia-shop/api/internal/repositories"
	"github.com/camellia-shop/api/internal/services"
)

const maxOrderBodySize = 64 * 1024

// OrderHandlers exposes order lifecycle and corporate credit endpoints.
type OrderHandlers struct {
	orders   services.OrderService
	spending services.SpendingGuard
}

// NewOrderHandlers constructs handlers over the order service and spending guard.
func NewOrderHandlers(orders services.OrderService, spending services.SpendingGuard) *OrderHandlers {
	return &OrderHandlers{orders: orders, spending: spending}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/transition", h.transition)
	r.Post("/{orderID}/cancel", h.cancel)
	r.Post("/{orderID}/payment-status", h.markPaymentStatus)
	r.Post("/credit", h.placeCreditOrder)
	r.Get("/credit/authorization", h.previewAuthorization)
}

type orderLinePayload struct {
	ProductRef string `json:"productRef"`
	VariantID  string `json:"variantId,omitempty"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
	Total      int64  `json:"total"`
}

type timelineEntryPayload struct {
	Status string `json:"status"`
	Date   string `json:"date"`
	Note   string `json:"note,omitempty"`
}

type orderPayload struct {
	ID            string                 `json:"id"`
	OrderNumber   string                 `json:"orderNumber"`
	AccountID     string                 `json:"accountId,omitempty"`
	Status        string                 `json:"status"`
	PaymentStatus string                 `json:"paymentStatus"`
	PaymentMethod string                 `json:"paymentMethod"`
	Currency      string                 `json:"currency"`
	Lines         []orderLinePayload     `json:"lines"`
	TotalAmount   int64                  `json:"totalAmount"`
	Timeline      []timelineEntryPayload `json:"timeline"`
	CreatedAt     string                 `json:"createdAt"`
	UpdatedAt     string                 `json:"updatedAt"`
	DeliveredAt   string                 `json:"deliveredAt,omitempty"`
	CancelledAt   string                 `json:"cancelledAt,omitempty"`
	CancelReason  string                 `json:"cancelReason,omitempty"`
	InvoiceRef    string                 `json:"invoiceRef,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderTransitionRequest struct {
	Target string `json:"target"`
	Note   string `json:"note"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type markPaymentStatusRequest struct {
	Status string `json:"status"`
}

type creditOrderLineRequest struct {
	ProductRef string `json:"productRef"`
	VariantID  string `json:"variantId"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
}

type placeCreditOrderRequest struct {
	CartRef      string                   `json:"cartRef"`
	Currency     string                   `json:"currency"`
	Lines        []creditOrderLineRequest `json:"lines"`
	ContactName  string                   `json:"contactName"`
	ContactEmail string                   `json:"contactEmail"`
	ContactPhone string                   `json:"contactPhone"`
}

type spendingAuthorizationPayload struct {
	Authorized      bool  `json:"authorized"`
	MonthlyLimit    int64 `json:"monthlyLimit"`
	SpentThisMonth  int64 `json:"spentThisMonth"`
	RemainingBudget int64 `json:"remainingBudget"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	if number := strings.TrimSpace(query.Get("number")); number != "" {
		order, err := h.orders.GetByOrderNumber(ctx, number)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: []orderPayload{buildOrderPayload(order)}})
		return
	}

	filter := repositories.OrderListFilter{
		AccountID: strings.TrimSpace(query.Get("accountId")),
	}
	if owner, ok := callerOwner(r); ok && filter.AccountID == "" {
		filter.AccountID = owner.AccountID
	}
	for _, status := range query["status"] {
		if status = strings.TrimSpace(status); status != "" {
			filter.Status = append(filter.Status, domain.OrderStatus(status))
		}
	}
	for _, status := range query["paymentStatus"] {
		if status = strings.TrimSpace(status); status != "" {
			filter.PaymentStatus = append(filter.PaymentStatus, domain.PaymentStatus(status))
		}
	}
	if size := strings.TrimSpace(query.Get("pageSize")); size != "" {
		if parsed, err := strconv.Atoi(size); err == nil {
			filter.Pagination.PageSize = parsed
		}
	}
	filter.Pagination.PageToken = strings.TrimSpace(query.Get("pageToken"))

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payloads := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		payloads = append(payloads, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: payloads, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req orderTransitionRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.Transition(ctx, services.OrderTransitionCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Target:  domain.OrderStatus(strings.TrimSpace(req.Target)),
		Note:    req.Note,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cancelOrderRequest
	if body, err := readLimitedBody(r, maxOrderBodySize); err == nil {
		if err := decodeJSONBody(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) markPaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req markPaymentStatusRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.MarkPaymentStatus(ctx, services.MarkPaymentStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  domain.PaymentStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) placeCreditOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.spending == nil {
		httpx.WriteError(ctx, w, httpx.NewError("spending_guard_unavailable", "corporate credit is unavailable", http.StatusServiceUnavailable))
		return
	}

	owner, ok := callerOwner(r)
	if !ok || owner.AccountID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "corporate account identity required", http.StatusUnauthorized))
		return
	}

	var req placeCreditOrderRequest
	if !decodeOrderBody(ctx, w, r, &req) {
		return
	}

	cmd := services.PlaceCreditOrderCommand{
		AccountID: owner.AccountID,
		CartRef:   req.CartRef,
		Currency:  req.Currency,
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, domain.OrderLine{
			ProductRef: line.ProductRef,
			VariantID:  line.VariantID,
			Name:       line.Name,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
		})
	}
	if req.ContactName != "" || req.ContactEmail != "" || req.ContactPhone != "" {
		cmd.Contact = &domain.OrderContact{
			Name:  req.ContactName,
			Email: req.ContactEmail,
			Phone: req.ContactPhone,
		}
	}

	order, err := h.spending.PlaceCreditOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) previewAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.spending == nil {
		httpx.WriteError(ctx, w, httpx.NewError("spending_guard_unavailable", "corporate credit is unavailable", http.StatusServiceUnavailable))
		return
	}

	owner, ok := callerOwner(r)
	if !ok || owner.AccountID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "corporate account identity required", http.StatusUnauthorized))
		return
	}

	amount, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("amount")), 10, 64)
	if err != nil || amount <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be a positive integer of cents", http.StatusBadRequest))
		return
	}

	auth, err := h.spending.Authorize(ctx, owner.AccountID, amount)
	if err != nil && !errors.Is(err, services.ErrMonthlyLimitExceeded) {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, spendingAuthorizationPayload{
		Authorized:      auth.Authorized,
		MonthlyLimit:    auth.MonthlyLimit,
		SpentThisMonth:  auth.SpentThisMonth,
		RemainingBudget: auth.RemainingBudget,
	})
}

func decodeOrderBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := decodeJSONBody(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func buildOrderPayload(order domain.Order) orderPayload {
	lines := make([]orderLinePayload, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLinePayload{
			ProductRef: line.ProductRef,
			VariantID:  line.VariantID,
			Name:       line.Name,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			Total:      line.Total,
		})
	}
	timeline := make([]timelineEntryPayload, 0, len(order.Timeline))
	for _, entry := range order.Timeline {
		timeline = append(timeline, timelineEntryPayload{
			Status: string(entry.Status),
			Date:   formatTimestamp(entry.Date),
			Note:   entry.Note,
		})
	}

	payload := orderPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		AccountID:     order.AccountID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		Currency:      order.Currency,
		Lines:         lines,
		TotalAmount:   order.TotalAmount,
		Timeline:      timeline,
		CreatedAt:     formatTimestamp(order.CreatedAt),
		UpdatedAt:     formatTimestamp(order.UpdatedAt),
		DeliveredAt:   formatTimestampPtr(order.DeliveredAt),
		CancelledAt:   formatTimestampPtr(order.CancelledAt),
	}
	if order.InvoiceRef != nil {
		payload.InvoiceRef = *order.InvoiceRef
	}
	if order.CancelReason != nil {
		payload.CancelReason = *order.CancelReason
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	var limitErr *services.MonthlyLimitExceededError
	switch {
	case errors.As(err, &limitErr):
		httpx.WriteError(ctx, w, httpx.NewError("monthly_limit_exceeded", limitErr.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{
				"remainingBudget": limitErr.RemainingBudget,
				"monthlyLimit":    limitErr.MonthlyLimit,
			}))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrSpendingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidStatusTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrSpendingAccountNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCreditNotEnabled):
		httpx.WriteError(ctx, w, httpx.NewError("credit_not_enabled", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrRefundFailed):
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", err.Error(), http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order operation failed", http.StatusServiceUnavailable))
	}
}

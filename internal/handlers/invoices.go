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
	"github.com/camellia-shop/api/internal/services"
)

const maxInvoiceBodySize = 16 * 1024

// InvoiceHandlers exposes corporate invoice generation and lifecycle endpoints.
type InvoiceHandlers struct {
	invoices     services.InvoiceService
	batchEnabled bool
}

// NewInvoiceHandlers constructs handlers over the invoice service. Batch
// generation stays behind a flag because it fans out writes across every
// billing-activated account.
func NewInvoiceHandlers(invoices services.InvoiceService, batchEnabled bool) *InvoiceHandlers {
	return &InvoiceHandlers{invoices: invoices, batchEnabled: batchEnabled}
}

// Routes wires the /invoices endpoints onto the provided router.
func (h *InvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listInvoices)
	r.Get("/{invoiceID}", h.getInvoice)
	r.Post("/generate", h.generate)
	r.Post("/batch", h.generateBatch)
	r.Post("/{invoiceID}/send", h.markSent)
	r.Post("/{invoiceID}/pay", h.markPaid)
	r.Post("/{invoiceID}/cancel", h.cancelInvoice)
}

type invoiceItemPayload struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	OrderDate   string `json:"orderDate"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

type invoicePayload struct {
	ID            string               `json:"id"`
	InvoiceNumber string               `json:"invoiceNumber"`
	AccountID     string               `json:"accountId"`
	CompanyName   string               `json:"companyName,omitempty"`
	BillingMonth  int                  `json:"billingMonth"`
	BillingYear   int                  `json:"billingYear"`
	Status        string               `json:"status"`
	Items         []invoiceItemPayload `json:"items"`
	Subtotal      int64                `json:"subtotal"`
	VATRate       float64              `json:"vatRate"`
	VATAmount     int64                `json:"vatAmount"`
	TotalAmount   int64                `json:"totalAmount"`
	IssuedAt      string               `json:"issuedAt,omitempty"`
	DueAt         string               `json:"dueAt,omitempty"`
	PaidAt        string               `json:"paidAt,omitempty"`
	CreatedAt     string               `json:"createdAt"`
	UpdatedAt     string               `json:"updatedAt"`
}

type invoiceResponse struct {
	Invoice invoicePayload `json:"invoice"`
}

type invoiceListResponse struct {
	Invoices      []invoicePayload `json:"invoices"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

type generateInvoiceRequest struct {
	AccountID string `json:"accountId"`
	Month     int    `json:"month"`
	Year      int    `json:"year"`
}

type generateBatchRequest struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

type batchOutcomePayload struct {
	AccountID string `json:"accountId"`
	InvoiceID string `json:"invoiceId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

type batchResultPayload struct {
	Created []batchOutcomePayload `json:"created"`
	Skipped []batchOutcomePayload `json:"skipped"`
	Failed  []batchOutcomePayload `json:"failed"`
}

type cancelInvoiceRequest struct {
	Reason string `json:"reason"`
}

func (h *InvoiceHandlers) listInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service is unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	accountID := strings.TrimSpace(query.Get("accountId"))
	if accountID == "" {
		if owner, ok := callerOwner(r); ok {
			accountID = owner.AccountID
		}
	}
	if accountID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "accountId is required", http.StatusBadRequest))
		return
	}

	var pager domain.Pagination
	if size := strings.TrimSpace(query.Get("pageSize")); size != "" {
		if parsed, err := strconv.Atoi(size); err == nil {
			pager.PageSize = parsed
		}
	}
	pager.PageToken = strings.TrimSpace(query.Get("pageToken"))

	page, err := h.invoices.ListForAccount(ctx, accountID, pager)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	payloads := make([]invoicePayload, 0, len(page.Items))
	for _, invoice := range page.Items {
		payloads = append(payloads, buildInvoicePayload(invoice))
	}
	writeJSONResponse(w, http.StatusOK, invoiceListResponse{Invoices: payloads, NextPageToken: page.NextPageToken})
}

func (h *InvoiceHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service is unavailable", http.StatusServiceUnavailable))
		return
	}

	invoice, err := h.invoices.GetInvoice(ctx, chi.URLParam(r, "invoiceID"))
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req generateInvoiceRequest
	if !decodeInvoiceBody(ctx, w, r, &req) {
		return
	}

	invoice, err := h.invoices.Generate(ctx, services.GenerateInvoiceCommand{
		AccountID: strings.TrimSpace(req.AccountID),
		Month:     req.Month,
		Year:      req.Year,
	})
	if err != nil {
		// Repeat generation is safe. The caller gets the invoice that already
		// covers the period instead of an error.
		if errors.Is(err, services.ErrInvoiceAlreadyExists) {
			writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
			return
		}
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) generateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service is unavailable", http.StatusServiceUnavailable))
		return
	}
	if !h.batchEnabled {
		httpx.WriteError(ctx, w, httpx.NewError("batch_disabled", "batch invoice generation is disabled", http.StatusForbidden))
		return
	}

	var req generateBatchRequest
	if !decodeInvoiceBody(ctx, w, r, &req) {
		return
	}

	result, err := h.invoices.GenerateBatch(ctx, services.GenerateInvoiceBatchCommand{
		Month: req.Month,
		Year:  req.Year,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, batchResultPayload{
		Created: buildBatchOutcomes(result.Created),
		Skipped: buildBatchOutcomes(result.Skipped),
		Failed:  buildBatchOutcomes(result.Failed),
	})
}

func (h *InvoiceHandlers) markSent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, invoiceID string) (domain.CorporateInvoice, error) {
		return h.invoices.MarkSent(ctx, invoiceID)
	})
}

func (h *InvoiceHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, invoiceID string) (domain.CorporateInvoice, error) {
		return h.invoices.MarkPaid(ctx, invoiceID)
	})
}

func (h *InvoiceHandlers) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cancelInvoiceRequest
	if body, err := readLimitedBody(r, maxInvoiceBodySize); err == nil {
		if err := decodeJSONBody(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	}

	invoice, err := h.invoices.CancelInvoice(ctx, services.CancelInvoiceCommand{
		InvoiceID: chi.URLParam(r, "invoiceID"),
		Reason:    req.Reason,
	})
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (domain.CorporateInvoice, error)) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invoice_service_unavailable", "invoice service is unavailable", http.StatusServiceUnavailable))
		return
	}

	invoice, err := apply(ctx, chi.URLParam(r, "invoiceID"))
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func decodeInvoiceBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxInvoiceBodySize)
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

func buildInvoicePayload(invoice domain.CorporateInvoice) invoicePayload {
	items := make([]invoiceItemPayload, 0, len(invoice.Items))
	for _, item := range invoice.Items {
		items = append(items, invoiceItemPayload{
			OrderID:     item.OrderID,
			OrderNumber: item.OrderNumber,
			OrderDate:   formatTimestamp(item.OrderDate),
			Description: item.Description,
			Amount:      item.Amount,
		})
	}
	return invoicePayload{
		ID:            invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		AccountID:     invoice.AccountID,
		CompanyName:   invoice.CompanyName,
		BillingMonth:  invoice.BillingMonth,
		BillingYear:   invoice.BillingYear,
		Status:        string(invoice.Status),
		Items:         items,
		Subtotal:      invoice.Subtotal,
		VATRate:       invoice.VATRate,
		VATAmount:     invoice.VATAmount,
		TotalAmount:   invoice.TotalAmount,
		IssuedAt:      formatTimestampPtr(invoice.IssuedAt),
		DueAt:         formatTimestampPtr(invoice.DueAt),
		PaidAt:        formatTimestampPtr(invoice.PaidAt),
		CreatedAt:     formatTimestamp(invoice.CreatedAt),
		UpdatedAt:     formatTimestamp(invoice.UpdatedAt),
	}
}

func buildBatchOutcomes(outcomes []services.InvoiceBatchOutcome) []batchOutcomePayload {
	payloads := make([]batchOutcomePayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		payload := batchOutcomePayload{
			AccountID: outcome.AccountID,
			InvoiceID: outcome.InvoiceID,
			Reason:    outcome.Reason,
		}
		if outcome.Err != nil {
			payload.Error = outcome.Err.Error()
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func writeInvoiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvoiceInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvoiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrNoOrdersToInvoice):
		httpx.WriteError(ctx, w, httpx.NewError("no_orders_to_invoice", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInvoiceInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_invoice_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvoiceAlreadyExists):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_already_exists", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invoice_unavailable", "invoice operation failed", http.StatusServiceUnavailable))
	}
}

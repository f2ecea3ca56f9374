package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/camellia-shop/api/internal/domain"
	"github.com/camellia-shop/api/internal/platform/httpx"
	"github.com/camellia-shop/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes the cart endpoints for the calling session or account.
type CartHandlers struct {
	carts services.CartService
}

// NewCartHandlers constructs handlers over the cart service.
func NewCartHandlers(carts services.CartService) *CartHandlers {
	return &CartHandlers{carts: carts}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/lines", h.addLine)
	r.Put("/lines/{productID}", h.setLineQuantity)
	r.Delete("/lines/{productID}", h.removeLine)
}

type cartLinePayload struct {
	ProductID   string `json:"productId"`
	VariantID   string `json:"variantId,omitempty"`
	DisplayName string `json:"displayName"`
	UnitPrice   int64  `json:"unitPrice"`
	Quantity    int    `json:"quantity"`
	ImagePath   string `json:"imagePath,omitempty"`
	AddedAt     string `json:"addedAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

type cartPayload struct {
	ID          string            `json:"id"`
	Currency    string            `json:"currency"`
	Lines       []cartLinePayload `json:"lines"`
	TotalItems  int               `json:"totalItems"`
	TotalAmount int64             `json:"totalAmount"`
	CreatedAt   string            `json:"createdAt,omitempty"`
	UpdatedAt   string            `json:"updatedAt,omitempty"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type addCartLineRequest struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

type setCartLineQuantityRequest struct {
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w, r)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreateCart(ctx, owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) addLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w, r)
	if !ok {
		return
	}

	var req addCartLineRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	cart, err := h.carts.AddLine(ctx, services.AddCartLineCommand{
		Owner:     owner,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) setLineQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w, r)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	var req setCartLineQuantityRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	cart, err := h.carts.SetLineQuantity(ctx, services.SetCartLineQuantityCommand{
		Owner:     owner,
		ProductID: productID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w, r)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	variantID := strings.TrimSpace(r.URL.Query().Get("variantId"))

	cart, err := h.carts.RemoveLine(ctx, services.RemoveCartLineCommand{
		Owner:     owner,
		ProductID: productID,
		VariantID: variantID,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := h.requireOwner(ctx, w, r)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, owner); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) requireOwner(ctx context.Context, w http.ResponseWriter, r *http.Request) (domain.CartOwner, bool) {
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return domain.CartOwner{}, false
	}
	owner, ok := callerOwner(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return domain.CartOwner{}, false
	}
	return owner, true
}

func (h *CartHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxCartBodySize)
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

func buildCartPayload(cart domain.Cart) cartPayload {
	lines := make([]cartLinePayload, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		lines = append(lines, cartLinePayload{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			DisplayName: line.DisplayName,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			ImagePath:   line.ImagePath,
			AddedAt:     formatTimestamp(line.AddedAt),
			UpdatedAt:   formatTimestampPtr(line.UpdatedAt),
		})
	}
	return cartPayload{
		ID:          cart.ID,
		Currency:    cart.Currency,
		Lines:       lines,
		TotalItems:  cart.TotalItems,
		TotalAmount: cart.TotalAmount,
		CreatedAt:   formatTimestamp(cart.CreatedAt),
		UpdatedAt:   formatTimestamp(cart.UpdatedAt),
	}
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrQuantityExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("quantity_exceeded", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", err.Error(), http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart operation failed", http.StatusServiceUnavailable))
	}
}

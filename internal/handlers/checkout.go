package handlers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minestore/api/internal/platform/auth"
	"github.com/minestore/api/internal/platform/httpx"
	"github.com/minestore/api/internal/services"
)

const (
	defaultQuoteRateLimit  = 60
	defaultQuoteRateWindow = time.Minute
)

// CheckoutHandlers exposes quoting and order placement.
type CheckoutHandlers struct {
	pricing     services.PricingEngine
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency wraps order creation with an Idempotency-Key middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// WithQuoteRateLimit caps anonymous quote requests per client IP. A zero limit disables it.
func WithQuoteRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs the checkout handlers.
func NewCheckoutHandlers(pricing services.PricingEngine, orders services.OrderService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		pricing: pricing,
		orders:  orders,
		limiter: newSimpleRateLimiter(defaultQuoteRateLimit, defaultQuoteRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// PublicRoutes registers the unauthenticated quote endpoint under /public.
func (h *CheckoutHandlers) PublicRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout/quote", h.quote)
}

// Routes registers order placement under /checkout. Customer auth is applied by the router group.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	group.Post("/orders", h.createOrder)
}

type quoteItemRequest struct {
	PackageID string `json:"packageId"`
	Quantity  int    `json:"quantity"`
}

type quoteRequest struct {
	Items        []quoteItemRequest `json:"items"`
	DiscountCode string             `json:"discountCode"`
}

type billingRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Country string `json:"country"`
}

type createOrderRequest struct {
	Items        []quoteItemRequest `json:"items"`
	DiscountCode string             `json:"discountCode"`
	Provider     string             `json:"provider"`
	Billing      billingRequest     `json:"billing"`
}

type paymentSessionPayload struct {
	Provider     string `json:"provider"`
	ID           string `json:"id,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

type createOrderResponse struct {
	Order   orderPayload           `json:"order"`
	Payment *paymentSessionPayload `json:"payment,omitempty"`
}

func toQuoteItems(items []quoteItemRequest) []services.QuoteItem {
	out := make([]services.QuoteItem, 0, len(items))
	for _, item := range items {
		out = append(out, services.QuoteItem{PackageID: item.PackageID, Quantity: item.Quantity})
	}
	return out
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many quote requests", http.StatusTooManyRequests))
		return
	}

	var req quoteRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	quote, err := h.pricing.Quote(ctx, services.QuoteCommand{
		Items:        toQuoteItems(req.Items),
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildQuotePayload(quote))
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	customer, ok := auth.CustomerFromContext(ctx)
	if !ok || strings.TrimSpace(customer.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req createOrderRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	email := req.Billing.Email
	if strings.TrimSpace(email) == "" {
		email = customer.Email
	}

	created, err := h.orders.CreatePending(ctx, services.CreateOrderCommand{
		UserID:       customer.UID,
		Items:        toQuoteItems(req.Items),
		DiscountCode: req.DiscountCode,
		Provider:     req.Provider,
		Billing: services.BillingContact{
			Name:    req.Billing.Name,
			Email:   email,
			Country: req.Billing.Country,
		},
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := createOrderResponse{Order: buildOrderPayload(created.Order)}
	if created.Payment != nil {
		resp.Payment = &paymentSessionPayload{
			Provider:     created.Payment.Provider,
			ID:           created.Payment.ID,
			ClientSecret: created.Payment.ClientSecret,
			RedirectURL:  created.Payment.RedirectURL,
			Error:        created.Payment.Error,
		}
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

// clientKey relies on middleware.RealIP having rewritten RemoteAddr.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

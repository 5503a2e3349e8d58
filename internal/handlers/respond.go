package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/minestore/api/internal/payments"
	"github.com/minestore/api/internal/platform/httpx"
	"github.com/minestore/api/internal/platform/pagination"
	"github.com/minestore/api/internal/services"
)

const defaultMaxBody int64 = 64 * 1024

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func chooseNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// decodeRequest decodes a JSON body and writes the 4xx response itself on failure.
func decodeRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, defaultMaxBody, dst); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be a single valid JSON object", http.StatusBadRequest))
		return false
	}
	return true
}

// writeServiceError maps service sentinels onto the HTTP error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPricingUnknownPackage):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_package", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPricingDiscountNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("discount_not_found", "discount code not found", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPricingDiscountInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("discount_invalid", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPricingInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrWorkItemInvalidInput),
		errors.Is(err, services.ErrEventInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrWorkItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("work_item_not_found", "work item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrWorkItemClaimMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("claim_mismatch", "claim token does not hold a live lease on this item", http.StatusConflict))
	case errors.Is(err, services.ErrWorkItemInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("work_item_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "payment provider not supported", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNumberExhausted),
		errors.Is(err, services.ErrPersistence),
		errors.Is(err, services.ErrWebhookVerifierUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "storage temporarily unavailable; retry", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func parsePage(ctx context.Context, w http.ResponseWriter, r *http.Request) (pagination.Params, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: 50, MaxPageSize: 200})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_pagination", err.Error(), http.StatusBadRequest))
		return pagination.Params{}, false
	}
	return params, true
}

package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minestore/api/internal/payments"
	"github.com/minestore/api/internal/platform/httpx"
	"github.com/minestore/api/internal/services"
)

const maxWebhookBodySize int64 = 1 << 20

// WebhookHandlers receives payment gateway deliveries.
type WebhookHandlers struct {
	webhooks services.WebhookService
	clock    func() time.Time
	maxBody  int64
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookMaxBody caps the accepted delivery size.
func WithWebhookMaxBody(limit int64) WebhookOption {
	return func(h *WebhookHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// NewWebhookHandlers constructs the webhook endpoint handlers.
func NewWebhookHandlers(webhooks services.WebhookService, clock func() time.Time, opts ...WebhookOption) *WebhookHandlers {
	if clock == nil {
		clock = time.Now
	}
	h := &WebhookHandlers{webhooks: webhooks, clock: clock, maxBody: maxWebhookBodySize}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /payments/{provider} under /webhooks.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.receive)
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
	EventID  string `json:"eventId,omitempty"`
}

func (h *WebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook ingestion unavailable", http.StatusServiceUnavailable))
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))

	// Signatures cover the exact bytes, so the body is never decoded here.
	body, err := httpx.ReadBody(r, h.maxBody)
	if err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read webhook body", http.StatusBadRequest))
		return
	}

	result, err := h.webhooks.Ingest(ctx, services.WebhookCommand{
		Provider:   provider,
		Headers:    r.Header.Clone(),
		Body:       body,
		ReceivedAt: h.clock().UTC(),
	})
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		return
	case errors.Is(err, payments.ErrMalformedPayload):
		// only raised before verification; verified but unreadable deliveries come back as results
		httpx.WriteError(ctx, w, httpx.NewError("malformed_payload", "webhook payload could not be parsed", http.StatusBadRequest))
		return
	default:
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received: true,
		Result:   string(result.Result),
		EventID:  result.EventID,
	})
}

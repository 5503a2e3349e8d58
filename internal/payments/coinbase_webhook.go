package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

const coinbaseSignatureHeader = "X-CC-Webhook-Signature"

// CoinbaseAdapter verifies Coinbase Commerce shared-secret signatures and normalises charge
// events.
type CoinbaseAdapter struct {
	secret []byte
}

var _ WebhookAdapter = (*CoinbaseAdapter)(nil)

// NewCoinbaseAdapter builds the adapter with the shared webhook secret.
func NewCoinbaseAdapter(secret string) (*CoinbaseAdapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("coinbase: webhook secret is required")
	}
	return &CoinbaseAdapter{secret: []byte(secret)}, nil
}

// Provider implements WebhookAdapter.
func (a *CoinbaseAdapter) Provider() string { return ProviderCoinbase }

type coinbaseDelivery struct {
	Event struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
		Data      struct {
			ID       string            `json:"id"`
			Code     string            `json:"code"`
			Metadata map[string]string `json:"metadata"`
			Timeline []struct {
				Status  string `json:"status"`
				Context string `json:"context"`
			} `json:"timeline"`
		} `json:"data"`
	} `json:"event"`
}

// Normalize implements WebhookAdapter.
func (a *CoinbaseAdapter) Normalize(_ context.Context, req WebhookRequest) (domain.NormalizedEvent, error) {
	signature, err := hex.DecodeString(strings.TrimSpace(req.Headers.Get(coinbaseSignatureHeader)))
	if err != nil || len(signature) == 0 {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: missing or malformed signature header", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(req.Body)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return domain.NormalizedEvent{}, ErrInvalidSignature
	}

	var delivery coinbaseDelivery
	if err := json.Unmarshal(req.Body, &delivery); err != nil {
		id, eventType := peekIdentity(req.Body, "event")
		return unparseable(ProviderCoinbase, id, eventType, err)
	}
	event := delivery.Event
	if event.ID == "" || event.Type == "" {
		return unparseable(ProviderCoinbase, event.ID, event.Type, errors.New("missing event id or type"))
	}

	normalized := domain.NormalizedEvent{
		Provider:             ProviderCoinbase,
		ProviderEventID:      event.ID,
		EventType:            event.Type,
		OccurredAt:           occurredAt(event.CreatedAt, req.ReceivedAt),
		GatewayTransactionID: firstNonEmpty(event.Data.Code, event.Data.ID),
		Diagnostics:          &domain.GatewayDiagnostics{Provider: ProviderCoinbase, EventType: event.Type, PaymentMethod: "crypto"},
	}
	switch event.Type {
	case "charge:confirmed":
		normalized.Outcome = domain.PaymentOutcomeSuccess
		normalized.OrderID = event.Data.Metadata[MetadataOrderID]
	case "charge:failed":
		normalized.Outcome = domain.PaymentOutcomeFailure
		normalized.OrderID = event.Data.Metadata[MetadataOrderID]
		normalized.FailureReason = "charge failed"
		if n := len(event.Data.Timeline); n > 0 && event.Data.Timeline[n-1].Context != "" {
			normalized.FailureReason = "charge failed: " + strings.ToLower(event.Data.Timeline[n-1].Context)
		}
	default:
		return unrecognized(normalized)
	}
	return normalized, nil
}

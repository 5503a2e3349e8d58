package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

// Provider names as they appear in webhook URLs and stored events.
const (
	ProviderStripe   = "stripe"
	ProviderPayPal   = "paypal"
	ProviderCoinbase = "coinbase"
	// ProviderInternal marks synthetic events raised by the API itself, such as cancellations.
	ProviderInternal = "internal"
)

var (
	// ErrUnrecognizedEvent marks a verified delivery whose type carries no order outcome.
	ErrUnrecognizedEvent = errors.New("payments: unrecognized event type")
	// ErrInvalidSignature marks a delivery that failed authenticity verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedPayload marks a delivery rejected before verification could run.
	ErrMalformedPayload = errors.New("payments: malformed webhook payload")
	// ErrUnparseableEvent marks a verified delivery whose content cannot be mapped. The returned
	// event carries whatever identity could be read; redelivery would never parse either.
	ErrUnparseableEvent = errors.New("payments: unparseable webhook event")
)

// WebhookRequest is the raw delivery as received over HTTP.
type WebhookRequest struct {
	Headers    http.Header
	Body       []byte
	ReceivedAt time.Time
}

// WebhookAdapter verifies a gateway delivery and translates it into a NormalizedEvent.
//
// For ErrUnrecognizedEvent the returned event still carries Provider, ProviderEventID, and
// EventType so the delivery can be recorded.
type WebhookAdapter interface {
	Provider() string
	Normalize(ctx context.Context, req WebhookRequest) (domain.NormalizedEvent, error)
}

func unrecognized(event domain.NormalizedEvent) (domain.NormalizedEvent, error) {
	event.Outcome = domain.PaymentOutcomeUnknown
	event.OrderID = ""
	return event, ErrUnrecognizedEvent
}

func unparseable(provider, eventID, eventType string, cause error) (domain.NormalizedEvent, error) {
	return domain.NormalizedEvent{
		Provider:        provider,
		ProviderEventID: strings.TrimSpace(eventID),
		EventType:       strings.TrimSpace(eventType),
		Outcome:         domain.PaymentOutcomeUnparseable,
	}, fmt.Errorf("%w: %v", ErrUnparseableEvent, cause)
}

// DeliveryDigest identifies a delivery by its bytes when no gateway event id can be read.
func DeliveryDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// peekIdentity reads "id" and "type" from a body the typed decode rejected, descending through
// the object keys in path first.
func peekIdentity(body []byte, path ...string) (id, eventType string) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) != nil {
		return "", ""
	}
	for _, key := range path {
		var nested map[string]json.RawMessage
		if json.Unmarshal(fields[key], &nested) != nil {
			return "", ""
		}
		fields = nested
	}
	_ = json.Unmarshal(fields["id"], &id)
	_ = json.Unmarshal(fields["type"], &eventType)
	return id, eventType
}

func occurredAt(t time.Time, fallback time.Time) time.Time {
	if t.IsZero() {
		if fallback.IsZero() {
			return time.Now().UTC()
		}
		return fallback.UTC()
	}
	return t.UTC()
}

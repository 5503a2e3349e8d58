package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/minestore/api/internal/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeAdapter verifies Stripe-Signature headers and normalises payment events.
type StripeAdapter struct {
	secret    string
	tolerance time.Duration
}

var _ WebhookAdapter = (*StripeAdapter)(nil)

// NewStripeAdapter builds the Stripe adapter. A zero tolerance uses the library default.
func NewStripeAdapter(secret string, tolerance time.Duration) (*StripeAdapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeAdapter{secret: secret, tolerance: tolerance}, nil
}

// Provider implements WebhookAdapter.
func (a *StripeAdapter) Provider() string { return ProviderStripe }

// Normalize implements WebhookAdapter.
func (a *StripeAdapter) Normalize(_ context.Context, req WebhookRequest) (domain.NormalizedEvent, error) {
	event, err := webhook.ConstructEventWithOptions(req.Body, req.Headers.Get(stripeSignatureHeader), a.secret,
		webhook.ConstructEventOptions{Tolerance: a.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrTooOld):
			return domain.NormalizedEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			// the signature checked out; only the JSON decode failed
			id, eventType := peekIdentity(req.Body)
			return unparseable(ProviderStripe, id, eventType, err)
		}
	}
	if event.ID == "" || event.Data == nil {
		return unparseable(ProviderStripe, event.ID, string(event.Type), errors.New("missing event id or data"))
	}

	var created time.Time
	if event.Created > 0 {
		created = time.Unix(event.Created, 0)
	}
	normalized := domain.NormalizedEvent{
		Provider:        ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		OccurredAt:      occurredAt(created, req.ReceivedAt),
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return unparseable(ProviderStripe, event.ID, string(event.Type), fmt.Errorf("payment intent: %w", err))
		}
		normalized.OrderID = intent.Metadata[MetadataOrderID]
		normalized.GatewayTransactionID = intent.ID
		normalized.Diagnostics = intentDiagnostics(string(event.Type), &intent)
		if event.Type == "payment_intent.succeeded" {
			normalized.Outcome = domain.PaymentOutcomeSuccess
		} else {
			normalized.Outcome = domain.PaymentOutcomeFailure
			normalized.FailureReason = intentFailureReason(&intent)
		}
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return unparseable(ProviderStripe, event.ID, string(event.Type), fmt.Errorf("checkout session: %w", err))
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// async payment methods confirm later through payment_intent.succeeded
			return unrecognized(normalized)
		}
		normalized.Outcome = domain.PaymentOutcomeSuccess
		normalized.OrderID = session.Metadata[MetadataOrderID]
		if session.PaymentIntent != nil {
			normalized.GatewayTransactionID = session.PaymentIntent.ID
		}
		normalized.Diagnostics = &domain.GatewayDiagnostics{Provider: ProviderStripe, EventType: string(event.Type)}
	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return unparseable(ProviderStripe, event.ID, string(event.Type), fmt.Errorf("dispute: %w", err))
		}
		if dispute.PaymentIntent == nil || dispute.PaymentIntent.ID == "" {
			return unparseable(ProviderStripe, event.ID, string(event.Type), errors.New("dispute without payment intent"))
		}
		normalized.Outcome = domain.PaymentOutcomeDispute
		normalized.GatewayTransactionID = dispute.PaymentIntent.ID
		normalized.FailureReason = "dispute: " + string(dispute.Reason)
		normalized.Diagnostics = &domain.GatewayDiagnostics{Provider: ProviderStripe, EventType: string(event.Type)}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return unparseable(ProviderStripe, event.ID, string(event.Type), fmt.Errorf("charge: %w", err))
		}
		if !charge.Refunded || charge.PaymentIntent == nil {
			// partial refunds leave the order completed
			return unrecognized(normalized)
		}
		normalized.Outcome = domain.PaymentOutcomeDispute
		normalized.OrderID = charge.Metadata[MetadataOrderID]
		normalized.GatewayTransactionID = charge.PaymentIntent.ID
		normalized.FailureReason = "refunded"
		normalized.Diagnostics = chargeDiagnostics(string(event.Type), &charge)
	default:
		return unrecognized(normalized)
	}
	return normalized, nil
}

func intentFailureReason(intent *stripe.PaymentIntent) string {
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		return intent.LastPaymentError.Msg
	}
	if intent.CancellationReason != "" {
		return "canceled: " + string(intent.CancellationReason)
	}
	return string(intent.Status)
}

func intentDiagnostics(eventType string, intent *stripe.PaymentIntent) *domain.GatewayDiagnostics {
	diag := &domain.GatewayDiagnostics{Provider: ProviderStripe, EventType: eventType}
	if len(intent.PaymentMethodTypes) > 0 {
		diag.PaymentMethod = intent.PaymentMethodTypes[0]
	}
	if intent.ApplicationFeeAmount > 0 {
		fee := intent.ApplicationFeeAmount
		diag.FeeAmount = &fee
	}
	if intent.LatestCharge != nil && intent.LatestCharge.Outcome != nil {
		diag.RiskLevel = intent.LatestCharge.Outcome.RiskLevel
	}
	return diag
}

func chargeDiagnostics(eventType string, charge *stripe.Charge) *domain.GatewayDiagnostics {
	diag := &domain.GatewayDiagnostics{Provider: ProviderStripe, EventType: eventType}
	if charge.PaymentMethodDetails != nil {
		diag.PaymentMethod = string(charge.PaymentMethodDetails.Type)
	}
	if charge.Outcome != nil {
		diag.RiskLevel = charge.Outcome.RiskLevel
	}
	return diag
}

package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	domain "github.com/minestore/api/internal/domain"
)

// PayPal transmission headers forwarded to the verification API.
const (
	paypalAuthAlgoHeader         = "PAYPAL-AUTH-ALGO"
	paypalCertURLHeader          = "PAYPAL-CERT-URL"
	paypalTransmissionIDHeader   = "PAYPAL-TRANSMISSION-ID"
	paypalTransmissionSigHeader  = "PAYPAL-TRANSMISSION-SIG"
	paypalTransmissionTimeHeader = "PAYPAL-TRANSMISSION-TIME"
)

// PayPalVerification is the request PayPal expects for webhook signature verification.
type PayPalVerification struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// PayPalVerifier confirms a delivery was sent by PayPal for the configured webhook.
type PayPalVerifier interface {
	Verify(ctx context.Context, req PayPalVerification) (bool, error)
}

// PayPalAPIVerifier calls /v1/notifications/verify-webhook-signature with an OAuth2
// client-credentials token. Tokens are cached by the oauth2 token source until expiry.
type PayPalAPIVerifier struct {
	baseURL string
	client  *http.Client
}

// NewPayPalAPIVerifier builds a verifier against baseURL (live or sandbox). httpClient may be
// nil; when set it is used for both the token and verification calls.
func NewPayPalAPIVerifier(baseURL, clientID, clientSecret string, httpClient *http.Client) (*PayPalAPIVerifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, errors.New("paypal: base url, client id, and secret are required")
	}
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	client := cfg.Client(ctx)
	client.Timeout = 10 * time.Second
	return &PayPalAPIVerifier{baseURL: baseURL, client: client}, nil
}

// Verify implements PayPalVerifier.
func (v *PayPalAPIVerifier) Verify(ctx context.Context, req PayPalVerification) (bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("paypal: encode verification: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("paypal: build verification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("paypal: verify signature: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("paypal: verify signature: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("paypal: decode verification: %w", err)
	}
	return strings.EqualFold(result.VerificationStatus, "SUCCESS"), nil
}

// PayPalAdapter normalises PayPal capture, refund, and dispute notifications.
type PayPalAdapter struct {
	webhookID string
	verifier  PayPalVerifier
}

var _ WebhookAdapter = (*PayPalAdapter)(nil)

// NewPayPalAdapter builds the adapter for the webhook registered under webhookID.
func NewPayPalAdapter(webhookID string, verifier PayPalVerifier) (*PayPalAdapter, error) {
	if strings.TrimSpace(webhookID) == "" {
		return nil, errors.New("paypal: webhook id is required")
	}
	if verifier == nil {
		return nil, errors.New("paypal: verifier is required")
	}
	return &PayPalAdapter{webhookID: strings.TrimSpace(webhookID), verifier: verifier}, nil
}

// Provider implements WebhookAdapter.
func (a *PayPalAdapter) Provider() string { return ProviderPayPal }

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID            string `json:"id"`
	CustomID      string `json:"custom_id"`
	InvoiceID     string `json:"invoice_id"`
	Status        string `json:"status"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	Reason               string `json:"reason"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
		InvoiceNumber       string `json:"invoice_number"`
		Custom              string `json:"custom"`
	} `json:"disputed_transactions"`
	SellerReceivableBreakdown struct {
		PaypalFee struct {
			Value string `json:"value"`
		} `json:"paypal_fee"`
	} `json:"seller_receivable_breakdown"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// captureID returns the capture a refund points at through its "up" link.
func (r paypalResource) captureID() string {
	for _, link := range r.Links {
		if link.Rel == "up" && strings.Contains(link.Href, "/captures/") {
			return link.Href[strings.LastIndex(link.Href, "/")+1:]
		}
	}
	return ""
}

// Normalize implements WebhookAdapter.
func (a *PayPalAdapter) Normalize(ctx context.Context, req WebhookRequest) (domain.NormalizedEvent, error) {
	if !json.Valid(req.Body) {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: body is not json", ErrMalformedPayload)
	}
	verification := PayPalVerification{
		AuthAlgo:         req.Headers.Get(paypalAuthAlgoHeader),
		CertURL:          req.Headers.Get(paypalCertURLHeader),
		TransmissionID:   req.Headers.Get(paypalTransmissionIDHeader),
		TransmissionSig:  req.Headers.Get(paypalTransmissionSigHeader),
		TransmissionTime: req.Headers.Get(paypalTransmissionTimeHeader),
		WebhookID:        a.webhookID,
		WebhookEvent:     json.RawMessage(req.Body),
	}
	if verification.TransmissionID == "" || verification.TransmissionSig == "" {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: missing transmission headers", ErrInvalidSignature)
	}
	ok, err := a.verifier.Verify(ctx, verification)
	if err != nil {
		return domain.NormalizedEvent{}, err
	}
	if !ok {
		return domain.NormalizedEvent{}, ErrInvalidSignature
	}

	var event paypalEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return unparseable(ProviderPayPal, event.ID, event.EventType, err)
	}
	if event.ID == "" || event.EventType == "" {
		return unparseable(ProviderPayPal, event.ID, event.EventType, errors.New("missing event id or type"))
	}
	var resource paypalResource
	if len(event.Resource) > 0 {
		if err := json.Unmarshal(event.Resource, &resource); err != nil {
			return unparseable(ProviderPayPal, event.ID, event.EventType, fmt.Errorf("resource: %w", err))
		}
	}

	normalized := domain.NormalizedEvent{
		Provider:        ProviderPayPal,
		ProviderEventID: event.ID,
		EventType:       event.EventType,
		OccurredAt:      occurredAt(event.CreateTime, req.ReceivedAt),
		Diagnostics:     &domain.GatewayDiagnostics{Provider: ProviderPayPal, EventType: event.EventType, PaymentMethod: "paypal"},
	}
	if fee, err := domain.ParseMinor(resource.SellerReceivableBreakdown.PaypalFee.Value); err == nil {
		normalized.Diagnostics.FeeAmount = &fee
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		normalized.Outcome = domain.PaymentOutcomeSuccess
		normalized.OrderID = firstNonEmpty(resource.CustomID, resource.InvoiceID)
		normalized.GatewayTransactionID = resource.ID
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		normalized.Outcome = domain.PaymentOutcomeFailure
		normalized.OrderID = firstNonEmpty(resource.CustomID, resource.InvoiceID)
		normalized.GatewayTransactionID = resource.ID
		normalized.FailureReason = firstNonEmpty(resource.StatusDetails.Reason, strings.ToLower(resource.Status), "denied")
	case "PAYMENT.CAPTURE.REVERSED":
		normalized.Outcome = domain.PaymentOutcomeDispute
		normalized.OrderID = firstNonEmpty(resource.CustomID, resource.InvoiceID)
		normalized.GatewayTransactionID = resource.ID
		normalized.FailureReason = "reversed"
	case "PAYMENT.CAPTURE.REFUNDED":
		normalized.Outcome = domain.PaymentOutcomeDispute
		normalized.OrderID = firstNonEmpty(resource.CustomID, resource.InvoiceID)
		normalized.GatewayTransactionID = firstNonEmpty(resource.captureID(), resource.ID)
		normalized.FailureReason = "refunded"
	case "CUSTOMER.DISPUTE.CREATED":
		normalized.Outcome = domain.PaymentOutcomeDispute
		normalized.GatewayTransactionID = resource.ID
		if len(resource.DisputedTransactions) > 0 {
			tx := resource.DisputedTransactions[0]
			normalized.GatewayTransactionID = firstNonEmpty(tx.SellerTransactionID, resource.ID)
			normalized.OrderID = firstNonEmpty(tx.Custom, tx.InvoiceNumber)
		}
		normalized.FailureReason = "dispute: " + strings.ToLower(firstNonEmpty(resource.Reason, "unspecified"))
	default:
		return unrecognized(normalized)
	}
	return normalized, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

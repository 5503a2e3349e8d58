package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

const testStripeSecret = "whsec_test_secret"

func signedStripeRequest(t *testing.T, secret, payload string, at time.Time) WebhookRequest {
	t.Helper()
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	headers := http.Header{}
	headers.Set(stripeSignatureHeader, fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return WebhookRequest{Headers: headers, Body: []byte(payload), ReceivedAt: at}
}

func stripeEvent(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1735689600,"data":{"object":%s}}`, id, eventType, object)
}

func TestStripeAdapterNormalize(t *testing.T) {
	adapter, err := NewStripeAdapter(testStripeSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewStripeAdapter: %v", err)
	}

	tests := []struct {
		name    string
		payload string
		want    domain.NormalizedEvent
		wantErr error
	}{
		{
			name:    "payment intent succeeded",
			payload: stripeEvent("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","status":"succeeded","metadata":{"order_id":"ord_1"},"payment_method_types":["card"]}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_1", OrderID: "ord_1", Outcome: domain.PaymentOutcomeSuccess, GatewayTransactionID: "pi_1"},
		},
		{
			name:    "payment failed carries reason",
			payload: stripeEvent("evt_2", "payment_intent.payment_failed", `{"id":"pi_2","object":"payment_intent","metadata":{"order_id":"ord_2"},"last_payment_error":{"message":"Your card was declined."}}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_2", OrderID: "ord_2", Outcome: domain.PaymentOutcomeFailure, GatewayTransactionID: "pi_2", FailureReason: "Your card was declined."},
		},
		{
			name:    "canceled intent",
			payload: stripeEvent("evt_3", "payment_intent.canceled", `{"id":"pi_3","object":"payment_intent","metadata":{"order_id":"ord_3"},"cancellation_reason":"abandoned"}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_3", OrderID: "ord_3", Outcome: domain.PaymentOutcomeFailure, GatewayTransactionID: "pi_3", FailureReason: "canceled: abandoned"},
		},
		{
			name:    "paid checkout session",
			payload: stripeEvent("evt_4", "checkout.session.completed", `{"id":"cs_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_4","metadata":{"order_id":"ord_4"}}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_4", OrderID: "ord_4", Outcome: domain.PaymentOutcomeSuccess, GatewayTransactionID: "pi_4"},
		},
		{
			name:    "unpaid checkout session is unrecognized",
			payload: stripeEvent("evt_5", "checkout.session.completed", `{"id":"cs_2","object":"checkout.session","payment_status":"unpaid","metadata":{"order_id":"ord_5"}}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_5", Outcome: domain.PaymentOutcomeUnknown},
			wantErr: ErrUnrecognizedEvent,
		},
		{
			name:    "dispute resolves by payment intent",
			payload: stripeEvent("evt_6", "charge.dispute.created", `{"id":"dp_1","object":"dispute","payment_intent":"pi_1","reason":"fraudulent"}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_6", Outcome: domain.PaymentOutcomeDispute, GatewayTransactionID: "pi_1", FailureReason: "dispute: fraudulent"},
		},
		{
			name:    "full refund",
			payload: stripeEvent("evt_7", "charge.refunded", `{"id":"ch_1","object":"charge","refunded":true,"payment_intent":"pi_1"}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_7", Outcome: domain.PaymentOutcomeDispute, GatewayTransactionID: "pi_1", FailureReason: "refunded"},
		},
		{
			name:    "partial refund is unrecognized",
			payload: stripeEvent("evt_8", "charge.refunded", `{"id":"ch_2","object":"charge","refunded":false,"payment_intent":"pi_1"}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_8", Outcome: domain.PaymentOutcomeUnknown},
			wantErr: ErrUnrecognizedEvent,
		},
		{
			name:    "irrelevant type",
			payload: stripeEvent("evt_9", "customer.created", `{"id":"cus_1","object":"customer"}`),
			want:    domain.NormalizedEvent{ProviderEventID: "evt_9", Outcome: domain.PaymentOutcomeUnknown},
			wantErr: ErrUnrecognizedEvent,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := adapter.Normalize(context.Background(), signedStripeRequest(t, testStripeSecret, tc.payload, time.Now()))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got.Provider != ProviderStripe || got.ProviderEventID != tc.want.ProviderEventID {
				t.Fatalf("unexpected identity %s/%s", got.Provider, got.ProviderEventID)
			}
			if got.Outcome != tc.want.Outcome || got.OrderID != tc.want.OrderID {
				t.Fatalf("outcome/order = %s/%s, want %s/%s", got.Outcome, got.OrderID, tc.want.Outcome, tc.want.OrderID)
			}
			if tc.wantErr == nil && (got.GatewayTransactionID != tc.want.GatewayTransactionID || got.FailureReason != tc.want.FailureReason) {
				t.Fatalf("txn/reason = %q/%q, want %q/%q", got.GatewayTransactionID, got.FailureReason, tc.want.GatewayTransactionID, tc.want.FailureReason)
			}
			if !got.OccurredAt.Equal(time.Unix(1735689600, 0)) {
				t.Fatalf("expected event created time, got %s", got.OccurredAt)
			}
		})
	}
}

func TestStripeAdapterRejectsBadSignatures(t *testing.T) {
	adapter, _ := NewStripeAdapter(testStripeSecret, time.Minute)
	payload := stripeEvent("evt_1", "payment_intent.succeeded", `{"id":"pi_1"}`)

	wrongSecret := signedStripeRequest(t, "whsec_other", payload, time.Now())
	if _, err := adapter.Normalize(context.Background(), wrongSecret); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}

	stale := signedStripeRequest(t, testStripeSecret, payload, time.Now().Add(-time.Hour))
	if _, err := adapter.Normalize(context.Background(), stale); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}

	unsigned := WebhookRequest{Headers: http.Header{}, Body: []byte(payload)}
	if _, err := adapter.Normalize(context.Background(), unsigned); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature without header, got %v", err)
	}
}

func TestStripeAdapterUnparseableVerifiedPayload(t *testing.T) {
	adapter, _ := NewStripeAdapter(testStripeSecret, time.Minute)

	tests := []struct {
		name     string
		payload  string
		wantID   string
		wantType string
	}{
		{name: "truncated json", payload: `{"id":"evt_1","type":`},
		{
			name:     "dispute without payment intent",
			payload:  stripeEvent("evt_10", "charge.dispute.created", `{"id":"dp_2","object":"dispute","reason":"fraudulent"}`),
			wantID:   "evt_10",
			wantType: "charge.dispute.created",
		},
		{
			name:     "object of the wrong shape",
			payload:  stripeEvent("evt_11", "payment_intent.succeeded", `{"id":"pi_1","metadata":"not-a-map"}`),
			wantID:   "evt_11",
			wantType: "payment_intent.succeeded",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := adapter.Normalize(context.Background(), signedStripeRequest(t, testStripeSecret, tc.payload, time.Now()))
			if !errors.Is(err, ErrUnparseableEvent) || errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrUnparseableEvent, got %v", err)
			}
			if got.Provider != ProviderStripe || got.ProviderEventID != tc.wantID || got.EventType != tc.wantType {
				t.Fatalf("unexpected identity %+v", got)
			}
			if got.Outcome != domain.PaymentOutcomeUnparseable || got.OrderID != "" {
				t.Fatalf("unparseable events carry no outcome, got %+v", got)
			}
		})
	}
}

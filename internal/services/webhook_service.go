package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/payments"
	pstorage "github.com/minestore/api/internal/platform/storage"
)

// ErrWebhookVerifierUnavailable is returned when a gateway verification call could not complete.
var ErrWebhookVerifierUnavailable = errors.New("webhook: signature verification unavailable")

// WebhookAdapterRegistry resolves adapters by provider name. payments.Registry satisfies it.
type WebhookAdapterRegistry interface {
	Adapter(provider string) (payments.WebhookAdapter, error)
}

// PayloadArchiver persists verbatim deliveries. pstorage.Archiver satisfies it.
type PayloadArchiver interface {
	Archive(ctx context.Context, record pstorage.ArchiveRecord) (string, error)
}

// WebhookServiceDeps bundles collaborators for webhook ingestion.
type WebhookServiceDeps struct {
	Adapters    WebhookAdapterRegistry
	Coordinator LifecycleCoordinator
	Archiver    PayloadArchiver
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	adapters    WebhookAdapterRegistry
	coordinator LifecycleCoordinator
	archiver    PayloadArchiver
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ WebhookService = (*webhookService)(nil)

// NewWebhookService constructs the ingestion pipeline: adapter, coordinator, then archive.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Adapters == nil {
		return nil, errors.New("webhook service: adapter registry is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("webhook service: lifecycle coordinator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &webhookService{
		adapters:    deps.Adapters,
		coordinator: deps.Coordinator,
		archiver:    deps.Archiver,
		clock:       func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

func (s *webhookService) Ingest(ctx context.Context, cmd WebhookCommand) (HandleResult, error) {
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return HandleResult{}, err
	}
	receivedAt := cmd.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock()
	}

	event, err := adapter.Normalize(ctx, payments.WebhookRequest{
		Headers:    http.Header(cmd.Headers),
		Body:       cmd.Body,
		ReceivedAt: receivedAt,
	})
	fields := map[string]any{"provider": provider}
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrUnrecognizedEvent):
		fields["eventType"] = event.EventType
		s.logger(ctx, "webhook.event.unrecognized", fields)
		event = recordable(event, provider, cmd.Body)
	case errors.Is(err, payments.ErrUnparseableEvent):
		// Verified but unreadable: recorded and acknowledged so the gateway stops redelivering.
		fields["eventType"] = event.EventType
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.payload.unparseable", fields)
		event = recordable(event, provider, cmd.Body)
		event.Outcome = domain.PaymentOutcomeUnparseable
	case errors.Is(err, payments.ErrInvalidSignature):
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.signature.invalid", fields)
		return HandleResult{}, err
	case errors.Is(err, payments.ErrMalformedPayload):
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.payload.malformed", fields)
		return HandleResult{}, err
	default:
		fields["error"] = err.Error()
		s.logger(ctx, "webhook.verification.unavailable", fields)
		return HandleResult{}, fmt.Errorf("%w: %v", ErrWebhookVerifierUnavailable, err)
	}

	result, err := s.coordinator.Handle(ctx, event, RawEvent{
		Payload:        cmd.Body,
		SignatureValid: true,
		ReceivedAt:     receivedAt,
	})
	if err != nil {
		return HandleResult{}, err
	}
	if result.Result != domain.PaymentEventDuplicate {
		s.archive(ctx, provider, event.ProviderEventID, receivedAt, cmd.Body)
	}
	return result, nil
}

// recordable fills in the identity needed for the event log row. Deliveries without a readable
// event id are keyed by their body digest, so redelivery of the same bytes is a duplicate.
func recordable(event domain.NormalizedEvent, provider string, body []byte) domain.NormalizedEvent {
	if strings.TrimSpace(event.Provider) == "" {
		event.Provider = provider
	}
	if strings.TrimSpace(event.ProviderEventID) == "" {
		event.ProviderEventID = payments.DeliveryDigest(body)
	}
	event.OrderID = ""
	return event
}

func (s *webhookService) archive(ctx context.Context, provider, eventID string, receivedAt time.Time, body []byte) {
	if s.archiver == nil {
		return
	}
	object, err := s.archiver.Archive(ctx, pstorage.ArchiveRecord{
		Provider:   provider,
		EventID:    eventID,
		ReceivedAt: receivedAt,
		Payload:    body,
	})
	if err != nil {
		s.logger(ctx, "webhook.archive.failed", map[string]any{
			"provider": provider,
			"event":    eventID,
			"error":    err.Error(),
		})
		return
	}
	s.logger(ctx, "webhook.archived", map[string]any{"provider": provider, "object": object})
}

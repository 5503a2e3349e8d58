package domain

import "time"

// PaymentOutcome classifies a gateway notification independent of provider vocabulary.
type PaymentOutcome string

const (
	// PaymentOutcomeSuccess confirms funds were captured.
	PaymentOutcomeSuccess PaymentOutcome = "success"
	// PaymentOutcomeFailure reports a declined or aborted payment.
	PaymentOutcomeFailure PaymentOutcome = "failure"
	// PaymentOutcomeDispute reports a chargeback, dispute, or reversal of captured funds.
	PaymentOutcomeDispute PaymentOutcome = "dispute"
	// PaymentOutcomeCancel is raised internally when an order is abandoned.
	PaymentOutcomeCancel PaymentOutcome = "cancel"
	// PaymentOutcomeUnknown marks gateway events that carry no order outcome.
	PaymentOutcomeUnknown PaymentOutcome = "unknown"
	// PaymentOutcomeUnparseable marks verified deliveries whose content could not be read.
	PaymentOutcomeUnparseable PaymentOutcome = "unparseable"
)

// NormalizedEvent is the provider-agnostic shape adapters hand to the lifecycle coordinator.
type NormalizedEvent struct {
	Provider             string
	ProviderEventID      string
	EventType            string
	OrderID              string
	Outcome              PaymentOutcome
	GatewayTransactionID string
	FailureReason        string
	Diagnostics          *GatewayDiagnostics
	OccurredAt           time.Time
}

// PaymentEventResult records what the coordinator did with an inbound event.
type PaymentEventResult string

const (
	// PaymentEventApplied means the order transitioned as a result of the event.
	PaymentEventApplied PaymentEventResult = "applied"
	// PaymentEventDuplicate means the event had already been recorded; nothing changed.
	PaymentEventDuplicate PaymentEventResult = "duplicate"
	// PaymentEventOrphaned means no order matched the event.
	PaymentEventOrphaned PaymentEventResult = "orphaned"
	// PaymentEventIgnoredStale means the order was already past the state the event targets.
	PaymentEventIgnoredStale PaymentEventResult = "ignored-stale"
	// PaymentEventIgnoredUnrecognized means the event type carries no order outcome.
	PaymentEventIgnoredUnrecognized PaymentEventResult = "ignored-unrecognized"
	// PaymentEventIgnoredMalformed means the verified delivery could not be parsed into an event.
	PaymentEventIgnoredMalformed PaymentEventResult = "ignored-malformed"
	// PaymentEventProcessing is the provisional result written before the order is evaluated.
	PaymentEventProcessing PaymentEventResult = "processing"
)

// PaymentEvent is the append-only audit record of a gateway delivery. (Provider,
// ProviderEventID) is unique.
type PaymentEvent struct {
	ID              string
	Provider        string
	ProviderEventID string
	EventType       string
	OrderID         string
	Outcome         PaymentOutcome
	Result          PaymentEventResult
	RawPayload      []byte
	SignatureValid  bool
	ReceivedAt      time.Time
}

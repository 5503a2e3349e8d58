package services

import (
	"context"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

// Domain aliases keep handler and service signatures short.
type (
	Order          = domain.Order
	OrderItem      = domain.OrderItem
	PaymentEvent   = domain.PaymentEvent
	WorkItem       = domain.WorkItem
	StorePackage   = domain.StorePackage
	DiscountCode   = domain.DiscountCode
	AuditEntry     = domain.AdminAuditEntry
	BillingContact = domain.BillingContact
)

// PricingEngine computes line totals, discounts, and order totals against the live catalog.
type PricingEngine interface {
	Quote(ctx context.Context, cmd QuoteCommand) (Quote, error)
}

// OrderService owns order creation and the read paths storefront and support tooling use.
type OrderService interface {
	CreatePending(ctx context.Context, cmd CreateOrderCommand) (CreatedOrder, error)
	Get(ctx context.Context, orderID string) (Order, error)
	GetForUser(ctx context.Context, userID, orderID string) (Order, error)
	ListEvents(ctx context.Context, orderID string) ([]PaymentEvent, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// LifecycleCoordinator is the single writer of order status.
type LifecycleCoordinator interface {
	Handle(ctx context.Context, event domain.NormalizedEvent, raw RawEvent) (HandleResult, error)
	// RequeueFulfillment queues the commands a completed order skipped for want of a linked account.
	RequeueFulfillment(ctx context.Context, cmd RequeueCommand) (RequeueResult, error)
}

// FulfillmentGenerator expands a completed order into game-server commands.
type FulfillmentGenerator interface {
	Generate(ctx context.Context, order Order, items []OrderItem) (GenerateResult, error)
}

// FulfillmentQueueService is the executor and operator boundary over queued commands.
type FulfillmentQueueService interface {
	Claim(ctx context.Context, cmd ClaimCommand) ([]WorkItem, error)
	ReportSuccess(ctx context.Context, cmd ReportCommand) (WorkItem, error)
	ReportFailure(ctx context.Context, cmd ReportCommand) (WorkItem, error)
	Retry(ctx context.Context, cmd RetryCommand) (WorkItem, error)
	ListFailed(ctx context.Context, filter WorkItemListFilter) (domain.CursorPage[WorkItem], error)
	ListByOrder(ctx context.Context, orderID string) ([]WorkItem, error)
	ReleaseExpiredClaims(ctx context.Context, now time.Time) (int, error)
}

// WebhookService verifies, normalises, and applies a gateway delivery.
type WebhookService interface {
	Ingest(ctx context.Context, cmd WebhookCommand) (HandleResult, error)
}

// MaintenanceService runs the periodic sweeps that keep orders and leases from stalling.
type MaintenanceService interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// AuditLogService records operator actions.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	ListByTarget(ctx context.Context, targetType, targetID string) ([]AuditEntry, error)
}

// SystemService exposes health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher emits order lifecycle events to downstream consumers. The returned string is
// the broker-assigned message id.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// OrderEvent is the payload published after every committed status change.
type OrderEvent struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	UserID      string    `json:"userId"`
	Status      string    `json:"status"`
	Currency    string    `json:"currency"`
	Total       int64     `json:"total"`
	Version     int       `json:"version"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// OrderViewProjector maintains the storefront read model. Optional.
type OrderViewProjector interface {
	Project(ctx context.Context, view domain.OrderView) error
}

// QuoteItem is a requested package and quantity.
type QuoteItem struct {
	PackageID string `json:"packageId"`
	Quantity  int    `json:"quantity"`
}

// QuoteCommand is the pricing input.
type QuoteCommand struct {
	Items        []QuoteItem
	DiscountCode string
}

// QuoteLine is a priced line after duplicate packages are merged.
type QuoteLine struct {
	PackageID       string
	Name            string
	CommandTemplate string
	Quantity        int
	UnitPrice       int64
	Total           int64
}

// AppliedDiscount describes the discount that contributed to a quote.
type AppliedDiscount struct {
	Code   string
	Type   domain.DiscountType
	Value  int64
	Amount int64
}

// Quote is the pricing result.
type Quote struct {
	Currency       string
	Lines          []QuoteLine
	Subtotal       int64
	DiscountAmount int64
	Total          int64
	Discount       *AppliedDiscount
}

// CreateOrderCommand creates a pending order for an authenticated customer.
type CreateOrderCommand struct {
	UserID         string
	Items          []QuoteItem
	DiscountCode   string
	Provider       string
	Billing        BillingContact
	IdempotencyKey string
}

// PaymentSession is the gateway session started for a new order. Error is set instead of
// failing the order when the gateway could not be reached.
type PaymentSession struct {
	Provider     string
	ID           string
	ClientSecret string
	RedirectURL  string
	Error        string
}

// CreatedOrder bundles the persisted order with its payment session.
type CreatedOrder struct {
	Order   Order
	Payment *PaymentSession
}

// CancelOrderCommand abandons a pending order.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	ActorID string
	Reason  string
}

// RawEvent carries the verbatim delivery recorded in the payment event log.
type RawEvent struct {
	Payload        []byte
	SignatureValid bool
	ReceivedAt     time.Time
}

// HandleResult reports what the coordinator did with an event.
type HandleResult struct {
	Result     domain.PaymentEventResult
	EventID    string
	Order      *Order
	WorkItems  int
	Transition string
}

// RequeueCommand asks for fulfillment of an order flagged unresolved_identity.
type RequeueCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// RequeueResult reports the order after its flag cleared and how many items were queued.
type RequeueResult struct {
	Order     Order
	WorkItems int
}

// GenerateResult is the expansion of a completed order.
type GenerateResult struct {
	Items []WorkItem
	Flag  *domain.OrderFlag
}

// ClaimCommand leases pending work to an executor.
type ClaimCommand struct {
	ExecutorID string
	Limit      int
	Lease      time.Duration
}

// ReportCommand reports the outcome of a leased work item.
type ReportCommand struct {
	ItemID     string
	ClaimToken string
	Error      string
}

// RetryCommand resets a failed work item on behalf of an operator.
type RetryCommand struct {
	ItemID  string
	ActorID string
	Reason  string
}

// WorkItemListFilter pages through work items.
type WorkItemListFilter struct {
	Pagination domain.Pagination
}

// WebhookCommand is an inbound gateway delivery.
type WebhookCommand struct {
	Provider   string
	Headers    map[string][]string
	Body       []byte
	ReceivedAt time.Time
}

// SweepReport summarises one maintenance pass.
type SweepReport struct {
	ExpiredOrders   int
	ReleasedClaims  int
	StartedAt       time.Time
	DurationMillis  int64
	FailedSubsweeps []string
}

// AuditLogRecord is an operator action to persist.
type AuditLogRecord struct {
	Actor      domain.Actor
	Action     string
	TargetType string
	TargetID   string
	Reason     string
	Details    map[string]string
	OccurredAt time.Time
}

// SystemHealthReport is the readiness payload.
type SystemHealthReport = domain.SystemHealthReport

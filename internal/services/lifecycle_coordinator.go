package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

const (
	paymentEventIDPrefix  = "pev_"
	maxFailureReasonRunes = 500

	auditActionFulfillmentRequeue = "order.fulfillment_requeue"
	auditTargetOrder              = "order"
)

// errDuplicateEvent aborts the transaction after the idempotency insert conflicts. Postgres
// rejects further statements once a constraint fails, so the redelivery is answered outside it.
var errDuplicateEvent = errors.New("payment event: already recorded")

// allowedTransitions lists every permitted order status change. Anything absent is stale.
var allowedTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusCompleted, domain.OrderStatusFailed, domain.OrderStatusCancelled},
	domain.OrderStatusCompleted: {domain.OrderStatusRefunded},
}

var outcomeTargets = map[domain.PaymentOutcome]domain.OrderStatus{
	domain.PaymentOutcomeSuccess: domain.OrderStatusCompleted,
	domain.PaymentOutcomeFailure: domain.OrderStatusFailed,
	domain.PaymentOutcomeDispute: domain.OrderStatusRefunded,
	domain.PaymentOutcomeCancel:  domain.OrderStatusCancelled,
}

// LifecycleCoordinatorDeps bundles collaborators required by the coordinator.
type LifecycleCoordinatorDeps struct {
	Orders        repositories.OrderRepository
	PaymentEvents repositories.PaymentEventRepository
	WorkItems     repositories.WorkItemRepository
	Generator     FulfillmentGenerator
	UnitOfWork    repositories.UnitOfWork
	Clock         func() time.Time
	IDGenerator   func() string
	Events        OrderEventPublisher
	Views         OrderViewProjector
	Audit         AuditLogService
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type lifecycleCoordinator struct {
	orders     repositories.OrderRepository
	events     repositories.PaymentEventRepository
	workItems  repositories.WorkItemRepository
	generator  FulfillmentGenerator
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	publisher  OrderEventPublisher
	views      OrderViewProjector
	audit      AuditLogService
	logger     func(context.Context, string, map[string]any)
	policy     *bluemonday.Policy
}

var _ LifecycleCoordinator = (*lifecycleCoordinator)(nil)

// NewLifecycleCoordinator wires the single writer of order status.
func NewLifecycleCoordinator(deps LifecycleCoordinatorDeps) (LifecycleCoordinator, error) {
	if deps.Orders == nil {
		return nil, errors.New("lifecycle coordinator: order repository is required")
	}
	if deps.PaymentEvents == nil {
		return nil, errors.New("lifecycle coordinator: payment event repository is required")
	}
	if deps.WorkItems == nil {
		return nil, errors.New("lifecycle coordinator: work item repository is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("lifecycle coordinator: fulfillment generator is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &lifecycleCoordinator{
		orders:     deps.Orders,
		events:     deps.PaymentEvents,
		workItems:  deps.WorkItems,
		generator:  deps.Generator,
		unitOfWork: unit,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		publisher:  deps.Events,
		views:      deps.Views,
		audit:      deps.Audit,
		logger:     logger,
		policy:     bluemonday.StrictPolicy(),
	}, nil
}

func (c *lifecycleCoordinator) Handle(ctx context.Context, event domain.NormalizedEvent, raw RawEvent) (HandleResult, error) {
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.Provider == "" || event.ProviderEventID == "" {
		return HandleResult{}, fmt.Errorf("%w: provider and provider event id are required", ErrEventInvalid)
	}

	now := c.clock()
	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	record := domain.PaymentEvent{
		ID:              paymentEventIDPrefix + c.newID(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		OrderID:         strings.TrimSpace(event.OrderID),
		Outcome:         event.Outcome,
		Result:          domain.PaymentEventProcessing,
		RawPayload:      raw.Payload,
		SignatureValid:  raw.SignatureValid,
		ReceivedAt:      receivedAt.UTC(),
	}

	var result HandleResult
	err := c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		result, err = c.apply(txCtx, event, record, now)
		return err
	})

	fields := map[string]any{
		"provider":        event.Provider,
		"providerEventId": event.ProviderEventID,
		"eventType":       event.EventType,
		"outcome":         string(event.Outcome),
	}
	switch {
	case errors.Is(err, errDuplicateEvent):
		c.logger(ctx, "payment.event.duplicate", fields)
		return HandleResult{Result: domain.PaymentEventDuplicate}, nil
	case err != nil:
		fields["error"] = err.Error()
		c.logger(ctx, "payment.event.failed", fields)
		return HandleResult{}, persistenceError("coordinator.handle", err)
	}

	fields["result"] = string(result.Result)
	if result.Order != nil {
		fields["orderId"] = result.Order.ID
	}
	if result.Transition != "" {
		fields["transition"] = result.Transition
		fields["workItems"] = result.WorkItems
	}
	c.logger(ctx, "payment.event.handled", fields)

	if result.Result == domain.PaymentEventApplied && result.Order != nil {
		c.afterCommit(ctx, *result.Order, result.WorkItems)
	}
	return result, nil
}

func (c *lifecycleCoordinator) apply(ctx context.Context, event domain.NormalizedEvent, record domain.PaymentEvent, now time.Time) (HandleResult, error) {
	result := HandleResult{EventID: record.ID}

	if err := c.events.Insert(ctx, record); err != nil {
		if isConflict(err) {
			return HandleResult{}, errDuplicateEvent
		}
		return HandleResult{}, err
	}

	if event.Outcome == domain.PaymentOutcomeUnparseable {
		result.Result = domain.PaymentEventIgnoredMalformed
		return result, c.events.SetResult(ctx, record.ID, "", result.Result)
	}
	target, known := outcomeTargets[event.Outcome]
	if !known {
		result.Result = domain.PaymentEventIgnoredUnrecognized
		return result, c.events.SetResult(ctx, record.ID, record.OrderID, result.Result)
	}

	order, err := c.lockOrder(ctx, event, record.OrderID)
	if err != nil {
		if isNotFound(err) {
			result.Result = domain.PaymentEventOrphaned
			return result, c.events.SetResult(ctx, record.ID, record.OrderID, result.Result)
		}
		return HandleResult{}, err
	}

	if !transitionAllowed(order.Status, target) {
		result.Result = domain.PaymentEventIgnoredStale
		result.Order = &order
		return result, c.events.SetResult(ctx, record.ID, order.ID, result.Result)
	}

	update := repositories.OrderStatusUpdate{
		OrderID:              order.ID,
		From:                 order.Status,
		To:                   target,
		GatewayTransactionID: chooseFirstNonEmpty(event.GatewayTransactionID, order.GatewayTransactionID),
		UpdatedAt:            now,
	}
	// Internal cancellations must not overwrite the gateway the customer chose.
	if event.Provider != providerInternal {
		update.Provider = event.Provider
	}
	if target != domain.OrderStatusCompleted {
		update.FailureReason = c.sanitizeReason(event.FailureReason)
	}
	if event.Diagnostics != nil {
		update.Diagnostics = domain.OrderDiagnostics{Gateway: event.Diagnostics, Opaque: order.Diagnostics.Opaque}
	}

	var items []domain.WorkItem
	if target == domain.OrderStatusCompleted {
		completedAt := now
		update.CompletedAt = &completedAt
		generated, err := c.generator.Generate(ctx, order, order.Items)
		if err != nil {
			return HandleResult{}, err
		}
		items = generated.Items
		if generated.Flag != nil && !order.HasFlag(generated.Flag.Code) {
			update.AddFlags = append(update.AddFlags, *generated.Flag)
		}
	}

	updated, err := c.orders.UpdateStatus(ctx, update)
	if err != nil {
		return HandleResult{}, err
	}
	if len(items) > 0 {
		if err := c.workItems.InsertBatch(ctx, items); err != nil {
			return HandleResult{}, err
		}
	}
	// The row was inserted as processing to claim the event id; it is finalized before commit so
	// readers only ever see the terminal result.
	if err := c.events.SetResult(ctx, record.ID, order.ID, domain.PaymentEventApplied); err != nil {
		return HandleResult{}, err
	}

	result.Result = domain.PaymentEventApplied
	result.Order = &updated
	result.WorkItems = len(items)
	result.Transition = string(order.Status) + "->" + string(target)
	return result, nil
}

// RequeueFulfillment regenerates work for a completed order once its purchaser has linked an
// account. Generation, insert and flag removal share one transaction.
func (c *lifecycleCoordinator) RequeueFulfillment(ctx context.Context, cmd RequeueCommand) (RequeueResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	actorID := strings.TrimSpace(cmd.ActorID)
	if orderID == "" || actorID == "" {
		return RequeueResult{}, fmt.Errorf("%w: order id and actor are required", ErrOrderInvalidInput)
	}

	now := c.clock()
	var result RequeueResult
	err := c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := c.orders.LockForTransition(txCtx, repositories.OrderLookup{OrderID: orderID})
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusCompleted || !order.HasFlag(domain.OrderFlagUnresolvedIdentity) {
			return fmt.Errorf("%w: %s order has no fulfillment to requeue", ErrOrderInvalidState, order.Status)
		}
		generated, err := c.generator.Generate(txCtx, order, order.Items)
		if err != nil {
			return err
		}
		if generated.Flag != nil {
			return fmt.Errorf("%w: purchaser still has no linked game account", ErrOrderInvalidState)
		}
		if err := c.workItems.InsertBatch(txCtx, generated.Items); err != nil {
			return err
		}
		updated, err := c.orders.ClearFlag(txCtx, order.ID, domain.OrderFlagUnresolvedIdentity, now)
		if err != nil {
			return err
		}
		result = RequeueResult{Order: updated, WorkItems: len(generated.Items)}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrOrderInvalidState):
		return RequeueResult{}, err
	case isNotFound(err):
		return RequeueResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	case isConflict(err):
		// work_items_unit_key rejects units that are already queued.
		return RequeueResult{}, fmt.Errorf("%w: fulfillment already queued", ErrOrderInvalidState)
	default:
		return RequeueResult{}, persistenceError("coordinator.requeue", err)
	}

	if c.audit != nil {
		c.audit.Record(ctx, AuditLogRecord{
			Actor:      domain.Actor{ID: actorID, Type: domain.ActorTypeOperator},
			Action:     auditActionFulfillmentRequeue,
			TargetType: auditTargetOrder,
			TargetID:   result.Order.ID,
			Reason:     cmd.Reason,
			Details:    map[string]string{"workItems": strconv.Itoa(result.WorkItems)},
			OccurredAt: now,
		})
	}
	c.logger(ctx, "fulfillment.requeued", map[string]any{
		"order":     result.Order.ID,
		"actor":     actorID,
		"workItems": result.WorkItems,
	})
	if c.views != nil {
		if err := c.views.Project(ctx, domain.ViewOf(result.Order, result.WorkItems)); err != nil {
			c.logger(ctx, "order.view.project.failed", map[string]any{
				"order": result.Order.ID,
				"error": err.Error(),
			})
		}
	}
	return result, nil
}

// lockOrder resolves the order an event targets. Disputes go by the gateway transaction recorded
// at completion, since gateways echo back references that need not be our order id.
func (c *lifecycleCoordinator) lockOrder(ctx context.Context, event domain.NormalizedEvent, orderID string) (domain.Order, error) {
	byTransaction := repositories.OrderLookup{
		Provider:             event.Provider,
		GatewayTransactionID: strings.TrimSpace(event.GatewayTransactionID),
	}
	byID := repositories.OrderLookup{OrderID: orderID}

	first, fallback := byID, byTransaction
	if event.Outcome == domain.PaymentOutcomeDispute {
		first, fallback = byTransaction, byID
	}
	if first.OrderID == "" && first.GatewayTransactionID == "" {
		first, fallback = fallback, repositories.OrderLookup{}
	}

	order, err := c.orders.LockForTransition(ctx, first)
	if err == nil || !isNotFound(err) {
		return order, err
	}
	if fallback.OrderID == "" && fallback.GatewayTransactionID == "" {
		return domain.Order{}, err
	}
	return c.orders.LockForTransition(ctx, fallback)
}

func (c *lifecycleCoordinator) afterCommit(ctx context.Context, order domain.Order, queued int) {
	if c.publisher != nil {
		event := OrderEvent{
			Type:        "order." + string(order.Status),
			OrderID:     order.ID,
			OrderNumber: order.Number,
			UserID:      order.UserID,
			Status:      string(order.Status),
			Currency:    order.Currency,
			Total:       order.Total,
			Version:     order.Version,
			OccurredAt:  order.UpdatedAt,
		}
		if _, err := c.publisher.PublishOrderEvent(ctx, event); err != nil {
			c.logger(ctx, "order.event.publish.failed", map[string]any{
				"type":  event.Type,
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}

	if c.views == nil {
		return
	}
	if queued == 0 && order.Status != domain.OrderStatusCompleted {
		items, err := c.workItems.ListByOrder(ctx, order.ID)
		if err == nil {
			queued = len(items)
		}
	}
	if err := c.views.Project(ctx, domain.ViewOf(order, queued)); err != nil {
		c.logger(ctx, "order.view.project.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

func (c *lifecycleCoordinator) sanitizeReason(reason string) string {
	return truncateRunes(strings.TrimSpace(c.policy.Sanitize(reason)), maxFailureReasonRunes)
}

func transitionAllowed(from, to domain.OrderStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

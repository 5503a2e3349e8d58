package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/payments"
	"github.com/minestore/api/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	orderItemIDPrefix   = "oit_"
	maxOrderNumberTries = 5
	defaultExpiryBatch  = 100
	providerInternal    = payments.ProviderInternal
)

// errOrderNumberTaken rolls back an attempt whose generated number collided.
var errOrderNumberTaken = errors.New("order: number already taken")

var checkoutProviders = map[string]bool{
	payments.ProviderStripe:   true,
	payments.ProviderPayPal:   true,
	payments.ProviderCoinbase: true,
}

// PaymentSessionStarter starts gateway payments for new orders. payments.Manager satisfies it.
type PaymentSessionStarter interface {
	Supports(provider string) bool
	CreatePayment(ctx context.Context, provider string, req payments.PaymentRequest) (payments.PaymentSession, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	PaymentEvents   repositories.PaymentEventRepository
	Catalog         repositories.CatalogRepository
	Pricing         PricingEngine
	Coordinator     LifecycleCoordinator
	Payments        PaymentSessionStarter
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	IDGenerator     func() string
	RandSource      io.Reader
	Events          OrderEventPublisher
	Views           OrderViewProjector
	DefaultProvider string
	ExpiryBatch     int
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	events          repositories.PaymentEventRepository
	catalog         repositories.CatalogRepository
	pricing         PricingEngine
	coordinator     LifecycleCoordinator
	payments        PaymentSessionStarter
	unitOfWork      repositories.UnitOfWork
	clock           func() time.Time
	newID           func() string
	random          io.Reader
	publisher       OrderEventPublisher
	views           OrderViewProjector
	defaultProvider string
	expiryBatch     int
	logger          func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.PaymentEvents == nil {
		return nil, errors.New("order service: payment event repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("order service: lifecycle coordinator is required")
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
	defaultProvider := strings.ToLower(strings.TrimSpace(deps.DefaultProvider))
	if defaultProvider == "" {
		defaultProvider = payments.ProviderStripe
	}
	batch := deps.ExpiryBatch
	if batch <= 0 {
		batch = defaultExpiryBatch
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &orderService{
		orders:          deps.Orders,
		events:          deps.PaymentEvents,
		catalog:         deps.Catalog,
		pricing:         deps.Pricing,
		coordinator:     deps.Coordinator,
		payments:        deps.Payments,
		unitOfWork:      unit,
		clock:           func() time.Time { return clock().UTC() },
		newID:           idGen,
		random:          deps.RandSource,
		publisher:       deps.Events,
		views:           deps.Views,
		defaultProvider: defaultProvider,
		expiryBatch:     batch,
		logger:          logger,
	}, nil
}

func (s *orderService) CreatePending(ctx context.Context, cmd CreateOrderCommand) (CreatedOrder, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CreatedOrder{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if provider == "" {
		provider = s.defaultProvider
	}
	if !checkoutProviders[provider] {
		return CreatedOrder{}, fmt.Errorf("%w: unsupported payment provider %q", ErrOrderInvalidInput, cmd.Provider)
	}

	var order domain.Order
	created := false
	for attempt := 1; attempt <= maxOrderNumberTries; attempt++ {
		err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			var err error
			order, err = s.buildAndInsert(txCtx, userID, provider, cmd)
			return err
		})
		if errors.Is(err, errOrderNumberTaken) {
			s.logger(ctx, "order.number.collision", map[string]any{"attempt": attempt})
			continue
		}
		if err != nil {
			if errors.Is(err, ErrPricing) || errors.Is(err, ErrOrderInvalidInput) {
				return CreatedOrder{}, err
			}
			return CreatedOrder{}, persistenceError("orders.create", err)
		}
		created = true
		break
	}
	if !created {
		return CreatedOrder{}, ErrOrderNumberExhausted
	}

	s.logger(ctx, "order.created", map[string]any{
		"order":    order.ID,
		"number":   order.Number,
		"total":    order.Total,
		"provider": provider,
	})
	s.publish(ctx, order)

	result := CreatedOrder{Order: order}
	if session := s.startPayment(ctx, order, cmd); session != nil {
		result.Payment = session
	}
	return result, nil
}

func (s *orderService) buildAndInsert(ctx context.Context, userID, provider string, cmd CreateOrderCommand) (domain.Order, error) {
	quote, err := s.pricing.Quote(ctx, QuoteCommand{Items: cmd.Items, DiscountCode: cmd.DiscountCode})
	if err != nil {
		return domain.Order{}, err
	}
	now := s.clock()
	if quote.Discount != nil {
		if err := s.catalog.RedeemDiscount(ctx, quote.Discount.Code, now); err != nil {
			if isConflict(err) || isNotFound(err) {
				return domain.Order{}, fmt.Errorf("%w: %s is exhausted", ErrPricingDiscountInvalid, quote.Discount.Code)
			}
			return domain.Order{}, err
		}
	}

	number, err := GenerateOrderNumber(now, s.random)
	if err != nil {
		return domain.Order{}, err
	}
	order := domain.Order{
		ID:             orderIDPrefix + s.newID(),
		UserID:         userID,
		Number:         number,
		Currency:       quote.Currency,
		Subtotal:       quote.Subtotal,
		DiscountAmount: quote.DiscountAmount,
		Total:          quote.Total,
		Status:         domain.OrderStatusPending,
		Provider:       provider,
		Billing: domain.BillingContact{
			Name:    strings.TrimSpace(cmd.Billing.Name),
			Email:   strings.TrimSpace(cmd.Billing.Email),
			Country: strings.ToUpper(strings.TrimSpace(cmd.Billing.Country)),
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if quote.Discount != nil {
		order.DiscountCode = quote.Discount.Code
	}
	for _, line := range quote.Lines {
		order.Items = append(order.Items, domain.OrderItem{
			ID:              orderItemIDPrefix + s.newID(),
			OrderID:         order.ID,
			PackageID:       line.PackageID,
			PackageName:     line.Name,
			CommandTemplate: line.CommandTemplate,
			Quantity:        line.Quantity,
			UnitPrice:       line.UnitPrice,
			Total:           line.Total,
		})
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if isConflict(err) {
			return domain.Order{}, errOrderNumberTaken
		}
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) startPayment(ctx context.Context, order domain.Order, cmd CreateOrderCommand) *PaymentSession {
	if s.payments == nil || !s.payments.Supports(order.Provider) {
		return nil
	}
	session, err := s.payments.CreatePayment(ctx, order.Provider, payments.PaymentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		Amount:         order.Total,
		Currency:       order.Currency,
		CustomerEmail:  order.Billing.Email,
		IdempotencyKey: cmd.IdempotencyKey,
		Metadata:       map[string]string{"user_id": order.UserID},
	})
	if err != nil {
		s.logger(ctx, "order.payment.start.failed", map[string]any{
			"order":    order.ID,
			"provider": order.Provider,
			"error":    err.Error(),
		})
		return &PaymentSession{Provider: order.Provider, Error: "payment session could not be started; retry from the order page"}
	}
	return &PaymentSession{
		Provider:     session.Provider,
		ID:           session.ID,
		ClientSecret: session.ClientSecret,
		RedirectURL:  session.RedirectURL,
	}
}

func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError("orders.find", err)
	}
	return order, nil
}

func (s *orderService) GetForUser(ctx context.Context, userID, orderID string) (Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.UserID != strings.TrimSpace(userID) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListEvents(ctx context.Context, orderID string) ([]PaymentEvent, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, persistenceError("paymentEvents.list", err)
	}
	return events, nil
}

// Cancel abandons a pending order through the coordinator so status has a single writer.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	var (
		order Order
		err   error
	)
	if userID := strings.TrimSpace(cmd.UserID); userID != "" {
		order, err = s.GetForUser(ctx, userID, cmd.OrderID)
	} else {
		order, err = s.Get(ctx, cmd.OrderID)
	}
	if err != nil {
		return Order{}, err
	}
	if order.Status == domain.OrderStatusCancelled {
		return order, nil
	}
	if order.Status.IsTerminal() {
		return Order{}, fmt.Errorf("%w: %s order cannot be cancelled", ErrOrderInvalidState, order.Status)
	}

	reason := chooseFirstNonEmpty(cmd.Reason, "cancelled by customer")
	result, err := s.coordinator.Handle(ctx, cancellationEvent(order.ID, "cancel", reason, s.clock()), RawEvent{
		Payload:        []byte(fmt.Sprintf(`{"orderId":%q,"actor":%q}`, order.ID, chooseFirstNonEmpty(cmd.ActorID, cmd.UserID))),
		SignatureValid: true,
	})
	if err != nil {
		return Order{}, err
	}

	switch result.Result {
	case domain.PaymentEventApplied:
		return *result.Order, nil
	case domain.PaymentEventOrphaned:
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	default:
		current, err := s.Get(ctx, order.ID)
		if err != nil {
			return Order{}, err
		}
		if current.Status == domain.OrderStatusCancelled {
			return current, nil
		}
		return Order{}, fmt.Errorf("%w: %s order cannot be cancelled", ErrOrderInvalidState, current.Status)
	}
}

// ExpireStale cancels pending orders older than the supplied age and returns how many moved.
func (s *orderService) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: expiry age must be positive", ErrOrderInvalidInput)
	}
	now := s.clock()
	stale, err := s.orders.ListPendingBefore(ctx, now.Add(-olderThan), s.expiryBatch)
	if err != nil {
		return 0, persistenceError("orders.listPending", err)
	}

	expired := 0
	var errs []error
	for _, order := range stale {
		result, err := s.coordinator.Handle(ctx, cancellationEvent(order.ID, "expire", "payment window expired", now), RawEvent{
			Payload:        []byte(fmt.Sprintf(`{"orderId":%q,"createdAt":%q}`, order.ID, order.CreatedAt.Format(time.RFC3339))),
			SignatureValid: true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", order.ID, err))
			continue
		}
		if result.Result == domain.PaymentEventApplied {
			expired++
		}
	}
	if expired > 0 {
		s.logger(ctx, "order.pending.expired", map[string]any{"count": expired})
	}
	return expired, errors.Join(errs...)
}

func (s *orderService) publish(ctx context.Context, order domain.Order) {
	if s.publisher != nil {
		if _, err := s.publisher.PublishOrderEvent(ctx, OrderEvent{
			Type:        "order.created",
			OrderID:     order.ID,
			OrderNumber: order.Number,
			UserID:      order.UserID,
			Status:      string(order.Status),
			Currency:    order.Currency,
			Total:       order.Total,
			Version:     order.Version,
			OccurredAt:  order.CreatedAt,
		}); err != nil {
			s.logger(ctx, "order.event.publish.failed", map[string]any{
				"type":  "order.created",
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}
	if s.views != nil {
		if err := s.views.Project(ctx, domain.ViewOf(order, 0)); err != nil {
			s.logger(ctx, "order.view.project.failed", map[string]any{"order": order.ID, "error": err.Error()})
		}
	}
}

func (s *orderService) mapRepositoryError(op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return persistenceError(op, err)
}

// cancellationEvent builds the synthetic internal event. Its id is derived from the order so
// repeated requests collapse onto the payment event log's uniqueness constraint.
func cancellationEvent(orderID, kind, reason string, now time.Time) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		Provider:        providerInternal,
		ProviderEventID: kind + ":" + orderID,
		EventType:       "order." + kind,
		OrderID:         orderID,
		Outcome:         domain.PaymentOutcomeCancel,
		FailureReason:   reason,
		OccurredAt:      now,
	}
}

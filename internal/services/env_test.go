package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	domain "github.com/minestore/api/internal/domain"
)

var testNow = time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store       *memStore
	pricing     PricingEngine
	generator   FulfillmentGenerator
	coordinator LifecycleCoordinator
	orders      OrderService
	queue       FulfillmentQueueService
	audit       AuditLogService
	publisher   *stubPublisher
	views       *stubProjector
	logs        *captureLogger
	now         time.Time
}

func (e *testEnv) clock() time.Time { return e.now }

// newTestEnv seeds package pkg_p (10.00, sale 8.00) and discount SAVE10 (10%), and links user_1
// to the game account Steve.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newMemStore(),
		publisher: &stubPublisher{},
		views:     &stubProjector{},
		logs:      &captureLogger{},
		now:       testNow,
	}
	sale := int64(800)
	env.store.packages["pkg_p"] = domain.StorePackage{
		ID:              "pkg_p",
		Name:            "Diamond Kit",
		Price:           1000,
		SalePrice:       &sale,
		CommandTemplate: "give {username} diamond {quantity}",
		Active:          true,
	}
	env.store.packages["pkg_rank"] = domain.StorePackage{
		ID:              "pkg_rank",
		Name:            "VIP",
		Price:           2500,
		CommandTemplate: "lp user %player% parent add vip",
		Active:          true,
	}
	env.store.packages["pkg_cosmetic"] = domain.StorePackage{ID: "pkg_cosmetic", Name: "Badge", Price: 100, Active: true}
	env.store.packages["pkg_retired"] = domain.StorePackage{ID: "pkg_retired", Name: "Old", Price: 100, Active: false}
	env.store.discounts["SAVE10"] = domain.DiscountCode{Code: "SAVE10", Type: domain.DiscountTypePercentage, Value: 10, Active: true}
	env.store.players["user_1"] = "Steve"

	var err error
	env.pricing, err = NewPricingEngine(PricingEngineDeps{Catalog: env.store, Currency: "usd", Clock: env.clock})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	env.generator, err = NewFulfillmentGenerator(FulfillmentGeneratorDeps{
		Players:     env.store,
		Clock:       env.clock,
		IDGenerator: sequentialIDs("W"),
	})
	if err != nil {
		t.Fatalf("NewFulfillmentGenerator: %v", err)
	}
	env.audit, err = NewAuditLogService(AuditLogServiceDeps{Repository: env.store, Clock: env.clock})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}
	env.coordinator, err = NewLifecycleCoordinator(LifecycleCoordinatorDeps{
		Orders:        env.store.Orders(),
		PaymentEvents: env.store.Events(),
		WorkItems:     env.store.WorkItems(),
		Generator:     env.generator,
		UnitOfWork:    env.store,
		Clock:         env.clock,
		IDGenerator:   sequentialIDs("E"),
		Events:        env.publisher,
		Views:         env.views,
		Audit:         env.audit,
		Logger:        env.logs.log,
	})
	if err != nil {
		t.Fatalf("NewLifecycleCoordinator: %v", err)
	}
	env.orders, err = NewOrderService(OrderServiceDeps{
		Orders:        env.store.Orders(),
		PaymentEvents: env.store.Events(),
		Catalog:       env.store,
		Pricing:       env.pricing,
		Coordinator:   env.coordinator,
		UnitOfWork:    env.store,
		Clock:         env.clock,
		IDGenerator:   sequentialIDs("O"),
		Events:        env.publisher,
		Logger:        env.logs.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	env.queue, err = NewFulfillmentQueueService(FulfillmentQueueServiceDeps{
		WorkItems:      env.store.WorkItems(),
		Audit:          env.audit,
		Clock:          env.clock,
		TokenGenerator: sequentialIDs("tok-"),
		DefaultLease:   time.Minute,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentQueueService: %v", err)
	}
	return env
}

// createOrder places the worked-example order: 2 x pkg_p with SAVE10.
func (e *testEnv) createOrder(t *testing.T) Order {
	t.Helper()
	created, err := e.orders.CreatePending(context.Background(), CreateOrderCommand{
		UserID:       "user_1",
		Items:        []QuoteItem{{PackageID: "pkg_p", Quantity: 2}},
		DiscountCode: "save10",
		Provider:     "stripe",
		Billing:      BillingContact{Name: "Alex", Email: "alex@example.com", Country: "us"},
	})
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	return created.Order
}

func successEvent(orderID, eventID, txn string) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		Provider:             "stripe",
		ProviderEventID:      eventID,
		EventType:            "payment_intent.succeeded",
		OrderID:              orderID,
		Outcome:              domain.PaymentOutcomeSuccess,
		GatewayTransactionID: txn,
		Diagnostics:          &domain.GatewayDiagnostics{Provider: "stripe", EventType: "payment_intent.succeeded", PaymentMethod: "card"},
		OccurredAt:           testNow,
	}
}

func repeatReader(b byte) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 4096))
}

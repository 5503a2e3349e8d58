//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/postgres/pgtest"
	"github.com/minestore/api/internal/repositories"
	pgrepo "github.com/minestore/api/internal/repositories/postgres"
)

type classified interface {
	IsNotFound() bool
	IsConflict() bool
}

func isConflict(err error) bool {
	var c classified
	return errors.As(err, &c) && c.IsConflict()
}

func isNotFound(err error) bool {
	var c classified
	return errors.As(err, &c) && c.IsNotFound()
}

func seedOrder(t *testing.T, reg *pgrepo.Registry, id, number string, now time.Time) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:       id,
		UserID:   "user-1",
		Number:   number,
		Currency: "USD",
		Subtotal: 1600,
		Total:    1600,
		Status:   domain.OrderStatusPending,
		Provider: "stripe",
		Billing:  domain.BillingContact{Name: "Alex", Email: "alex@example.com", Country: "US"},
		Items: []domain.OrderItem{{
			ID: id + "_item", PackageID: "pkg_vip", PackageName: "VIP", CommandTemplate: "give {username} diamond",
			Quantity: 2, UnitPrice: 800, Total: 1600,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := reg.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return order
}

func TestCatalogRedeemDiscount(t *testing.T) {
	reg, err := pgrepo.NewRegistry(pgtest.Start(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	salePrice := domain.Money(800)
	if err := reg.CatalogWriter().UpsertPackage(ctx, domain.StorePackage{
		ID: "pkg_vip", Name: "VIP", Price: 1000, SalePrice: &salePrice, CommandTemplate: "rank {username} vip", Active: true,
	}); err != nil {
		t.Fatalf("UpsertPackage: %v", err)
	}
	maxUses := 1
	if err := reg.CatalogWriter().UpsertDiscount(ctx, domain.DiscountCode{
		Code: "save10", Type: domain.DiscountTypePercentage, Value: 10, Active: true, MaxUses: &maxUses,
	}); err != nil {
		t.Fatalf("UpsertDiscount: %v", err)
	}

	packages, err := reg.Catalog().FindPackages(ctx, []string{"pkg_vip", "pkg_missing"})
	if err != nil {
		t.Fatalf("FindPackages: %v", err)
	}
	if len(packages) != 1 || packages[0].EffectivePrice() != 800 {
		t.Fatalf("unexpected packages %+v", packages)
	}

	discount, err := reg.Catalog().FindDiscount(ctx, " Save10 ")
	if err != nil {
		t.Fatalf("FindDiscount: %v", err)
	}
	if discount.Code != "SAVE10" || !discount.ValidAt(now) {
		t.Fatalf("unexpected discount %+v", discount)
	}
	if _, err := reg.Catalog().FindDiscount(ctx, "NOPE"); !isNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := reg.Catalog().RedeemDiscount(ctx, "SAVE10", now); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := reg.Catalog().RedeemDiscount(ctx, "SAVE10", now); !isConflict(err) {
		t.Fatalf("expected exhausted discount conflict, got %v", err)
	}
}

func TestOrderNumberUniqueAndTransitions(t *testing.T) {
	reg, err := pgrepo.NewRegistry(pgtest.Start(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	order := seedOrder(t, reg, "ord_1", "ORD-12345678-ABC123", now)

	dup := order
	dup.ID = "ord_2"
	dup.Items = nil
	if err := reg.Orders().Insert(ctx, dup); !isConflict(err) {
		t.Fatalf("expected duplicate number conflict, got %v", err)
	}

	loaded, err := reg.Orders().FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if len(loaded.Items) != 1 || loaded.Billing.Email != "alex@example.com" || loaded.Version != 1 {
		t.Fatalf("unexpected order %+v", loaded)
	}

	completedAt := now.Add(time.Minute)
	err = reg.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := reg.Orders().LockForTransition(ctx, repositories.OrderLookup{OrderID: "ord_1"})
		if err != nil {
			return err
		}
		_, err = reg.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
			OrderID:              locked.ID,
			From:                 domain.OrderStatusPending,
			To:                   domain.OrderStatusCompleted,
			GatewayTransactionID: "pi_123",
			AddFlags:             []domain.OrderFlag{{Code: domain.OrderFlagUnresolvedIdentity, RaisedAt: completedAt}},
			UpdatedAt:            completedAt,
			CompletedAt:          &completedAt,
		})
		return err
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, err = reg.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID: "ord_1", From: domain.OrderStatusPending, To: domain.OrderStatusFailed, UpdatedAt: completedAt,
	})
	if !isConflict(err) {
		t.Fatalf("expected compare-and-set conflict, got %v", err)
	}

	err = reg.RunInTx(ctx, func(ctx context.Context) error {
		byTx, err := reg.Orders().LockForTransition(ctx, repositories.OrderLookup{Provider: "stripe", GatewayTransactionID: "pi_123"})
		if err != nil {
			return err
		}
		if byTx.ID != "ord_1" || byTx.Status != domain.OrderStatusCompleted || !byTx.HasFlag(domain.OrderFlagUnresolvedIdentity) {
			t.Errorf("unexpected order by transaction %+v", byTx)
		}
		if byTx.Version != 2 {
			t.Errorf("expected version 2, got %d", byTx.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup by transaction: %v", err)
	}
}

func TestPaymentEventUniqueness(t *testing.T) {
	reg, err := pgrepo.NewRegistry(pgtest.Start(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	seedOrder(t, reg, "ord_1", "ORD-1", now)

	event := domain.PaymentEvent{
		ID: "pev_1", Provider: "stripe", ProviderEventID: "evt_1", EventType: "payment_intent.succeeded",
		Outcome: domain.PaymentOutcomeSuccess, Result: domain.PaymentEventProcessing, RawPayload: []byte(`{}`),
		SignatureValid: true, ReceivedAt: now,
	}
	if err := reg.PaymentEvents().Insert(ctx, event); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	again := event
	again.ID = "pev_2"
	if err := reg.PaymentEvents().Insert(ctx, again); !isConflict(err) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}
	if err := reg.PaymentEvents().SetResult(ctx, "pev_1", "ord_1", domain.PaymentEventApplied); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	events, err := reg.PaymentEvents().ListByOrder(ctx, "ord_1")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(events) != 1 || events[0].Result != domain.PaymentEventApplied {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestWorkItemQueueLifecycle(t *testing.T) {
	reg, err := pgrepo.NewRegistry(pgtest.Start(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	order := seedOrder(t, reg, "ord_1", "ORD-1", now)

	var items []domain.WorkItem
	for unit := 1; unit <= 4; unit++ {
		items = append(items, domain.WorkItem{
			ID: "cmd_" + string(rune('0'+unit)), OrderID: order.ID, OrderItemID: order.Items[0].ID, PackageID: "pkg_vip",
			Unit: unit, Username: "steve", Command: "give steve diamond", Status: domain.WorkItemPending,
			MaxAttempts: 2, CreatedAt: now.Add(time.Duration(unit) * time.Second), UpdatedAt: now,
		})
	}
	if err := reg.WorkItems().InsertBatch(ctx, items); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := reg.WorkItems().InsertBatch(ctx, items[:1]); !isConflict(err) {
		t.Fatalf("expected duplicate unit conflict, got %v", err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for _, executor := range []string{"exec-a", "exec-b"} {
		wg.Add(1)
		go func(executor string) {
			defer wg.Done()
			got, err := reg.WorkItems().Claim(ctx, repositories.WorkItemClaim{
				ExecutorID: executor, Token: "tok-" + executor, Limit: 2, Now: now, LeaseUntil: now.Add(time.Minute),
			})
			if err != nil {
				t.Errorf("Claim(%s): %v", executor, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, item := range got {
				if prev, ok := claimed[item.ID]; ok {
					t.Errorf("item %s claimed by %s and %s", item.ID, prev, executor)
				}
				claimed[item.ID] = item.ClaimToken
			}
		}(executor)
	}
	wg.Wait()
	if len(claimed) != 4 {
		t.Fatalf("expected all 4 items claimed exactly once, got %d", len(claimed))
	}

	first := "cmd_1"
	if _, err := reg.WorkItems().Complete(ctx, first, "wrong-token", now); !isConflict(err) {
		t.Fatalf("expected token mismatch conflict, got %v", err)
	}
	done, err := reg.WorkItems().Complete(ctx, first, claimed[first], now)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != domain.WorkItemCompleted || done.ExecutedAt == nil {
		t.Fatalf("unexpected completed item %+v", done)
	}

	second := "cmd_2"
	failed, err := reg.WorkItems().RecordFailure(ctx, repositories.WorkItemFailure{
		ItemID: second, Token: claimed[second], Error: "player offline", Now: now,
	})
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if failed.Status != domain.WorkItemPending || failed.Attempts != 1 || failed.ClaimToken != "" {
		t.Fatalf("expected item back to pending after first failure, got %+v", failed)
	}

	// Remaining leases lapse; each expiry counts as an attempt.
	released, err := reg.WorkItems().ReleaseExpired(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ReleaseExpired: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("expected 2 released items, got %d", len(released))
	}

	relet, err := reg.WorkItems().Claim(ctx, repositories.WorkItemClaim{
		ExecutorID: "exec-a", Token: "tok-2", Limit: 1, Now: now, LeaseUntil: now.Add(time.Minute),
	})
	if err != nil || len(relet) != 1 || relet[0].ID != second {
		t.Fatalf("expected oldest pending item %s to be re-claimed, got %+v (%v)", second, relet, err)
	}
	exhausted, err := reg.WorkItems().RecordFailure(ctx, repositories.WorkItemFailure{
		ItemID: second, Token: "tok-2", Error: "still offline", Now: now.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if exhausted.Status != domain.WorkItemFailed || exhausted.Attempts != exhausted.MaxAttempts {
		t.Fatalf("expected failed at ceiling, got %+v", exhausted)
	}

	page, err := reg.WorkItems().ListByStatus(ctx, domain.WorkItemFailed, domain.Pagination{PageSize: 10})
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != second {
		t.Fatalf("unexpected failed page %+v", page)
	}

	reset, err := reg.WorkItems().Reset(ctx, second, now.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Status != domain.WorkItemPending || reset.Attempts != 0 || reset.LastError != "" {
		t.Fatalf("unexpected reset item %+v", reset)
	}
	if _, err := reg.WorkItems().Reset(ctx, second, now); !isConflict(err) {
		t.Fatalf("expected conflict resetting a pending item, got %v", err)
	}
	if _, err := reg.WorkItems().Reset(ctx, "cmd_missing", now); !isNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlayerDirectoryAndAudit(t *testing.T) {
	reg, err := pgrepo.NewRegistry(pgtest.Start(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	if _, err := reg.Players().ResolveUsername(ctx, "user-1"); !isNotFound(err) {
		t.Fatalf("expected not found for unlinked user, got %v", err)
	}
	if err := reg.PlayerLinker().LinkPlayer(ctx, "user-1", "Steve", now); err != nil {
		t.Fatalf("LinkPlayer: %v", err)
	}
	name, err := reg.Players().ResolveUsername(ctx, "user-1")
	if err != nil || name != "Steve" {
		t.Fatalf("unexpected username %q (%v)", name, err)
	}

	entry := domain.AdminAuditEntry{
		ID: "aud_1", Actor: domain.Actor{ID: "ops@example.com", Type: domain.ActorTypeOperator},
		Action: "work_item.retry", TargetType: "work_item", TargetID: "cmd_1",
		Details: map[string]string{"previousAttempts": "3"}, CreatedAt: now,
	}
	if err := reg.AuditLogs().Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := reg.AuditLogs().ListByTarget(ctx, "work_item", "cmd_1")
	if err != nil {
		t.Fatalf("ListByTarget: %v", err)
	}
	if len(entries) != 1 || entries[0].Details["previousAttempts"] != "3" {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}

package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/minestore/api/internal/domain"
)

func TestRenderCommand(t *testing.T) {
	values := commandValues{username: "Steve", packageName: "VIP", quantity: 3, orderID: "ord_1", orderNumber: "ORD-1-ABC"}
	cases := []struct {
		template string
		want     string
	}{
		{template: "give {username} diamond {quantity}", want: "give Steve diamond 3"},
		{template: "lp user %player% parent add vip", want: "lp user Steve parent add vip"},
		{template: "say {player} bought {package} (%order_number%)", want: "say Steve bought VIP (ORD-1-ABC)"},
		{template: "log {order_id} %quantity%", want: "log ord_1 3"},
		{template: "give {username} {unknown} %other%", want: "give Steve {unknown} %other%"},
		{template: "say {username", want: "say {username"},
	}
	for _, tc := range cases {
		t.Run(tc.template, func(t *testing.T) {
			if got := renderCommand(tc.template, values); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRenderCommandDoesNotReexpandValues(t *testing.T) {
	got := renderCommand("give {username} x", commandValues{username: "{quantity}", quantity: 9})
	if got != "give {quantity} x" {
		t.Fatalf("substituted values must not be expanded again, got %q", got)
	}
}

func TestFulfillmentGenerator_OneItemPerUnit(t *testing.T) {
	env := newTestEnv(t)
	order := domain.Order{ID: "ord_1", Number: "ORD-1", UserID: "user_1"}
	items := []OrderItem{
		{ID: "oit_1", PackageID: "pkg_rank", PackageName: "VIP", Quantity: 3, CommandTemplate: "lp user %player% parent add vip"},
		{ID: "oit_2", PackageID: "pkg_cosmetic", PackageName: "Badge", Quantity: 4},
		{ID: "oit_3", PackageID: "pkg_p", PackageName: "Diamond Kit", Quantity: 1, CommandTemplate: "give {username} diamond {quantity}"},
	}

	result, err := env.generator.Generate(context.Background(), order, items)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Flag != nil {
		t.Fatalf("unexpected flag %#v", result.Flag)
	}
	if len(result.Items) != 4 {
		t.Fatalf("expected 3 + 1 items, got %d", len(result.Items))
	}
	for i, item := range result.Items[:3] {
		if item.OrderItemID != "oit_1" || item.Unit != i+1 || item.Command != "lp user Steve parent add vip" {
			t.Fatalf("unexpected rank item %#v", item)
		}
	}
	last := result.Items[3]
	if last.OrderItemID != "oit_3" || last.Command != "give Steve diamond 1" || last.Username != "Steve" {
		t.Fatalf("unexpected kit item %#v", last)
	}
	seen := map[string]bool{}
	for _, item := range result.Items {
		if seen[item.ID] {
			t.Fatalf("duplicate work item id %s", item.ID)
		}
		seen[item.ID] = true
		if item.Status != domain.WorkItemPending || item.Attempts != 0 || item.MaxAttempts != domain.DefaultMaxAttempts {
			t.Fatalf("unexpected initial state %#v", item)
		}
		if !item.CreatedAt.Equal(testNow) {
			t.Fatalf("expected creation at clock time, got %s", item.CreatedAt)
		}
	}
}

func TestFulfillmentGenerator_NoCommandsSkipsLookup(t *testing.T) {
	env := newTestEnv(t)
	env.store.playerErr = errors.New("directory down")

	result, err := env.generator.Generate(context.Background(), domain.Order{ID: "ord_1", UserID: "user_1"}, []OrderItem{
		{ID: "oit_1", PackageID: "pkg_cosmetic", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Items) != 0 || result.Flag != nil {
		t.Fatalf("expected empty result, got %#v", result)
	}
}

func TestFulfillmentGenerator_PlayerLookupErrors(t *testing.T) {
	items := []OrderItem{{ID: "oit_1", PackageID: "pkg_p", Quantity: 1, CommandTemplate: "give {username} diamond 1"}}

	t.Run("unlinked", func(t *testing.T) {
		env := newTestEnv(t)
		result, err := env.generator.Generate(context.Background(), domain.Order{ID: "ord_1", UserID: "user_2"}, items)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(result.Items) != 0 || result.Flag == nil || result.Flag.Code != domain.OrderFlagUnresolvedIdentity {
			t.Fatalf("expected unresolved identity flag, got %#v", result)
		}
	})

	t.Run("blank username", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.players["user_1"] = "  "
		result, err := env.generator.Generate(context.Background(), domain.Order{ID: "ord_1", UserID: "user_1"}, items)
		if err != nil || result.Flag == nil {
			t.Fatalf("expected flag for blank username, got %v %#v", err, result)
		}
	})

	t.Run("directory failure", func(t *testing.T) {
		env := newTestEnv(t)
		boom := errors.New("directory down")
		env.store.playerErr = boom
		if _, err := env.generator.Generate(context.Background(), domain.Order{ID: "ord_1", UserID: "user_1"}, items); !errors.Is(err, boom) {
			t.Fatalf("expected directory error, got %v", err)
		}
	})
}

func TestNewFulfillmentGeneratorRequiresPlayers(t *testing.T) {
	if _, err := NewFulfillmentGenerator(FulfillmentGeneratorDeps{}); err == nil {
		t.Fatalf("expected error without player directory")
	}
}

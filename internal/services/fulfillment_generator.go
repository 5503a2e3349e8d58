package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

const workItemIDPrefix = "cmd_"

// FulfillmentGeneratorDeps bundles collaborators for the work item generator.
type FulfillmentGeneratorDeps struct {
	Players     repositories.PlayerDirectory
	MaxAttempts int
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentGenerator struct {
	players     repositories.PlayerDirectory
	maxAttempts int
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ FulfillmentGenerator = (*fulfillmentGenerator)(nil)

// NewFulfillmentGenerator constructs the generator that expands order items into commands.
func NewFulfillmentGenerator(deps FulfillmentGeneratorDeps) (FulfillmentGenerator, error) {
	if deps.Players == nil {
		return nil, errors.New("fulfillment generator: player directory is required")
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
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
	return &fulfillmentGenerator{
		players:     deps.Players,
		maxAttempts: maxAttempts,
		clock:       func() time.Time { return clock().UTC() },
		newID:       idGen,
		logger:      logger,
	}, nil
}

// Generate emits one work item per unit of every item with a command template. A purchaser
// without a linked game account yields no items and an unresolved_identity flag instead.
func (g *fulfillmentGenerator) Generate(ctx context.Context, order Order, items []OrderItem) (GenerateResult, error) {
	if !anyCommands(items) {
		return GenerateResult{}, nil
	}

	now := g.clock()
	username, err := g.players.ResolveUsername(ctx, order.UserID)
	if err != nil && !isNotFound(err) {
		return GenerateResult{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		g.logger(ctx, "fulfillment.identity.unresolved", map[string]any{
			"order": order.ID,
			"user":  order.UserID,
		})
		return GenerateResult{Flag: &domain.OrderFlag{
			Code:     domain.OrderFlagUnresolvedIdentity,
			Message:  "purchaser has no linked game account; commands were not queued",
			RaisedAt: now,
		}}, nil
	}

	var result GenerateResult
	for _, item := range items {
		if !item.HasCommands() {
			continue
		}
		template := strings.TrimSpace(item.CommandTemplate)
		command := renderCommand(template, commandValues{
			username:    username,
			packageName: item.PackageName,
			quantity:    item.Quantity,
			orderID:     order.ID,
			orderNumber: order.Number,
		})
		for unit := 1; unit <= item.Quantity; unit++ {
			result.Items = append(result.Items, domain.WorkItem{
				ID:          workItemIDPrefix + g.newID(),
				OrderID:     order.ID,
				OrderItemID: item.ID,
				PackageID:   item.PackageID,
				Unit:        unit,
				Username:    username,
				Command:     command,
				Status:      domain.WorkItemPending,
				MaxAttempts: g.maxAttempts,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
	}
	return result, nil
}

func anyCommands(items []OrderItem) bool {
	for _, item := range items {
		if item.HasCommands() {
			return true
		}
	}
	return false
}

type commandValues struct {
	username    string
	packageName string
	quantity    int
	orderID     string
	orderNumber string
}

// renderCommand substitutes {name} and %name% placeholders. Unknown placeholders stay literal.
func renderCommand(template string, values commandValues) string {
	quantity := strconv.Itoa(values.quantity)
	pairs := []string{}
	for _, entry := range []struct{ key, value string }{
		{"username", values.username},
		{"player", values.username},
		{"package", values.packageName},
		{"quantity", quantity},
		{"order_id", values.orderID},
		{"order_number", values.orderNumber},
	} {
		pairs = append(pairs, "{"+entry.key+"}", entry.value, "%"+entry.key+"%", entry.value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/repositories"
)

// DefaultMaxLineQuantity bounds one cart line when no limit is configured.
const DefaultMaxLineQuantity = 100

type pricingEngine struct {
	catalog     repositories.CatalogRepository
	currency    string
	maxQuantity int
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// PricingEngineDeps bundles constructor inputs for the pricing engine.
type PricingEngineDeps struct {
	Catalog         repositories.CatalogRepository
	Currency        string
	// MaxLineQuantity is the largest quantity accepted for a package after duplicate lines merge.
	MaxLineQuantity int
	Clock           func() time.Time
	Logger          func(context.Context, string, map[string]any)
}

var _ PricingEngine = (*pricingEngine)(nil)

// NewPricingEngine returns an engine that prices against the catalog on every call.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing engine: catalog repository is required")
	}
	currency, err := domain.NormalizeCurrency(chooseFirstNonEmpty(deps.Currency, "USD"))
	if err != nil {
		return nil, fmt.Errorf("pricing engine: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	maxQuantity := deps.MaxLineQuantity
	if maxQuantity <= 0 {
		maxQuantity = DefaultMaxLineQuantity
	}
	return &pricingEngine{
		catalog:     deps.Catalog,
		currency:    currency,
		maxQuantity: min(maxQuantity, math.MaxInt32),
		clock:       func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

func (e *pricingEngine) Quote(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	requested, err := mergeQuoteItems(cmd.Items, e.maxQuantity)
	if err != nil {
		return Quote{}, err
	}

	ids := make([]string, 0, len(requested))
	for _, item := range requested {
		ids = append(ids, item.PackageID)
	}
	found, err := e.catalog.FindPackages(ctx, ids)
	if err != nil {
		return Quote{}, persistenceError("pricing.findPackages", err)
	}
	byID := make(map[string]domain.StorePackage, len(found))
	for _, pkg := range found {
		byID[pkg.ID] = pkg
	}

	quote := Quote{Currency: e.currency, Lines: make([]QuoteLine, 0, len(requested))}
	for _, item := range requested {
		pkg, ok := byID[item.PackageID]
		if !ok || !pkg.Active {
			return Quote{}, fmt.Errorf("%w: %s", ErrPricingUnknownPackage, item.PackageID)
		}
		unit := pkg.EffectivePrice()
		if unit < 0 {
			return Quote{}, fmt.Errorf("%w: package %s has a negative price", ErrPricingInvalidInput, pkg.ID)
		}
		quantity := int64(item.Quantity)
		if unit > 0 && unit > math.MaxInt64/quantity {
			return Quote{}, fmt.Errorf("%w: line %s overflows", ErrPricingInvalidInput, pkg.ID)
		}
		lineTotal := unit * quantity
		if quote.Subtotal > math.MaxInt64-lineTotal {
			return Quote{}, fmt.Errorf("%w: subtotal overflows", ErrPricingInvalidInput)
		}
		quote.Subtotal += lineTotal
		quote.Lines = append(quote.Lines, QuoteLine{
			PackageID:       pkg.ID,
			Name:            pkg.Name,
			CommandTemplate: pkg.CommandTemplate,
			Quantity:        item.Quantity,
			UnitPrice:       unit,
			Total:           lineTotal,
		})
	}

	if code := domain.NormalizeDiscountCode(cmd.DiscountCode); code != "" {
		applied, err := e.applyDiscount(ctx, code, quote.Subtotal)
		if err != nil {
			return Quote{}, err
		}
		quote.Discount = &applied
		quote.DiscountAmount = applied.Amount
	}

	quote.Total = quote.Subtotal - quote.DiscountAmount
	if quote.Total < 0 {
		quote.Total = 0
	}
	return quote, nil
}

func (e *pricingEngine) applyDiscount(ctx context.Context, code string, subtotal int64) (AppliedDiscount, error) {
	discount, err := e.catalog.FindDiscount(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return AppliedDiscount{}, fmt.Errorf("%w: %s", ErrPricingDiscountNotFound, code)
		}
		return AppliedDiscount{}, persistenceError("pricing.findDiscount", err)
	}
	if !discount.ValidAt(e.clock()) || discount.Value < 0 {
		return AppliedDiscount{}, fmt.Errorf("%w: %s", ErrPricingDiscountInvalid, code)
	}

	amount, err := discountAmount(discount, subtotal)
	if err != nil {
		return AppliedDiscount{}, err
	}
	return AppliedDiscount{
		Code:   discount.Code,
		Type:   discount.Type,
		Value:  discount.Value,
		Amount: amount,
	}, nil
}

// discountAmount is always within [0, subtotal].
func discountAmount(discount domain.DiscountCode, subtotal int64) (int64, error) {
	switch discount.Type {
	case domain.DiscountTypePercentage:
		percent := min(discount.Value, 100)
		amount, ok := domain.ApplyRate(subtotal, percent*100)
		if !ok {
			return 0, fmt.Errorf("%w: discount overflows", ErrPricingInvalidInput)
		}
		return min(amount, subtotal), nil
	case domain.DiscountTypeFixed:
		return min(discount.Value, subtotal), nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %q", ErrPricingDiscountInvalid, discount.Code, discount.Type)
	}
}

// mergeQuoteItems sums quantities of repeated packages, keeping first-appearance order. Each
// merged quantity must stay within maxQuantity.
func mergeQuoteItems(items []QuoteItem, maxQuantity int) ([]QuoteItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrPricingInvalidInput)
	}
	merged := make([]QuoteItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.PackageID)
		if id == "" {
			return nil, fmt.Errorf("%w: package id is required", ErrPricingInvalidInput)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", ErrPricingInvalidInput, id)
		}
		if item.Quantity > maxQuantity {
			return nil, fmt.Errorf("%w: quantity for %s exceeds %d", ErrPricingInvalidInput, id, maxQuantity)
		}
		if pos, ok := index[id]; ok {
			if merged[pos].Quantity > maxQuantity-item.Quantity {
				return nil, fmt.Errorf("%w: quantity for %s exceeds %d", ErrPricingInvalidInput, id, maxQuantity)
			}
			merged[pos].Quantity += item.Quantity
			continue
		}
		index[id] = len(merged)
		merged = append(merged, QuoteItem{PackageID: id, Quantity: item.Quantity})
	}
	return merged, nil
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

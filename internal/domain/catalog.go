package domain

import (
	"strings"
	"time"
)

// StorePackage is a purchasable catalog entry. Catalog rows are read-only to the order core.
type StorePackage struct {
	ID              string
	Name            string
	Price           Money
	SalePrice       *Money
	CommandTemplate string
	Active          bool
	UpdatedAt       time.Time
}

// EffectivePrice returns the sale price when one is set, the base price otherwise.
func (p StorePackage) EffectivePrice() Money {
	if p.SalePrice != nil {
		return *p.SalePrice
	}
	return p.Price
}

// DiscountType enumerates how a discount value is interpreted.
type DiscountType string

const (
	// DiscountTypePercentage values are whole percents (10 = 10%).
	DiscountTypePercentage DiscountType = "percentage"
	// DiscountTypeFixed values are minor currency units.
	DiscountTypeFixed DiscountType = "fixed"
)

// DiscountCode is a redeemable code with optional validity window and usage cap.
type DiscountCode struct {
	Code      string
	Type      DiscountType
	Value     int64
	Active    bool
	StartsAt  *time.Time
	ExpiresAt *time.Time
	MaxUses   *int
	Uses      int
}

// NormalizeDiscountCode applies the canonical case and whitespace rules for codes.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidAt reports whether the discount can be applied at the supplied instant.
func (d DiscountCode) ValidAt(t time.Time) bool {
	if !d.Active {
		return false
	}
	if d.StartsAt != nil && t.Before(*d.StartsAt) {
		return false
	}
	if d.ExpiresAt != nil && !t.Before(*d.ExpiresAt) {
		return false
	}
	if d.MaxUses != nil && d.Uses >= *d.MaxUses {
		return false
	}
	return true
}

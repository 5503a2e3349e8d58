package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

// StoreScale is the number of minor-unit digits every monetary amount carries.
const StoreScale = 2

var (
	// ErrUnknownCurrency is returned when a currency code is not a recognised ISO 4217 unit.
	ErrUnknownCurrency = errors.New("money: unknown currency")
	// ErrInvalidAmount is returned when a decimal amount cannot be represented in minor units.
	ErrInvalidAmount = errors.New("money: invalid amount")
)

// Money is an amount expressed in the smallest currency unit (cents for USD).
type Money = int64

// CurrencyScale returns the standard number of decimal places for the ISO currency code.
func CurrencyScale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// NormalizeCurrency upper-cases and validates the ISO code.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return unit.String(), nil
}

// FormatMinor renders minor units as a fixed two-decimal string ("1440" -> "14.40").
func FormatMinor(amount Money) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// ParseMinor converts a decimal string with at most two fractional digits to minor units.
func ParseMinor(value string) (Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	negative := strings.HasPrefix(trimmed, "-")
	trimmed = strings.TrimPrefix(trimmed, "-")

	whole, frac, _ := strings.Cut(trimmed, ".")
	if len(frac) > StoreScale {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, value, StoreScale)
	}
	for len(frac) < StoreScale {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if units > (math.MaxInt64-cents)/100 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, value)
	}
	amount := units*100 + cents
	if negative {
		amount = -amount
	}
	return amount, nil
}

// ApplyRate returns round-half-up(amount * rate / 10000), where rate is a percentage in
// hundredths (1000 = 10%). The boolean is false when the intermediate product overflows.
func ApplyRate(amount Money, rate int64) (Money, bool) {
	if amount == 0 || rate == 0 {
		return 0, true
	}
	if amount < 0 || rate < 0 {
		return 0, false
	}
	if amount > (math.MaxInt64-5000)/rate {
		return 0, false
	}
	return (amount*rate + 5000) / 10000, true
}

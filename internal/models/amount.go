package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when amounts of different currencies are combined.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Amount is a nonnegative quantity of a single currency.
type Amount struct {
	// Quantity is the value in whole currency units (e.g. 12.50 USD).
	Quantity decimal.Decimal `json:"quantity"`

	// Currency is the ISO 4217 code, upper case (e.g. "USD").
	Currency string `json:"currency"`
}

// NewAmount builds an Amount from a decimal string such as "100" or "12.50".
func NewAmount(quantity string, currency string) (Amount, error) {
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	return Amount{Quantity: q, Currency: strings.ToUpper(currency)}, nil
}

// MustAmount is NewAmount for literals; it panics on a malformed quantity.
func MustAmount(quantity string, currency string) Amount {
	a, err := NewAmount(quantity, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns a zero amount of the given currency.
func Zero(currency string) Amount {
	return Amount{Quantity: decimal.Zero, Currency: strings.ToUpper(currency)}
}

// Add returns a+b. Both must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return Amount{Quantity: a.Quantity.Add(b.Quantity), Currency: a.Currency}, nil
}

// Cmp compares a to b: -1, 0 or +1. Amounts of different currencies are not comparable.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return a.Quantity.Cmp(b.Quantity), nil
}

// IsPositive reports whether the quantity is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.Quantity.IsPositive()
}

// IsNegative reports whether the quantity is below zero.
func (a Amount) IsNegative() bool {
	return a.Quantity.IsNegative()
}

// Equal reports whether a and b have the same currency and numerically equal quantities.
func (a Amount) Equal(b Amount) bool {
	return a.Currency == b.Currency && a.Quantity.Equal(b.Quantity)
}

// String formats the amount as "100.00 USD".
func (a Amount) String() string {
	return a.Quantity.StringFixed(2) + " " + a.Currency
}

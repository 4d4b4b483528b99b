package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an exact fixed-point amount with an explicit ISO 4217 currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney parses a decimal string amount. Only plain decimal strings are accepted.
func NewMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, Errorf(KindValidation, "amount %q is not a decimal", amount)
	}
	m := Money{Amount: d, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// Validate checks that the amount is positive and the currency code is well formed.
func (m Money) Validate() error {
	if !m.Amount.IsPositive() {
		return Errorf(KindValidation, "amount must be positive")
	}
	if m.Amount.Exponent() < -4 {
		return Errorf(KindValidation, "amount supports at most 4 decimal places")
	}
	if !ValidCurrency(m.Currency) {
		return Errorf(KindValidation, "currency %q is not a 3-letter code", m.Currency)
	}
	return nil
}

// Equal compares amount and currency exactly.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(2), m.Currency)
}

// ValidCurrency reports whether code looks like an ISO 4217 alpha code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

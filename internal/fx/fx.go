// Package fx converts money between currencies using per-USD reference rates.
package fx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

// defaultRates are units of each currency per 1 USD.
var defaultRates = map[string]string{
	"USD": "1",
	"EUR": "0.92",
	"GBP": "0.79",
	"CAD": "1.36",
	"AUD": "1.52",
	"CHF": "0.88",
	"JPY": "150",
	"NGN": "1550",
	"KES": "129",
	"GHS": "15.5",
	"ZAR": "18.2",
	"INR": "83.2",
}

// rateScale bounds the precision of derived cross rates.
const rateScale = 10

// Service resolves conversion rates. Derived pair rates are cached.
type Service struct {
	mu     sync.RWMutex
	perUSD map[string]decimal.Decimal
	cache  domain.Cache
	ttl    time.Duration
}

// New builds a service from the default table overlaid with overrides
// (currency code to units per USD).
func New(cache domain.Cache, ttl time.Duration, overrides map[string]string) (*Service, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}

	s := &Service{
		perUSD: make(map[string]decimal.Decimal, len(defaultRates)+len(overrides)),
		cache:  cache,
		ttl:    ttl,
	}
	for code, v := range defaultRates {
		s.perUSD[code] = decimal.RequireFromString(v)
	}
	for code, v := range overrides {
		if err := s.setRate(code, v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) setRate(code, value string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !domain.ValidCurrency(code) {
		return fmt.Errorf("invalid currency %q", code)
	}
	d, err := decimal.NewFromString(value)
	if err != nil || !d.IsPositive() {
		return fmt.Errorf("invalid rate %q for %s", value, code)
	}
	s.perUSD[code] = d
	return nil
}

// Supported reports whether the currency has a reference rate.
func (s *Service) Supported(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.perUSD[code]
	return ok
}

// Rate returns how many units of to one unit of from buys.
func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	key := "fx:" + from + ":" + to
	if s.cache != nil {
		if b, err := s.cache.Get(ctx, domain.SystemTenantID, key); err == nil && b != nil {
			if d, err := decimal.NewFromString(string(b)); err == nil {
				return d, nil
			}
		}
	}

	s.mu.RLock()
	fromRate, okFrom := s.perUSD[from]
	toRate, okTo := s.perUSD[to]
	s.mu.RUnlock()

	if !okFrom {
		return decimal.Zero, domain.Errorf(domain.KindValidation, "unsupported currency %s", from)
	}
	if !okTo {
		return decimal.Zero, domain.Errorf(domain.KindValidation, "unsupported currency %s", to)
	}

	rate := toRate.DivRound(fromRate, rateScale)

	if s.cache != nil {
		if err := s.cache.Set(ctx, domain.SystemTenantID, key, []byte(rate.String()), s.ttl); err != nil {
			slog.Warn("failed to cache fx rate", "pair", from+"/"+to, "error", err)
		}
	}
	return rate, nil
}

// Convert returns m expressed in currency to, rounded to cents, and the
// rate that was applied.
func (s *Service) Convert(ctx context.Context, m domain.Money, to string) (domain.Money, decimal.Decimal, error) {
	rate, err := s.Rate(ctx, m.Currency, to)
	if err != nil {
		return domain.Money{}, decimal.Zero, err
	}
	if m.Currency == to {
		return m, rate, nil
	}
	return domain.Money{Amount: m.Amount.Mul(rate).Round(2), Currency: to}, rate, nil
}

// ToUSD returns the USD value of m at the current reference rate.
func (s *Service) ToUSD(ctx context.Context, m domain.Money) (decimal.Decimal, error) {
	converted, _, err := s.Convert(ctx, m, "USD")
	if err != nil {
		return decimal.Zero, err
	}
	return converted.Amount, nil
}

// SetRate replaces a reference rate. Cached pairs age out with the TTL.
func (s *Service) SetRate(code, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setRate(code, value)
}

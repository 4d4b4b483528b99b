// Package risk scores payments, manual payment requests and logins against a
// fixed detector catalog plus tenant-configured CEL rules.
package risk

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

// Detector is one row of the catalog. A Veto detector forces the maximum score.
type Detector struct {
	Name      string
	Category  domain.RiskCategory
	Severity  domain.Severity
	Weight    float64
	Veto      bool
	Predicate func(f *Facts) bool
}

// Contribution is the weighted score a hit adds.
func (d *Detector) Contribution() float64 {
	if d.Veto {
		return MaxScore
	}
	return d.Weight * d.Severity.Weight()
}

// Thresholds are the tunable limits the built-in detectors compare against.
type Thresholds struct {
	VelocityCount    int64
	GeoScore         float64
	FailedLogins     int64
	RequestsPerMin   int64
	ImpossibleTravel time.Duration
}

// ThresholdsFrom maps risk configuration onto detector thresholds.
func ThresholdsFrom(cfg domain.RiskConfig) Thresholds {
	t := Thresholds{
		VelocityCount:    cfg.VelocityThreshold,
		GeoScore:         cfg.GeoRiskThreshold,
		FailedLogins:     cfg.FailedLoginThreshold,
		RequestsPerMin:   cfg.RequestRateLimit,
		ImpossibleTravel: time.Hour,
	}
	if t.VelocityCount <= 0 {
		t.VelocityCount = 5
	}
	if t.GeoScore <= 0 {
		t.GeoScore = 0.7
	}
	if t.FailedLogins <= 0 {
		t.FailedLogins = 5
	}
	if t.RequestsPerMin <= 0 {
		t.RequestsPerMin = 60
	}
	return t
}

// Facts is everything a predicate may look at.
type Facts struct {
	*Input
	Signals *Signals
	Limits  Thresholds
}

// Catalog is an ordered, immutable detector table.
type Catalog struct {
	detectors []Detector
}

// NewCatalog builds a catalog from detectors in evaluation order.
func NewCatalog(detectors ...Detector) *Catalog {
	return &Catalog{detectors: append([]Detector(nil), detectors...)}
}

// Detectors returns the detectors in the given categories, in catalog order.
func (c *Catalog) Detectors(categories ...domain.RiskCategory) []Detector {
	out := make([]Detector, 0, len(c.detectors))
	for _, d := range c.detectors {
		if containsCategory(categories, d.Category) {
			out = append(out, d)
		}
	}
	return out
}

// Names returns every detector name.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.detectors))
	for i, d := range c.detectors {
		names[i] = d.Name
	}
	return names
}

func containsCategory(set []domain.RiskCategory, c domain.RiskCategory) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}

// CategoriesFor lists the categories evaluated for a subject type.
func CategoriesFor(subject domain.SubjectType) []domain.RiskCategory {
	switch subject {
	case domain.SubjectManualPayment:
		return []domain.RiskCategory{domain.CategoryManualPayment, domain.CategoryPaymentFraud}
	case domain.SubjectLogin:
		return []domain.RiskCategory{domain.CategorySuspiciousLogin, domain.CategoryAccountTakeover, domain.CategoryRateLimitAbuse}
	default:
		return []domain.RiskCategory{domain.CategoryPaymentFraud, domain.CategoryRateLimitAbuse}
	}
}

var (
	highValueUSD       = decimal.NewFromInt(10000)
	veryHighValueUSD   = decimal.NewFromInt(50000)
	highValueManualUSD = decimal.NewFromInt(5000)
	roundUnit          = decimal.NewFromInt(1000)
)

// DefaultCatalog returns the built-in detector table.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		// payment_fraud
		Detector{
			Name: "high_value_transaction", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityHigh, Weight: 20,
			Predicate: func(f *Facts) bool { return f.AmountUSD.GreaterThanOrEqual(highValueUSD) },
		},
		Detector{
			Name: "very_high_value_transaction", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityCritical, Weight: 15,
			Predicate: func(f *Facts) bool { return f.AmountUSD.GreaterThanOrEqual(veryHighValueUSD) },
		},
		Detector{
			Name: "velocity_burst", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityHigh, Weight: 20,
			Predicate: func(f *Facts) bool { return f.Signals.VelocityCount >= f.Limits.VelocityCount },
		},
		Detector{
			Name: "high_risk_geography", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityHigh, Weight: 15,
			Predicate: func(f *Facts) bool { return f.Signals.GeoScore >= f.Limits.GeoScore },
		},
		Detector{
			Name: "new_device", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityMedium, Weight: 15,
			Predicate: func(f *Facts) bool { return f.Signals.DeviceNew },
		},
		Detector{
			Name: "round_amount", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityLow, Weight: 10,
			Predicate: func(f *Facts) bool {
				a := f.Amount.Amount
				return a.IsPositive() && a.Mod(roundUnit).IsZero()
			},
		},
		Detector{
			Name: "cross_currency", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityLow, Weight: 10,
			Predicate: func(f *Facts) bool { return f.CrossCurrency },
		},
		Detector{
			Name: "blacklisted", Category: domain.CategoryPaymentFraud,
			Severity: domain.SeverityCritical, Veto: true,
			Predicate: func(f *Facts) bool { return f.Signals.Blacklisted },
		},

		// manual_payment
		Detector{
			Name: "sequential_account_number", Category: domain.CategoryManualPayment,
			Severity: domain.SeverityMedium, Weight: 25,
			Predicate: func(f *Facts) bool { return IsSequential(f.AccountNumber) },
		},
		Detector{
			Name: "missing_reference", Category: domain.CategoryManualPayment,
			Severity: domain.SeverityLow, Weight: 10,
			Predicate: func(f *Facts) bool { return !meaningfulReference.MatchString(f.Reference) },
		},
		Detector{
			Name: "high_value_manual_payment", Category: domain.CategoryManualPayment,
			Severity: domain.SeverityHigh, Weight: 20,
			Predicate: func(f *Facts) bool { return f.AmountUSD.GreaterThanOrEqual(highValueManualUSD) },
		},
		Detector{
			Name: "blacklisted_account", Category: domain.CategoryManualPayment,
			Severity: domain.SeverityCritical, Veto: true,
			Predicate: func(f *Facts) bool { return f.Signals.AccountBlacklisted },
		},

		// logins
		Detector{
			Name: "failed_login_burst", Category: domain.CategoryAccountTakeover,
			Severity: domain.SeverityHigh, Weight: 20,
			Predicate: func(f *Facts) bool { return f.Signals.FailedLogins >= f.Limits.FailedLogins },
		},
		Detector{
			Name: "impossible_travel", Category: domain.CategoryAccountTakeover,
			Severity: domain.SeverityHigh, Weight: 25,
			Predicate: impossibleTravel,
		},
		Detector{
			Name: "new_device_login", Category: domain.CategorySuspiciousLogin,
			Severity: domain.SeverityMedium, Weight: 20,
			Predicate: func(f *Facts) bool { return f.Signals.DeviceNew },
		},
		Detector{
			Name: "off_hours_login", Category: domain.CategorySuspiciousLogin,
			Severity: domain.SeverityLow, Weight: 10,
			Predicate: func(f *Facts) bool { return !f.At.IsZero() && f.At.UTC().Hour() < 5 },
		},
		Detector{
			Name: "blacklisted_ip", Category: domain.CategorySuspiciousLogin,
			Severity: domain.SeverityCritical, Veto: true,
			Predicate: func(f *Facts) bool { return f.Signals.IPBlacklisted },
		},

		// rate_limit_abuse
		Detector{
			Name: "request_rate_exceeded", Category: domain.CategoryRateLimitAbuse,
			Severity: domain.SeverityCritical, Weight: 20,
			Predicate: func(f *Facts) bool { return f.Signals.RequestCount > f.Limits.RequestsPerMin },
		},
	)
}

// meaningfulReference requires at least three alphanumerics.
var meaningfulReference = regexp.MustCompile(`[A-Za-z0-9].*[A-Za-z0-9].*[A-Za-z0-9]`)

func impossibleTravel(f *Facts) bool {
	last := f.Signals.LastLogin
	if last == nil || last.Country == "" || f.Country == "" || last.Country == f.Country {
		return false
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	return at.Sub(last.CreatedAt) < f.Limits.ImpossibleTravel
}

// IsSequential reports whether the digits of s form a run: all equal, or
// stepping up or down by one (wrapping 9 to 0). Fewer than six digits never match.
func IsSequential(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	if len(digits) < 6 {
		return false
	}

	for _, step := range []int{0, 1, 9} {
		run := true
		for i := 1; i < len(digits); i++ {
			if digits[i] != (digits[i-1]+step)%10 {
				run = false
				break
			}
		}
		if run {
			return true
		}
	}
	return false
}

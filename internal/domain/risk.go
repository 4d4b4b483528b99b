package domain

import (
	"time"
)

// RiskCategory groups detectors in the rule catalog.
type RiskCategory string

const (
	CategoryPaymentFraud    RiskCategory = "payment_fraud"
	CategoryAccountTakeover RiskCategory = "account_takeover"
	CategorySuspiciousLogin RiskCategory = "suspicious_login"
	CategoryRateLimitAbuse  RiskCategory = "rate_limit_abuse"
	CategoryManualPayment   RiskCategory = "manual_payment"
)

// Severity is the fixed severity of a detector.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the severity multiplier applied to a detector's weight.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.5
	case SeverityMedium:
		return 1.0
	case SeverityHigh:
		return 1.5
	case SeverityCritical:
		return 2.0
	default:
		return 0
	}
}

// RiskLevel bands a combined score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders levels so policies can compare them.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Rank() >= other.Rank()
}

// Recommendation is the policy outcome of an assessment.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// SubjectType names what an assessment or ticket refers to.
type SubjectType string

const (
	SubjectTransaction   SubjectType = "transaction"
	SubjectLogin         SubjectType = "login"
	SubjectManualPayment SubjectType = "manual_payment"
)

// Contribution records one detector hit.
type Contribution struct {
	Detector     string       `json:"detector"`
	Category     RiskCategory `json:"category"`
	Severity     Severity     `json:"severity"`
	RawScore     float64      `json:"rawScore"`
	Weight       float64      `json:"weight"`
	Contribution float64      `json:"contribution"`
	Veto         bool         `json:"veto,omitempty"`
}

// RiskAssessment is immutable once saved. Re-assessing creates a new record.
type RiskAssessment struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	SubjectType    SubjectType    `json:"subjectType"`
	SubjectID      string         `json:"subjectId"`
	Contributions  []Contribution `json:"contributions"`
	Score          float64        `json:"score"`
	Level          RiskLevel      `json:"level"`
	Recommendation Recommendation `json:"recommendation"`
	Vetoed         bool           `json:"vetoed"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Triggered returns the names of detectors that fired.
func (a *RiskAssessment) Triggered() []string {
	names := make([]string, 0, len(a.Contributions))
	for _, c := range a.Contributions {
		names = append(names, c.Detector)
	}
	return names
}

// Has reports whether the named detector fired.
func (a *RiskAssessment) Has(detector string) bool {
	for _, c := range a.Contributions {
		if c.Detector == detector {
			return true
		}
	}
	return false
}

// NeedsReview is the hold policy shared by payments and manual requests:
// an explicit review recommendation or any level from medium upward.
func (a *RiskAssessment) NeedsReview() bool {
	return a.Recommendation == RecommendReview || a.Level.AtLeast(RiskMedium)
}

// BlacklistKind is the attribute a blacklist entry matches.
type BlacklistKind string

const (
	BlacklistCustomer BlacklistKind = "customer"
	BlacklistAccount  BlacklistKind = "account"
	BlacklistDevice   BlacklistKind = "device"
	BlacklistEmail    BlacklistKind = "email"
	BlacklistIP       BlacklistKind = "ip"
)

// BlacklistEntry vetoes any subject that matches it.
type BlacklistEntry struct {
	TenantID  string        `json:"tenantId"`
	Kind      BlacklistKind `json:"kind"`
	Value     string        `json:"value"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// LoginEvent is a behavioural signal for account takeover detection.
type LoginEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	IP        string    `json:"ip,omitempty"`
	Country   string    `json:"country,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"createdAt"`
}

package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/talon/internal/domain"
)

var tracer = otel.Tracer("talon-risk")

// Engine folds the catalog and tenant rules over an input and persists the
// resulting assessment.
type Engine struct {
	catalog *Catalog
	source  SignalSource
	repo    domain.RiskRepository
	rules   *RuleSet
	limits  Thresholds
	now     func() time.Time
}

// NewEngine wires an engine. rules may be nil.
func NewEngine(catalog *Catalog, source SignalSource, repo domain.RiskRepository, rules *RuleSet, limits Thresholds) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Engine{
		catalog: catalog,
		source:  source,
		repo:    repo,
		rules:   rules,
		limits:  limits,
		now:     time.Now,
	}
}

// Rules returns the engine's CEL rule set.
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Assess gathers signals, scores the input and saves the assessment.
// Saving is the only side effect besides signal bookkeeping.
func (e *Engine) Assess(ctx context.Context, in *Input) (*domain.RiskAssessment, error) {
	ctx, span := tracer.Start(ctx, "risk.Assess")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", in.TenantID),
		attribute.String("subject_type", string(in.SubjectType)),
	)

	if in.TenantID == "" {
		return nil, domain.Errorf(domain.KindValidation, "tenant is required")
	}

	signals, err := e.source.Collect(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "signal collection failed")
		return nil, fmt.Errorf("failed to collect signals: %w", err)
	}

	a, err := e.Evaluate(ctx, in, signals)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := e.repo.SaveRiskAssessment(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, fmt.Errorf("failed to save assessment: %w", err)
	}

	span.SetAttributes(
		attribute.Float64("score", a.Score),
		attribute.String("level", string(a.Level)),
	)
	slog.Info("risk assessed",
		"tenant_id", a.TenantID,
		"subject_type", a.SubjectType,
		"subject_id", a.SubjectID,
		"score", a.Score,
		"level", a.Level,
		"recommendation", a.Recommendation,
		"detectors", strings.Join(a.Triggered(), ","),
	)
	return a, nil
}

// Evaluate scores an input against already gathered signals without persisting.
func (e *Engine) Evaluate(ctx context.Context, in *Input, signals *Signals) (*domain.RiskAssessment, error) {
	facts := &Facts{Input: in, Signals: signals, Limits: e.limits}
	categories := CategoriesFor(in.SubjectType)

	var contributions []domain.Contribution
	for _, d := range e.catalog.Detectors(categories...) {
		if !d.Predicate(facts) {
			continue
		}
		contributions = append(contributions, domain.Contribution{
			Detector:     d.Name,
			Category:     d.Category,
			Severity:     d.Severity,
			RawScore:     1,
			Weight:       d.Weight,
			Contribution: d.Contribution(),
			Veto:         d.Veto,
		})
	}

	if e.rules != nil {
		hits, err := e.rules.evaluate(ctx, facts, categories)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, hits...)
	}

	score, vetoed := Combine(contributions)
	level := LevelFor(score)

	subjectType := in.SubjectType
	if subjectType == "" {
		subjectType = domain.SubjectTransaction
	}

	return &domain.RiskAssessment{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		SubjectType:    subjectType,
		SubjectID:      in.SubjectID,
		Contributions:  contributions,
		Score:          score,
		Level:          level,
		Recommendation: RecommendationFor(score, level),
		Vetoed:         vetoed,
		CreatedAt:      e.now().UTC(),
	}, nil
}

// LoginAttempt is a login to assess and record.
type LoginAttempt struct {
	TenantID string    `json:"-"`
	UserID   string    `json:"userId"`
	IP       string    `json:"ip,omitempty"`
	Country  string    `json:"country,omitempty"`
	DeviceID string    `json:"deviceId,omitempty"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at,omitempty"`
}

// AssessLogin scores a login against prior history, then records it.
func (e *Engine) AssessLogin(ctx context.Context, attempt *LoginAttempt) (*domain.RiskAssessment, error) {
	if attempt.UserID == "" {
		return nil, domain.Errorf(domain.KindValidation, "userId is required")
	}
	at := attempt.At
	if at.IsZero() {
		at = e.now()
	}

	event := &domain.LoginEvent{
		ID:        uuid.New().String(),
		TenantID:  attempt.TenantID,
		UserID:    attempt.UserID,
		IP:        attempt.IP,
		Country:   strings.ToUpper(attempt.Country),
		DeviceID:  attempt.DeviceID,
		Success:   attempt.Success,
		CreatedAt: at.UTC(),
	}

	a, err := e.Assess(ctx, &Input{
		TenantID:    attempt.TenantID,
		SubjectType: domain.SubjectLogin,
		SubjectID:   event.ID,
		Country:     event.Country,
		DeviceID:    attempt.DeviceID,
		IP:          attempt.IP,
		UserID:      attempt.UserID,
		At:          at,
	})
	if err != nil {
		return nil, err
	}

	if err := e.repo.SaveLoginEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record login: %w", err)
	}
	return a, nil
}

// AddBlacklist stores a blacklist entry. Account numbers are stored as
// fingerprints only.
func (e *Engine) AddBlacklist(ctx context.Context, entry *domain.BlacklistEntry) error {
	if entry.TenantID == "" || entry.Value == "" {
		return domain.Errorf(domain.KindValidation, "tenant and value are required")
	}
	switch entry.Kind {
	case domain.BlacklistAccount:
		entry.Value = Fingerprint(entry.Value)
	case domain.BlacklistEmail:
		entry.Value = strings.ToLower(strings.TrimSpace(entry.Value))
	case domain.BlacklistCustomer, domain.BlacklistDevice, domain.BlacklistIP:
	default:
		return domain.Errorf(domain.KindValidation, "unknown blacklist kind %q", entry.Kind)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now().UTC()
	}
	return e.repo.SaveBlacklistEntry(ctx, entry)
}

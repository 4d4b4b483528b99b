package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/talon/internal/domain"
)

// RuleStore loads tenant rule configurations, global rules included.
type RuleStore interface {
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error)
}

// compiledRule holds a pre-compiled CEL program.
type compiledRule struct {
	config  *domain.RuleConfig
	program cel.Program
}

// RuleSet compiles tenant CEL rules and evaluates them as detectors.
// Rules are loaded per tenant on first use and replaced on Reload.
type RuleSet struct {
	mu         sync.RWMutex
	env        *cel.Env
	store      RuleStore
	tenants    map[string][]*compiledRule
	maxWorkers int
}

// NewRuleSet creates the CEL environment. store may be nil.
func NewRuleSet(store RuleStore, maxWorkers int) (*RuleSet, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject_type", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_usd", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("geo_score", cel.DoubleType),
		cel.Variable("device_new", cel.BoolType),
		cel.Variable("cross_currency", cel.BoolType),
		cel.Variable("failed_logins", cel.IntType),
		cel.Variable("request_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &RuleSet{
		env:        env,
		store:      store,
		tenants:    make(map[string][]*compiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles a rule without loading it.
func (r *RuleSet) Validate(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	if cfg.ID == "" || cfg.Expression == "" {
		return fmt.Errorf("rule id and expression are required")
	}
	if cfg.Severity.Weight() == 0 {
		return fmt.Errorf("rule %s: unknown severity %q", cfg.ID, cfg.Severity)
	}
	if cfg.Weight < 0 {
		return fmt.Errorf("rule %s: weight must not be negative", cfg.ID)
	}
	_, err := r.compile(cfg)
	return err
}

// Reload recompiles a tenant's rules from the store and returns how many
// compiled. Reloading the global tenant also drops every other tenant so
// each reloads on next use.
func (r *RuleSet) Reload(ctx context.Context, tenantID string) (int, error) {
	if tenantID == domain.GlobalTenantID {
		r.mu.Lock()
		r.tenants = make(map[string][]*compiledRule)
		r.mu.Unlock()
	}

	rules, err := r.load(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.tenants[tenantID] = rules
	r.mu.Unlock()
	return len(rules), nil
}

// Loaded returns the rule configurations currently compiled for a tenant.
func (r *RuleSet) Loaded(tenantID string) []*domain.RuleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := r.tenants[tenantID]
	out := make([]*domain.RuleConfig, 0, len(rules))
	for _, cr := range rules {
		out = append(out, cr.config)
	}
	return out
}

// Close drops all compiled rules.
func (r *RuleSet) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = make(map[string][]*compiledRule)
	return nil
}

func (r *RuleSet) forTenant(ctx context.Context, tenantID string) ([]*compiledRule, error) {
	r.mu.RLock()
	rules, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if ok {
		return rules, nil
	}

	if _, err := r.Reload(ctx, tenantID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[tenantID], nil
}

// load compiles enabled rules. A stored rule that no longer compiles is
// skipped so one bad expression cannot block assessment.
func (r *RuleSet) load(ctx context.Context, tenantID string) ([]*compiledRule, error) {
	if r.store == nil {
		return nil, nil
	}

	configs, err := r.store.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	rules := make([]*compiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		cr, err := r.compile(cfg)
		if err != nil {
			slog.Warn("skipping rule that does not compile", "tenant_id", tenantID, "rule_id", cfg.ID, "error", err)
			continue
		}
		rules = append(rules, cr)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].config.ID < rules[j].config.ID })
	return rules, nil
}

func (r *RuleSet) compile(cfg *domain.RuleConfig) (*compiledRule, error) {
	ast, issues := r.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}

// evaluate runs the tenant's rules in the given categories in parallel and
// returns the hits in rule id order.
func (r *RuleSet) evaluate(ctx context.Context, f *Facts, categories []domain.RiskCategory) ([]domain.Contribution, error) {
	all, err := r.forTenant(ctx, f.TenantID)
	if err != nil {
		return nil, err
	}

	rules := make([]*compiledRule, 0, len(all))
	for _, cr := range all {
		if containsCategory(categories, cr.config.Category) {
			rules = append(rules, cr)
		}
	}
	if len(rules) == 0 {
		return nil, nil
	}

	activation := activationFor(f)
	hits := make([]bool, len(rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.maxWorkers)

	for i, cr := range rules {
		wg.Add(1)
		go func(idx int, cr *compiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := cr.program.Eval(activation)
			if err != nil {
				slog.Warn("rule evaluation failed", "tenant_id", f.TenantID, "rule_id", cr.config.ID, "error", err)
				return
			}
			hits[idx] = out == types.True
		}(i, cr)
	}
	wg.Wait()

	var out []domain.Contribution
	for i, cr := range rules {
		if !hits[i] {
			continue
		}
		out = append(out, domain.Contribution{
			Detector:     "rule:" + cr.config.ID,
			Category:     cr.config.Category,
			Severity:     cr.config.Severity,
			RawScore:     1,
			Weight:       cr.config.Weight,
			Contribution: cr.config.Weight * cr.config.Severity.Weight(),
		})
	}
	return out, nil
}

func activationFor(f *Facts) map[string]any {
	amountUSD, _ := f.AmountUSD.Float64()
	amount, _ := f.Amount.Amount.Float64()

	vars := map[string]any{
		"subject_type":   string(f.SubjectType),
		"amount":         amount,
		"amount_usd":     amountUSD,
		"currency":       f.Amount.Currency,
		"method":         f.Method,
		"country":        f.Country,
		"customer_id":    f.CustomerID,
		"velocity_count": f.Signals.VelocityCount,
		"geo_score":      f.Signals.GeoScore,
		"device_new":     f.Signals.DeviceNew,
		"cross_currency": f.CrossCurrency,
		"failed_logins":  f.Signals.FailedLogins,
		"request_count":  f.Signals.RequestCount,
	}

	subject := make(map[string]any, len(vars)+3)
	for k, v := range vars {
		subject[k] = v
	}
	subject["id"] = f.SubjectID
	subject["user_id"] = f.UserID
	subject["device_id"] = f.DeviceID
	vars["subject"] = subject
	return vars
}

package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/velocity"
)

// Input is the normalized subject of an assessment.
type Input struct {
	TenantID    string
	SubjectType domain.SubjectType
	SubjectID   string

	Amount        domain.Money
	AmountUSD     decimal.Decimal
	CrossCurrency bool
	Method        string
	Country       string
	CustomerID    string
	DeviceID      string
	IP            string
	Email         string

	// AccountNumber is plaintext for the duration of the call only.
	AccountNumber string
	Reference     string

	UserID string
	At     time.Time
}

// Signals are the behavioural facts gathered for an input.
type Signals struct {
	VelocityCount      int64
	GeoScore           float64
	DeviceNew          bool
	Blacklisted        bool
	AccountBlacklisted bool
	IPBlacklisted      bool
	FailedLogins       int64
	LastLogin          *domain.LoginEvent
	RequestCount       int64
}

// SignalSource gathers signals for an input.
type SignalSource interface {
	Collect(ctx context.Context, in *Input) (*Signals, error)
}

// Collector is the production SignalSource.
type Collector struct {
	velocity *velocity.Service
	repo     domain.RiskRepository
	geo      *GeoTable
	cfg      domain.RiskConfig
}

// NewCollector wires the signal providers.
func NewCollector(v *velocity.Service, repo domain.RiskRepository, geo *GeoTable, cfg domain.RiskConfig) *Collector {
	return &Collector{velocity: v, repo: repo, geo: geo, cfg: cfg}
}

// Collect implements SignalSource.
func (c *Collector) Collect(ctx context.Context, in *Input) (*Signals, error) {
	s := &Signals{GeoScore: c.geo.Score(in.Country)}

	var err error
	switch in.SubjectType {
	case domain.SubjectLogin:
		err = c.collectLogin(ctx, in, s)
	case domain.SubjectManualPayment:
		err = c.collectManual(ctx, in, s)
	default:
		err = c.collectPayment(ctx, in, s)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Collector) collectPayment(ctx context.Context, in *Input, s *Signals) error {
	var err error
	if in.CustomerID != "" {
		if s.VelocityCount, err = c.velocity.CustomerPayments(ctx, in.TenantID, in.CustomerID, c.cfg.VelocityWindow); err != nil {
			return err
		}
		if s.RequestCount, err = c.velocity.RecordRequest(ctx, in.TenantID, "customer:"+in.CustomerID); err != nil {
			return err
		}
	}
	if s.DeviceNew, err = c.velocity.DeviceIsNew(ctx, in.TenantID, in.CustomerID, in.DeviceID, c.cfg.DeviceMemory); err != nil {
		return err
	}
	s.Blacklisted, err = c.anyListed(ctx, in.TenantID,
		entry{domain.BlacklistCustomer, in.CustomerID},
		entry{domain.BlacklistDevice, in.DeviceID},
		entry{domain.BlacklistEmail, strings.ToLower(in.Email)},
		entry{domain.BlacklistIP, in.IP},
	)
	return err
}

func (c *Collector) collectManual(ctx context.Context, in *Input, s *Signals) error {
	var err error
	if s.Blacklisted, err = c.anyListed(ctx, in.TenantID, entry{domain.BlacklistCustomer, in.CustomerID}); err != nil {
		return err
	}
	if in.AccountNumber != "" {
		s.AccountBlacklisted, err = c.repo.IsBlacklisted(ctx, in.TenantID, domain.BlacklistAccount, Fingerprint(in.AccountNumber))
	}
	return err
}

func (c *Collector) collectLogin(ctx context.Context, in *Input, s *Signals) error {
	var err error
	if s.FailedLogins, err = c.velocity.FailedLogins(ctx, in.TenantID, in.UserID, c.cfg.FailedLoginWindow); err != nil {
		return err
	}

	last, err := c.repo.LastSuccessfulLogin(ctx, in.TenantID, in.UserID)
	switch {
	case err == nil:
		s.LastLogin = last
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("failed to load last login: %w", err)
	}

	if s.RequestCount, err = c.velocity.RecordRequest(ctx, in.TenantID, "user:"+in.UserID); err != nil {
		return err
	}
	if s.DeviceNew, err = c.velocity.DeviceIsNew(ctx, in.TenantID, "user:"+in.UserID, in.DeviceID, c.cfg.DeviceMemory); err != nil {
		return err
	}
	s.IPBlacklisted, err = c.anyListed(ctx, in.TenantID, entry{domain.BlacklistIP, in.IP})
	return err
}

type entry struct {
	kind  domain.BlacklistKind
	value string
}

func (c *Collector) anyListed(ctx context.Context, tenantID string, entries ...entry) (bool, error) {
	for _, e := range entries {
		if e.value == "" {
			continue
		}
		listed, err := c.repo.IsBlacklisted(ctx, tenantID, e.kind, e.value)
		if err != nil {
			return false, fmt.Errorf("failed to check blacklist: %w", err)
		}
		if listed {
			return true, nil
		}
	}
	return false, nil
}

// Fingerprint is the stored form of an account number on the blacklist.
func Fingerprint(account string) string {
	var digits strings.Builder
	for _, r := range account {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(digits.String()))
	return hex.EncodeToString(sum[:])
}

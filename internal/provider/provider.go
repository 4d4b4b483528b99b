// Package provider defines the settlement provider capability interface and
// the adapters that implement it.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
)

// ChargeStatus is the provider's view of a charge or refund.
type ChargeStatus string

const (
	// StatusCaptured means funds moved synchronously.
	StatusCaptured ChargeStatus = "captured"
	// StatusPending means the outcome arrives later through a webhook.
	StatusPending ChargeStatus = "pending"
)

// ChargeRequest asks a provider to move funds.
type ChargeRequest struct {
	TransactionID  string
	TenantID       string
	IdempotencyKey string
	Amount         domain.Money
	Method         domain.PaymentMethod
	Token          string
}

// ChargeResult is returned for a successful charge or refund.
type ChargeResult struct {
	ProviderRef string
	Status      ChargeStatus
}

// RefundRequest refunds part or all of an earlier charge.
type RefundRequest struct {
	TransactionID  string
	TenantID       string
	IdempotencyKey string
	ChargeRef      string
	Amount         domain.Money
	Reason         string
}

// TokenizeRequest exchanges sensitive instrument data for a provider token.
// Secret holds the plaintext number and must not outlive the call.
type TokenizeRequest struct {
	TenantID string
	Method   domain.PaymentMethod
	Secret   []byte
}

// Adapter is the uniform capability set of one settlement provider.
// Errors are classified as domain.KindProviderTransient or
// domain.KindProviderPermanent so callers know whether to retry.
type Adapter interface {
	ID() string
	Supports(currency, method string) bool
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req *RefundRequest) (*ChargeResult, error)
	Tokenize(ctx context.Context, req *TokenizeRequest) (string, error)
	VerifySignature(payload []byte, header string) error
	ParseEvent(payload []byte) (*domain.ProviderEvent, error)
}

// Registry is an immutable set of adapters keyed by id, built once at startup.
type Registry struct {
	adapters map[string]Adapter
	ids      []string
}

// NewRegistry builds a registry. Ids must be unique and non-empty.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		id := a.ID()
		if id == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if _, dup := r.adapters[id]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", id)
		}
		r.adapters[id] = a
		r.ids = append(r.ids, id)
	}
	return r, nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns provider ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Capable returns the adapters able to handle currency and method, in the
// given preference order. An empty order means registration order. Ids in
// order that are not registered are skipped.
func (r *Registry) Capable(currency, method string, order []string) []Adapter {
	if len(order) == 0 {
		order = r.ids
	}
	seen := make(map[string]bool, len(order))
	var out []Adapter
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := r.adapters[id]
		if ok && a.Supports(currency, method) {
			out = append(out, a)
		}
	}
	return out
}

// Transient marks err as retry-eligible.
func Transient(err error, message string) error {
	return domain.WrapError(domain.KindProviderTransient, err, message)
}

// Declined builds a permanent error that keeps the provider's decline code.
func Declined(code string) error {
	if code == "" {
		code = "declined"
	}
	return domain.Errorf(domain.KindProviderPermanent, "payment declined: %s", code)
}

// capabilities is a currency/method allow list. Empty sets allow everything.
type capabilities struct {
	currencies map[string]bool
	methods    map[string]bool
}

func newCapabilities(currencies, methods []string) capabilities {
	c := capabilities{currencies: map[string]bool{}, methods: map[string]bool{}}
	for _, cur := range currencies {
		if cur = strings.ToUpper(strings.TrimSpace(cur)); cur != "" {
			c.currencies[cur] = true
		}
	}
	for _, m := range methods {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			c.methods[m] = true
		}
	}
	return c
}

func (c capabilities) supports(currency, method string) bool {
	if len(c.currencies) > 0 && !c.currencies[strings.ToUpper(currency)] {
		return false
	}
	if len(c.methods) > 0 && !c.methods[strings.ToLower(method)] {
		return false
	}
	return true
}

package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Outcome scripts one sandbox call. A zero Outcome captures synchronously.
type Outcome struct {
	// Err is returned as is. Use Transient or Declined to classify it.
	Err error
	// Hang blocks until the caller's context is done, simulating a timeout.
	Hang bool
	// Pending returns an asynchronous charge to be completed by a webhook.
	Pending bool
}

// TimeoutOutcome hangs until the caller gives up.
func TimeoutOutcome() Outcome { return Outcome{Hang: true} }

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithCapabilities restricts the currencies and methods the sandbox accepts.
func WithCapabilities(currencies, methods []string) SandboxOption {
	return func(s *Sandbox) { s.caps = newCapabilities(currencies, methods) }
}

// WithClock overrides the clock used for signature checks.
func WithClock(now func() time.Time) SandboxOption {
	return func(s *Sandbox) { s.now = now }
}

// Sandbox is a deterministic in-process provider. Scripted outcomes are
// consumed in order; once exhausted every call succeeds.
type Sandbox struct {
	id     string
	secret []byte
	caps   capabilities
	now    func() time.Time

	mu      sync.Mutex
	charges []Outcome
	refunds []Outcome
	seq     int

	chargeCalls int
	refundCalls int
	tokenCalls  int
	last        *ChargeRequest
}

// NewSandbox creates a sandbox provider that signs webhooks with secret.
func NewSandbox(id string, secret []byte, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		id:     id,
		secret: secret,
		caps:   newCapabilities(nil, nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScriptCharges queues outcomes for upcoming Charge calls.
func (s *Sandbox) ScriptCharges(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = append(s.charges, outcomes...)
}

// ScriptRefunds queues outcomes for upcoming Refund calls.
func (s *Sandbox) ScriptRefunds(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, outcomes...)
}

// ChargeCalls returns how many times Charge was invoked.
func (s *Sandbox) ChargeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chargeCalls
}

// RefundCalls returns how many times Refund was invoked.
func (s *Sandbox) RefundCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refundCalls
}

// LastCharge returns a copy of the most recent charge request.
func (s *Sandbox) LastCharge() *ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	c := *s.last
	return &c
}

// ID implements Adapter.
func (s *Sandbox) ID() string { return s.id }

// Supports implements Adapter.
func (s *Sandbox) Supports(currency, method string) bool {
	return s.caps.supports(currency, method)
}

// Charge implements Adapter.
func (s *Sandbox) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	s.mu.Lock()
	s.chargeCalls++
	c := *req
	s.last = &c
	out := pop(&s.charges)
	s.mu.Unlock()

	return s.run(ctx, out, "ch")
}

// Refund implements Adapter.
func (s *Sandbox) Refund(ctx context.Context, req *RefundRequest) (*ChargeResult, error) {
	s.mu.Lock()
	s.refundCalls++
	out := pop(&s.refunds)
	s.mu.Unlock()

	if req.ChargeRef == "" {
		return nil, Declined("missing_charge")
	}
	return s.run(ctx, out, "re")
}

// Tokenize implements Adapter. Tokens are a digest of the secret, so the
// same instrument always maps to the same token.
func (s *Sandbox) Tokenize(ctx context.Context, req *TokenizeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(err, "tokenize cancelled")
	}
	s.mu.Lock()
	s.tokenCalls++
	s.mu.Unlock()

	sum := sha256.Sum256(append([]byte(s.id+":"), req.Secret...))
	return "tok_" + hex.EncodeToString(sum[:8]), nil
}

// VerifySignature implements Adapter.
func (s *Sandbox) VerifySignature(payload []byte, header string) error {
	return Verify(s.secret, payload, header, DefaultTolerance, s.now())
}

// ParseEvent implements Adapter.
func (s *Sandbox) ParseEvent(payload []byte) (*domain.ProviderEvent, error) {
	return parseEvent(payload)
}

// SignEvent encodes evt and returns the payload with its signature header.
func (s *Sandbox) SignEvent(evt *domain.ProviderEvent) ([]byte, string) {
	payload := EncodeEvent(evt)
	return payload, Sign(s.secret, payload, s.now())
}

func (s *Sandbox) run(ctx context.Context, out Outcome, prefix string) (*ChargeResult, error) {
	if out.Hang {
		<-ctx.Done()
		return nil, Transient(ctx.Err(), "provider call timed out")
	}
	if err := ctx.Err(); err != nil {
		return nil, Transient(err, "provider call cancelled")
	}
	if out.Err != nil {
		return nil, out.Err
	}

	s.mu.Lock()
	s.seq++
	ref := fmt.Sprintf("%s_%s_%06d", s.id, prefix, s.seq)
	s.mu.Unlock()

	status := StatusCaptured
	if out.Pending {
		status = StatusPending
	}
	return &ChargeResult{ProviderRef: ref, Status: status}, nil
}

func pop(q *[]Outcome) Outcome {
	if len(*q) == 0 {
		return Outcome{}
	}
	out := (*q)[0]
	*q = (*q)[1:]
	return out
}

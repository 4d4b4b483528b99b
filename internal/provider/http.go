package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// HTTPConfig configures a generic REST/JSON provider.
type HTTPConfig struct {
	ID            string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Currencies    []string
	Methods       []string
	Tolerance     time.Duration
	Client        *http.Client
}

// HTTPAdapter talks to a provider exposing /charges, /refunds and /tokens.
type HTTPAdapter struct {
	id        string
	baseURL   string
	apiKey    string
	secret    []byte
	tolerance time.Duration
	caps      capabilities
	client    *http.Client
	now       func() time.Time
}

// NewHTTPAdapter creates an adapter. The per-call timeout comes from the
// caller's context, so the client itself has none.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base url is required", cfg.ID)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAdapter{
		id:        cfg.ID,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		secret:    []byte(cfg.WebhookSecret),
		tolerance: cfg.Tolerance,
		caps:      newCapabilities(cfg.Currencies, cfg.Methods),
		client:    client,
		now:       time.Now,
	}, nil
}

// ID implements Adapter.
func (h *HTTPAdapter) ID() string { return h.id }

// Supports implements Adapter.
func (h *HTTPAdapter) Supports(currency, method string) bool {
	return h.caps.supports(currency, method)
}

type chargeBody struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Method    string `json:"method"`
	Token     string `json:"token,omitempty"`
}

type refundBody struct {
	Reference string `json:"reference"`
	Charge    string `json:"charge"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

type tokenBody struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type operationResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DeclineCode string `json:"decline_code"`
	Token       string `json:"token"`
}

// Charge implements Adapter.
func (h *HTTPAdapter) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	body := chargeBody{
		Reference: req.TransactionID,
		Amount:    req.Amount.Amount.String(),
		Currency:  req.Amount.Currency,
		Method:    req.Method.Type,
		Token:     req.Token,
	}
	resp, err := h.post(ctx, "/charges", req.IdempotencyKey, body)
	if err != nil {
		return nil, err
	}
	return h.result(resp)
}

// Refund implements Adapter.
func (h *HTTPAdapter) Refund(ctx context.Context, req *RefundRequest) (*ChargeResult, error) {
	body := refundBody{
		Reference: req.TransactionID,
		Charge:    req.ChargeRef,
		Amount:    req.Amount.Amount.String(),
		Currency:  req.Amount.Currency,
		Reason:    req.Reason,
	}
	resp, err := h.post(ctx, "/refunds", req.IdempotencyKey, body)
	if err != nil {
		return nil, err
	}
	return h.result(resp)
}

// Tokenize implements Adapter.
func (h *HTTPAdapter) Tokenize(ctx context.Context, req *TokenizeRequest) (string, error) {
	resp, err := h.post(ctx, "/tokens", "", tokenBody{Type: req.Method.Type, Number: string(req.Secret)})
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", Transient(nil, "provider returned no token")
	}
	return resp.Token, nil
}

// VerifySignature implements Adapter.
func (h *HTTPAdapter) VerifySignature(payload []byte, header string) error {
	return Verify(h.secret, payload, header, h.tolerance, h.now())
}

// ParseEvent implements Adapter.
func (h *HTTPAdapter) ParseEvent(payload []byte) (*domain.ProviderEvent, error) {
	return parseEvent(payload)
}

func (h *HTTPAdapter) result(resp *operationResponse) (*ChargeResult, error) {
	switch ChargeStatus(resp.Status) {
	case StatusCaptured, "succeeded":
		return &ChargeResult{ProviderRef: resp.ID, Status: StatusCaptured}, nil
	case StatusPending:
		return &ChargeResult{ProviderRef: resp.ID, Status: StatusPending}, nil
	case "declined", "failed":
		return nil, Declined(resp.DeclineCode)
	default:
		return nil, Transient(nil, fmt.Sprintf("unexpected provider status %q", resp.Status))
	}
}

func (h *HTTPAdapter) post(ctx context.Context, path, idempotencyKey string, body any) (*operationResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to encode provider request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to build provider request")
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	var out operationResponse
	_ = json.Unmarshal(raw, &out)

	if err := classifyStatus(resp.StatusCode, out.DeclineCode); err != nil {
		return nil, err
	}
	return &out, nil
}

// classifyStatus maps an HTTP status to an error kind. 408, 425, 429 and
// 5xx are transient; every other 4xx is a permanent decline.
func classifyStatus(code int, declineCode string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient(nil, fmt.Sprintf("provider returned %d", code))
	case code >= 500:
		return Transient(nil, fmt.Sprintf("provider returned %d", code))
	case code >= 400:
		if declineCode == "" {
			declineCode = fmt.Sprintf("http_%d", code)
		}
		return Declined(declineCode)
	default:
		return Transient(nil, fmt.Sprintf("unexpected provider status %d", code))
	}
}

// classifyTransportError treats timeouts, cancellations and network
// failures as transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err, "provider call timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(err, "provider call timed out")
	}
	return Transient(err, "provider unreachable")
}

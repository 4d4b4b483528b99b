package payment

import (
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
)

// Supported payment method types.
const (
	MethodCard         = "card"
	MethodBankTransfer = "bank_transfer"
	MethodWallet       = "wallet"
)

// MethodInput is the instrument as the caller supplies it. Number is
// encrypted before anything is persisted and never leaves this package in
// plaintext except towards the provider's tokenizer.
type MethodInput struct {
	Type    string `json:"type"`
	Brand   string `json:"brand,omitempty"`
	Number  string `json:"number,omitempty"`
	Country string `json:"country,omitempty"`
	Token   string `json:"token,omitempty"`
}

// PaymentCommand asks the orchestrator to settle a payment.
type PaymentCommand struct {
	TenantID       string
	IdempotencyKey string
	CustomerID     string
	Amount         domain.Money

	// SettlementCurrency converts Amount before charging when it differs.
	SettlementCurrency string

	Method     MethodInput
	ProviderID string

	DeviceID string
	IP       string
	Email    string
	Country  string

	Metadata map[string]string
}

// Validate checks the command before any state is created.
func (c *PaymentCommand) Validate() error {
	if c.TenantID == "" {
		return domain.Errorf(domain.KindValidation, "tenant is required")
	}
	if err := validateKey(c.IdempotencyKey); err != nil {
		return err
	}
	if err := c.Amount.Validate(); err != nil {
		return err
	}
	if c.SettlementCurrency != "" && !domain.ValidCurrency(c.SettlementCurrency) {
		return domain.Errorf(domain.KindValidation, "settlement currency %q is not a 3-letter code", c.SettlementCurrency)
	}

	number := digits(c.Method.Number)
	if c.Method.Number != "" && number == "" {
		return domain.Errorf(domain.KindValidation, "payment method number must be numeric")
	}
	switch c.Method.Type {
	case MethodCard:
		if len(number) < 12 || len(number) > 19 {
			return domain.Errorf(domain.KindValidation, "card number must have 12 to 19 digits")
		}
	case MethodBankTransfer:
		if len(number) < 4 {
			return domain.Errorf(domain.KindValidation, "account number is required")
		}
	case MethodWallet:
		if c.Method.Number == "" && c.Method.Token == "" {
			return domain.Errorf(domain.KindValidation, "wallet requires a number or token")
		}
	default:
		return domain.Errorf(domain.KindValidation, "unsupported payment method %q", c.Method.Type)
	}
	return nil
}

// RefundCommand refunds part or all of a captured payment. A zero Amount
// refunds whatever is still refundable.
type RefundCommand struct {
	TenantID       string
	TransactionID  string
	IdempotencyKey string
	Amount         domain.Money
	Reason         string
}

// Full reports whether the caller left the amount out.
func (c *RefundCommand) Full() bool {
	return c.Amount.Amount.IsZero() && c.Amount.Currency == ""
}

// Validate checks the command shape.
func (c *RefundCommand) Validate() error {
	if c.TenantID == "" {
		return domain.Errorf(domain.KindValidation, "tenant is required")
	}
	if c.TransactionID == "" {
		return domain.Errorf(domain.KindValidation, "transaction id is required")
	}
	if err := validateKey(c.IdempotencyKey); err != nil {
		return err
	}
	if c.Full() {
		return nil
	}
	return c.Amount.Validate()
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return domain.Errorf(domain.KindValidation, "idempotency key is required")
	}
	if len(key) > 255 {
		return domain.Errorf(domain.KindValidation, "idempotency key is longer than 255 characters")
	}
	return nil
}

// digits strips spaces and dashes. Any other non-digit yields "".
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return ""
		}
	}
	return b.String()
}

func last4(number string) string {
	if len(number) <= 4 {
		return number
	}
	return number[len(number)-4:]
}

package provider

import (
	"encoding/json"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/shopspring/decimal"
)

// eventEnvelope is the JSON callback format shared by the built-in adapters.
type eventEnvelope struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    eventData `json:"data"`
}

type eventData struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var knownEvents = map[domain.EventType]bool{
	domain.EventPaymentCaptured: true,
	domain.EventPaymentSettled:  true,
	domain.EventPaymentFailed:   true,
	domain.EventRefundSucceeded: true,
	domain.EventRefundFailed:    true,
}

// EncodeEvent renders evt in the callback format ParseEvent reads.
func EncodeEvent(evt *domain.ProviderEvent) []byte {
	env := eventEnvelope{
		ID:      evt.EventID,
		Type:    string(evt.Type),
		Created: evt.OccurredAt.Unix(),
		Data: eventData{
			Reference: evt.ProviderRef,
			Currency:  evt.Currency,
			Reason:    evt.Reason,
		},
	}
	if !evt.Amount.IsZero() {
		env.Data.Amount = evt.Amount.String()
	}
	b, _ := json.Marshal(env)
	return b
}

func parseEvent(payload []byte) (*domain.ProviderEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, domain.WrapError(domain.KindValidation, err, "malformed event payload")
	}
	if env.ID == "" {
		return nil, domain.Errorf(domain.KindValidation, "event id is required")
	}
	if env.Data.Reference == "" {
		return nil, domain.Errorf(domain.KindValidation, "event reference is required")
	}
	t := domain.EventType(env.Type)
	if !knownEvents[t] {
		return nil, domain.Errorf(domain.KindValidation, "unsupported event type %q", env.Type)
	}

	evt := &domain.ProviderEvent{
		EventID:     env.ID,
		Type:        t,
		ProviderRef: env.Data.Reference,
		Currency:    env.Data.Currency,
		Reason:      env.Data.Reason,
		OccurredAt:  time.Unix(env.Created, 0).UTC(),
	}
	if env.Data.Amount != "" {
		amt, err := decimal.NewFromString(env.Data.Amount)
		if err != nil {
			return nil, domain.Errorf(domain.KindValidation, "event amount %q is not a decimal", env.Data.Amount)
		}
		evt.Amount = amt
	}
	return evt, nil
}

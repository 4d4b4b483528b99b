package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	usd := NewSandbox("p-usd", nil, WithCapabilities([]string{"USD"}, []string{"card"}))
	open := NewSandbox("p-any", nil)
	eur := NewSandbox("p-eur", nil, WithCapabilities([]string{"EUR"}, nil))

	r, err := NewRegistry(usd, open, eur)
	require.NoError(t, err)

	t.Run("Get", func(t *testing.T) {
		a, ok := r.Get("p-usd")
		require.True(t, ok)
		assert.Equal(t, "p-usd", a.ID())

		_, ok = r.Get("missing")
		assert.False(t, ok)
	})

	t.Run("CapableRegistrationOrder", func(t *testing.T) {
		got := r.Capable("USD", "card", nil)
		require.Len(t, got, 2)
		assert.Equal(t, "p-usd", got[0].ID())
		assert.Equal(t, "p-any", got[1].ID())
	})

	t.Run("CapablePreferenceOrder", func(t *testing.T) {
		got := r.Capable("EUR", "card", []string{"p-eur", "unknown", "p-usd", "p-any", "p-eur"})
		require.Len(t, got, 2)
		assert.Equal(t, "p-eur", got[0].ID())
		assert.Equal(t, "p-any", got[1].ID())
	})

	t.Run("MethodFilter", func(t *testing.T) {
		got := r.Capable("usd", "wallet", nil)
		require.Len(t, got, 1)
		assert.Equal(t, "p-any", got[0].ID())
	})

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := NewRegistry(usd, NewSandbox("p-usd", nil))
		assert.Error(t, err)
	})
}

func TestSignature(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"id":"evt-1"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign(secret, payload, now)

	assert.NoError(t, Verify(secret, payload, header, time.Minute, now.Add(30*time.Second)))

	cases := map[string]struct {
		secret  []byte
		payload []byte
		header  string
		at      time.Time
	}{
		"Missing":       {secret, payload, "", now},
		"Malformed":     {secret, payload, "garbage", now},
		"WrongSecret":   {[]byte("other"), payload, header, now},
		"TamperedBody":  {secret, []byte(`{"id":"evt-2"}`), header, now},
		"Expired":       {secret, payload, header, now.Add(2 * time.Minute)},
		"FromTheFuture": {secret, payload, header, now.Add(-2 * time.Minute)},
		"NoSecret":      {nil, payload, header, now},
		"BadHexSig":     {secret, payload, "t=1700000000,v1=zz", now},
		"BadTimestamp":  {secret, payload, "t=abc,v1=00", now},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Verify(tc.secret, tc.payload, tc.header, time.Minute, tc.at)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindSignatureInvalid))
		})
	}

	t.Run("SecondSignatureMatches", func(t *testing.T) {
		old := Sign([]byte("old"), payload, now)
		_, oldSig, _ := strings.Cut(old, "v1=")
		combined := header + ",v1=" + oldSig
		assert.NoError(t, Verify([]byte("old"), payload, combined, time.Minute, now))
	})
}

func TestParseEvent(t *testing.T) {
	s := NewSandbox("p1", []byte("secret"))
	evt := &domain.ProviderEvent{
		EventID:     "evt-42",
		Type:        domain.EventPaymentSettled,
		ProviderRef: "p1_ch_000001",
		Amount:      decimal.RequireFromString("15.50"),
		Currency:    "USD",
		OccurredAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
	payload, header := s.SignEvent(evt)

	require.NoError(t, s.VerifySignature(payload, header))
	got, err := s.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt-42", got.EventID)
	assert.Equal(t, domain.EventPaymentSettled, got.Type)
	assert.True(t, got.Amount.Equal(evt.Amount))
	assert.Equal(t, evt.OccurredAt, got.OccurredAt)

	for name, raw := range map[string]string{
		"NotJSON":     `nope`,
		"MissingID":   `{"type":"payment.settled","data":{"reference":"r"}}`,
		"UnknownType": `{"id":"e","type":"charge.disputed","data":{"reference":"r"}}`,
		"MissingRef":  `{"id":"e","type":"payment.settled","data":{}}`,
		"BadAmount":   `{"id":"e","type":"payment.settled","data":{"reference":"r","amount":"1e"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.ParseEvent([]byte(raw))
			assert.True(t, domain.IsKind(err, domain.KindValidation))
		})
	}
}

func TestSandboxScript(t *testing.T) {
	s := NewSandbox("p1", nil)
	s.ScriptCharges(TimeoutOutcome(), Outcome{Err: Declined("insufficient_funds")}, Outcome{Pending: true})

	req := &ChargeRequest{TransactionID: "tx1", Amount: domain.Money{Amount: decimal.NewFromInt(5), Currency: "USD"}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := s.Charge(ctx, req)
	cancel()
	assert.True(t, domain.IsKind(err, domain.KindProviderTransient))

	_, err = s.Charge(context.Background(), req)
	assert.True(t, domain.IsKind(err, domain.KindProviderPermanent))
	assert.Contains(t, domain.MessageOf(err), "insufficient_funds")

	res, err := s.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	res, err = s.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, res.Status)
	assert.NotEmpty(t, res.ProviderRef)

	assert.Equal(t, 4, s.ChargeCalls())
	assert.Equal(t, "tx1", s.LastCharge().TransactionID)

	tok1, err := s.Tokenize(context.Background(), &TokenizeRequest{Secret: []byte("4111111111111111")})
	require.NoError(t, err)
	tok2, err := s.Tokenize(context.Background(), &TokenizeRequest{Secret: []byte("4111111111111111")})
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.NotContains(t, tok1, "4111")
}

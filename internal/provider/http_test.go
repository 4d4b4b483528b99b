package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	a, err := NewHTTPAdapter(HTTPConfig{
		ID:            "acme",
		BaseURL:       srv.URL + "/",
		APIKey:        "sk_test",
		WebhookSecret: "whsec",
		Currencies:    []string{"USD", "EUR"},
		Methods:       []string{"card"},
	})
	require.NoError(t, err)
	return a
}

func chargeReq() *ChargeRequest {
	return &ChargeRequest{
		TransactionID:  "tx-1",
		IdempotencyKey: "idem-1",
		Amount:         domain.Money{Amount: decimal.RequireFromString("25.00"), Currency: "USD"},
		Method:         domain.PaymentMethod{Type: "card"},
		Token:          "tok_1",
	}
}

func TestHTTPAdapterCharge(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charges", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "idem-1", r.Header.Get("Idempotency-Key"))

		var body chargeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "25", body.Amount)
		assert.Equal(t, "USD", body.Currency)
		assert.Equal(t, "tok_1", body.Token)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ch_123","status":"captured"}`))
	})

	res, err := a.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "ch_123", res.ProviderRef)
	assert.Equal(t, StatusCaptured, res.Status)

	assert.True(t, a.Supports("eur", "card"))
	assert.False(t, a.Supports("GBP", "card"))
	assert.False(t, a.Supports("USD", "wallet"))
}

func TestHTTPAdapterClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
	}{
		{"RateLimited", http.StatusTooManyRequests, `{}`, domain.KindProviderTransient},
		{"RequestTimeout", http.StatusRequestTimeout, `{}`, domain.KindProviderTransient},
		{"TooEarly", http.StatusTooEarly, `{}`, domain.KindProviderTransient},
		{"ServerError", http.StatusBadGateway, `{}`, domain.KindProviderTransient},
		{"Unavailable", http.StatusServiceUnavailable, `not json`, domain.KindProviderTransient},
		{"Declined", http.StatusPaymentRequired, `{"decline_code":"insufficient_funds"}`, domain.KindProviderPermanent},
		{"BadRequest", http.StatusBadRequest, `{}`, domain.KindProviderPermanent},
		{"DeclinedWith200", http.StatusOK, `{"id":"ch_1","status":"declined","decline_code":"do_not_honor"}`, domain.KindProviderPermanent},
		{"UnknownStatus", http.StatusOK, `{"id":"ch_1","status":"weird"}`, domain.KindProviderTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := a.Charge(context.Background(), chargeReq())
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}

	t.Run("DeclineCodePreserved", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"decline_code":"insufficient_funds"}`))
		})
		_, err := a.Charge(context.Background(), chargeReq())
		assert.Contains(t, domain.MessageOf(err), "insufficient_funds")
	})
}

func TestHTTPAdapterTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Charge(ctx, chargeReq())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProviderTransient))
}

func TestHTTPAdapterUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{ID: "gone", BaseURL: url})
	require.NoError(t, err)

	_, err = a.Charge(context.Background(), chargeReq())
	assert.True(t, domain.IsKind(err, domain.KindProviderTransient))
}

func TestHTTPAdapterRefundAndTokenize(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refunds":
			var body refundBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ch_123", body.Charge)
			_, _ = w.Write([]byte(`{"id":"re_1","status":"pending"}`))
		case "/tokens":
			_, _ = w.Write([]byte(`{"token":"tok_abc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := a.Refund(context.Background(), &RefundRequest{
		TransactionID: "rf-1",
		ChargeRef:     "ch_123",
		Amount:        domain.Money{Amount: decimal.NewFromInt(5), Currency: "USD"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	tok, err := a.Tokenize(context.Background(), &TokenizeRequest{Method: domain.PaymentMethod{Type: "card"}, Secret: []byte("4242424242424242")})
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", tok)
}

func TestHTTPAdapterWebhookSignature(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	payload := []byte(`{"id":"evt-1","type":"payment.captured","data":{"reference":"ch_1"}}`)

	require.NoError(t, a.VerifySignature(payload, Sign([]byte("whsec"), payload, time.Now())))
	assert.Error(t, a.VerifySignature(payload, Sign([]byte("wrong"), payload, time.Now())))

	evt, err := a.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "ch_1", evt.ProviderRef)
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error struct {
		Kind    domain.ErrorKind `json:"kind"`
		Message string           `json:"message"`
	} `json:"error"`
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindSignatureInvalid:
		return http.StatusUnauthorized
	case domain.KindFraudRejected:
		return http.StatusPaymentRequired
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindDuplicateEvent:
		return http.StatusConflict
	case domain.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case domain.KindProviderPermanent:
		return http.StatusBadGateway
	case domain.KindProviderTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err without internal causes.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	var body ErrorBody
	body.Error.Kind = kind
	body.Error.Message = domain.MessageOf(err)
	writeJSON(w, status, body)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Errorf(domain.KindValidation, "request body is too large")
		}
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.KindValidation, "request body is required")
		}
		var typed *domain.Error
		if errors.As(err, &typed) {
			return typed
		}
		return domain.WrapError(domain.KindValidation, err, "invalid JSON request body")
	}
	return nil
}

// Amount is a money amount that must travel as a JSON string.
type Amount struct {
	decimal.Decimal
	set bool
}

// UnmarshalJSON accepts "15000.00" and rejects 15000.00.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if !strings.HasPrefix(s, `"`) {
		return domain.Errorf(domain.KindValidation, "amounts must be decimal strings")
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return domain.Errorf(domain.KindValidation, "amount %q is not a decimal", raw)
	}
	a.Decimal = d
	a.set = true
	return nil
}

// Money pairs the amount with currency and validates both.
func (a Amount) Money(currency string) (domain.Money, error) {
	if !a.set {
		return domain.Money{}, domain.Errorf(domain.KindValidation, "amount is required")
	}
	m := domain.Money{Amount: a.Decimal, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := m.Validate(); err != nil {
		return domain.Money{}, err
	}
	return m, nil
}

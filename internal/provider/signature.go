package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// SignatureHeader carries webhook signatures: "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "Talon-Signature"

// DefaultTolerance bounds the age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

// Sign computes the signature header for payload at time ts.
func Sign(secret, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac(secret, unix, payload))
}

// Verify checks header against payload. Any v1 entry may match, which
// allows providers to sign with two secrets during a secret rollover.
func Verify(secret, payload []byte, header string, tolerance time.Duration, now time.Time) error {
	if len(secret) == 0 {
		return domain.Errorf(domain.KindSignatureInvalid, "no webhook secret configured")
	}
	if header == "" {
		return domain.Errorf(domain.KindSignatureInvalid, "missing signature")
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return domain.Errorf(domain.KindSignatureInvalid, "malformed signature header")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.Errorf(domain.KindSignatureInvalid, "malformed signature timestamp")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return domain.Errorf(domain.KindSignatureInvalid, "signature timestamp outside tolerance")
	}

	expected := mac(secret, ts, payload)
	for _, s := range sigs {
		if hmac.Equal(expected, s) {
			return nil
		}
	}
	return domain.Errorf(domain.KindSignatureInvalid, "signature mismatch")
}

func mac(secret []byte, ts string, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}

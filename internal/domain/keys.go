package domain

import "time"

// EncryptedField is the stored form of one sensitive value.
// A field is never mutated; re-wrapping produces a new field.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"keyId"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"alg"`
	Version    int    `json:"v"`
}

// KeyStatus is the lifecycle state of a data-encryption key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRotated KeyStatus = "rotated"
	KeyExpired KeyStatus = "expired"
)

// KeyPurpose scopes keys to one kind of data.
type KeyPurpose string

const (
	PurposePaymentMethod KeyPurpose = "payment-method"
	PurposeManualPayment KeyPurpose = "manual-payment"
)

// EncryptionKey is a data key. Material is only ever stored wrapped under the master key.
type EncryptionKey struct {
	ID        string         `json:"id"`
	Purpose   KeyPurpose     `json:"purpose"`
	Size      int            `json:"size"`
	Status    KeyStatus      `json:"status"`
	Wrapped   EncryptedField `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	RotatedAt *time.Time     `json:"rotatedAt,omitempty"`
}

// KeyUsage tells the key resolver what the caller intends to do.
type KeyUsage int

const (
	UsageEncrypt KeyUsage = iota
	UsageDecrypt
)

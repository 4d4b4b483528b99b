package envelope

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/opensource-finance/talon/internal/domain"
)

// StaticKey resolves exactly one key id to fixed material. It backs the
// master key that wraps data keys.
type StaticKey struct {
	id       string
	material []byte
}

// NewStaticKey copies material so the caller may zero its own slice.
func NewStaticKey(id string, material []byte) (*StaticKey, error) {
	if id == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if len(material) != KeySize {
		return nil, fmt.Errorf("key material must be %d bytes, got %d", KeySize, len(material))
	}
	m := make([]byte, KeySize)
	copy(m, material)
	return &StaticKey{id: id, material: m}, nil
}

// ID returns the key id this resolver answers for.
func (s *StaticKey) ID() string {
	return s.id
}

// ResolveKey implements KeyResolver.
func (s *StaticKey) ResolveKey(_ context.Context, keyID string, _ domain.KeyUsage) ([]byte, error) {
	if keyID != s.id || s.material == nil {
		return nil, fmt.Errorf("unknown key %q", keyID)
	}
	return s.material, nil
}

// Destroy zeroes the material. Later lookups fail.
func (s *StaticKey) Destroy() {
	zero(s.material)
	s.material = nil
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return k, nil
}

// Package envelope provides authenticated encryption of sensitive fields.
//
// Every call draws a fresh salt and IV. The AES-256-GCM key is derived from
// the named data key with PBKDF2-SHA256 keyed by that salt, and the key id,
// algorithm and version are bound as additional authenticated data so a
// ciphertext cannot be replayed under another key id.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Version is the current EncryptedField schema version.
	Version = 1

	// AlgorithmPrefix identifies AES-256-GCM with a PBKDF2-SHA256 derived key.
	// The iteration count follows the colon.
	AlgorithmPrefix = "aes-256-gcm+pbkdf2-sha256"

	MinIterations = 100000
	MaxIterations = 10000000

	KeySize  = 32
	SaltSize = 16
	IVSize   = 12
	TagSize  = 16
)

// KeyResolver returns raw data-key material for a key id.
// Implementations refuse UsageEncrypt for keys that may only decrypt.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string, usage domain.KeyUsage) ([]byte, error)
}

// Engine encrypts and decrypts fields with keys from a resolver.
type Engine struct {
	resolver   KeyResolver
	iterations int
	random     io.Reader
}

// New creates an engine. iterations below MinIterations are rejected.
func New(resolver KeyResolver, iterations int) (*Engine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("key resolver is required")
	}
	if iterations < MinIterations || iterations > MaxIterations {
		return nil, fmt.Errorf("kdf iterations must be between %d and %d", MinIterations, MaxIterations)
	}
	return &Engine{resolver: resolver, iterations: iterations, random: rand.Reader}, nil
}

// Encrypt seals plaintext under keyID.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, keyID string) (*domain.EncryptedField, error) {
	if keyID == "" {
		return nil, domain.Errorf(domain.KindEncryption, "key id is required")
	}
	material, err := e.resolver.ResolveKey(ctx, keyID, domain.UsageEncrypt)
	if err != nil {
		return nil, domain.WrapError(domain.KindEncryption, err, "encryption key unavailable")
	}

	salt := make([]byte, SaltSize)
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(e.random, salt); err != nil {
		return nil, domain.WrapError(domain.KindEncryption, err, "failed to generate salt")
	}
	if _, err := io.ReadFull(e.random, iv); err != nil {
		return nil, domain.WrapError(domain.KindEncryption, err, "failed to generate iv")
	}

	alg := algorithm(e.iterations)
	gcm, err := newGCM(material, salt, e.iterations)
	if err != nil {
		return nil, domain.WrapError(domain.KindEncryption, err, "failed to initialise cipher")
	}

	sealed := gcm.Seal(nil, iv, plaintext, additionalData(keyID, alg, Version))
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return &domain.EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		KeyID:      keyID,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Algorithm:  alg,
		Version:    Version,
	}, nil
}

// Decrypt opens a field sealed under keyID. It fails closed: any mismatch
// in key id, version, algorithm, encoding or tag is a decryption failure.
func (e *Engine) Decrypt(ctx context.Context, field *domain.EncryptedField, keyID string) ([]byte, error) {
	if field == nil {
		return nil, domain.Errorf(domain.KindDecryption, "no encrypted field")
	}
	if keyID == "" || field.KeyID != keyID {
		return nil, domain.Errorf(domain.KindDecryption, "key id mismatch")
	}
	if field.Version != Version {
		return nil, domain.Errorf(domain.KindDecryption, "unsupported field version %d", field.Version)
	}
	iterations, err := parseAlgorithm(field.Algorithm)
	if err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "unsupported algorithm")
	}

	ct, err1 := base64.StdEncoding.DecodeString(field.Ciphertext)
	iv, err2 := base64.StdEncoding.DecodeString(field.IV)
	salt, err3 := base64.StdEncoding.DecodeString(field.Salt)
	tag, err4 := base64.StdEncoding.DecodeString(field.Tag)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, domain.Errorf(domain.KindDecryption, "malformed encrypted field")
	}
	if len(iv) != IVSize || len(salt) != SaltSize || len(tag) != TagSize {
		return nil, domain.Errorf(domain.KindDecryption, "malformed encrypted field")
	}

	material, err := e.resolver.ResolveKey(ctx, keyID, domain.UsageDecrypt)
	if err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "decryption key unavailable")
	}

	gcm, err := newGCM(material, salt, iterations)
	if err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "failed to initialise cipher")
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, additionalData(keyID, field.Algorithm, field.Version))
	if err != nil {
		return nil, domain.Errorf(domain.KindDecryption, "authentication failed")
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for text values.
func (e *Engine) EncryptString(ctx context.Context, plaintext string, keyID string) (*domain.EncryptedField, error) {
	return e.Encrypt(ctx, []byte(plaintext), keyID)
}

// DecryptString is a convenience wrapper for text values.
func (e *Engine) DecryptString(ctx context.Context, field *domain.EncryptedField, keyID string) (string, error) {
	b, err := e.Decrypt(ctx, field, keyID)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newGCM(material, salt []byte, iterations int) (cipher.AEAD, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("empty key material")
	}
	derived := pbkdf2.Key(material, salt, iterations, KeySize, sha256.New)
	defer zero(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func additionalData(keyID, alg string, version int) []byte {
	return []byte("talon:v" + strconv.Itoa(version) + ":" + alg + ":" + keyID)
}

func algorithm(iterations int) string {
	return AlgorithmPrefix + ":" + strconv.Itoa(iterations)
}

func parseAlgorithm(alg string) (int, error) {
	prefix, iter, ok := strings.Cut(alg, ":")
	if !ok || prefix != AlgorithmPrefix {
		return 0, fmt.Errorf("unknown algorithm %q", alg)
	}
	n, err := strconv.Atoi(iter)
	if err != nil || n < MinIterations || n > MaxIterations {
		return 0, fmt.Errorf("invalid iteration count in %q", alg)
	}
	return n, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

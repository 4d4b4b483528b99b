// Package keystore manages the lifecycle of data-encryption keys.
//
// Keys are generated per purpose, wrapped under the master key before they
// are persisted, and cached unwrapped in memory for the life of the process.
// Rotation installs the replacement before demoting the old key, so there is
// never a moment without a usable encryption key. Rotated keys keep decrypting
// until their retention window ends, after which their material is dropped.
package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/envelope"
)

// Options tunes a Store.
type Options struct {
	Purposes         []domain.KeyPurpose
	RotationInterval time.Duration
	RetentionWindow  time.Duration
	Iterations       int
	Audit            domain.AuditRepository
	Now              func() time.Time
}

type entry struct {
	meta     domain.EncryptionKey
	material []byte
}

// Store is the process-wide key cache. It implements envelope.KeyResolver.
type Store struct {
	mu     sync.RWMutex
	keys   map[string]*entry
	active map[domain.KeyPurpose]string
	closed bool

	// rotateMu serializes lifecycle changes; readers only take mu.
	rotateMu sync.Mutex

	repo   domain.KeyRepository
	audit  domain.AuditRepository
	master *envelope.StaticKey
	wrap   *envelope.Engine
	data   *envelope.Engine

	purposes         []domain.KeyPurpose
	rotationInterval time.Duration
	retention        time.Duration
	now              func() time.Time
}

// New creates a store. Call Load before use.
func New(repo domain.KeyRepository, master *envelope.StaticKey, opts Options) (*Store, error) {
	if repo == nil || master == nil {
		return nil, fmt.Errorf("key repository and master key are required")
	}
	if opts.Iterations == 0 {
		opts.Iterations = envelope.MinIterations
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = 90 * 24 * time.Hour
	}

	wrap, err := envelope.New(master, opts.Iterations)
	if err != nil {
		return nil, err
	}

	s := &Store{
		keys:             make(map[string]*entry),
		active:           make(map[domain.KeyPurpose]string),
		repo:             repo,
		audit:            opts.Audit,
		master:           master,
		wrap:             wrap,
		purposes:         opts.Purposes,
		rotationInterval: opts.RotationInterval,
		retention:        opts.RetentionWindow,
		now:              opts.Now,
	}

	s.data, err = envelope.New(s, opts.Iterations)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Load unwraps every non-expired key into the cache and makes sure each
// configured purpose has an active key.
func (s *Store) Load(ctx context.Context) error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	stored, err := s.repo.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	// Oldest first so the newest active key per purpose wins.
	sort.Slice(stored, func(i, j int) bool { return stored[i].CreatedAt.Before(stored[j].CreatedAt) })

	loaded := make(map[string]*entry, len(stored))
	active := make(map[domain.KeyPurpose]string)
	var demote []*domain.EncryptionKey

	for _, k := range stored {
		if k.Status == domain.KeyExpired {
			continue
		}
		material, err := s.wrap.Decrypt(ctx, &k.Wrapped, s.master.ID())
		if err != nil {
			return fmt.Errorf("failed to unwrap key %s: %w", k.ID, err)
		}
		loaded[k.ID] = &entry{meta: *k, material: material}

		if k.Status == domain.KeyActive {
			if prev, ok := active[k.Purpose]; ok {
				// A rotation was interrupted after installing the new key.
				demote = append(demote, &loaded[prev].meta)
			}
			active[k.Purpose] = k.ID
		}
	}

	s.mu.Lock()
	s.keys = loaded
	s.active = active
	s.closed = false
	s.mu.Unlock()

	for _, k := range demote {
		if err := s.markRotated(ctx, k.ID); err != nil {
			return err
		}
	}

	for _, p := range s.purposes {
		if _, err := s.ActiveKeyID(p); err == nil {
			continue
		}
		if _, err := s.generate(ctx, p); err != nil {
			return err
		}
	}

	slog.Info("key store loaded", "keys", len(loaded), "purposes", len(s.purposes))
	return nil
}

// Generate creates a new active key for a purpose that has none.
// Use Rotate to replace an existing active key.
func (s *Store) Generate(ctx context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	if id, err := s.ActiveKeyID(purpose); err == nil {
		return nil, domain.Errorf(domain.KindConflict, "purpose %s already has active key %s", purpose, id)
	}
	return s.generate(ctx, purpose)
}

// Rotate replaces the active key for purpose. The new key is persisted and
// installed first; only then is the old key marked rotated.
func (s *Store) Rotate(ctx context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	oldID, _ := s.ActiveKeyID(purpose)

	key, err := s.generate(ctx, purpose)
	if err != nil {
		return nil, err
	}

	if oldID != "" {
		if err := s.markRotated(ctx, oldID); err != nil {
			return nil, err
		}
	}

	slog.Info("key rotated", "purpose", purpose, "key_id", key.ID, "previous_key_id", oldID)
	return key, nil
}

// RotateDue rotates every active key older than the rotation interval.
func (s *Store) RotateDue(ctx context.Context) ([]string, error) {
	if s.rotationInterval <= 0 {
		return nil, nil
	}
	now := s.now()

	s.mu.RLock()
	var due []domain.KeyPurpose
	for purpose, id := range s.active {
		if e := s.keys[id]; e != nil && now.Sub(e.meta.CreatedAt) >= s.rotationInterval {
			due = append(due, purpose)
		}
	}
	s.mu.RUnlock()

	var rotated []string
	for _, p := range due {
		k, err := s.Rotate(ctx, p)
		if err != nil {
			return rotated, err
		}
		rotated = append(rotated, k.ID)
	}
	return rotated, nil
}

// ExpireDue expires rotated keys whose retention window has elapsed and
// drops their material. Ciphertext under those keys no longer decrypts.
func (s *Store) ExpireDue(ctx context.Context) ([]string, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	now := s.now()

	s.mu.RLock()
	var due []domain.EncryptionKey
	for _, e := range s.keys {
		if e.meta.Status == domain.KeyRotated && e.meta.ExpiresAt != nil && !now.Before(*e.meta.ExpiresAt) {
			due = append(due, e.meta)
		}
	}
	s.mu.RUnlock()

	var expired []string
	for _, meta := range due {
		meta.Status = domain.KeyExpired
		if err := s.repo.SaveKey(ctx, &meta); err != nil {
			return expired, fmt.Errorf("failed to expire key %s: %w", meta.ID, err)
		}

		s.mu.Lock()
		if e := s.keys[meta.ID]; e != nil {
			zero(e.material)
			delete(s.keys, meta.ID)
		}
		s.mu.Unlock()

		s.record(ctx, meta.ID, "key.expired", string(meta.Purpose))
		expired = append(expired, meta.ID)
	}
	if len(expired) > 0 {
		slog.Info("keys expired", "count", len(expired))
	}
	return expired, nil
}

// ActiveKeyID returns the id of the key that new data for purpose is sealed with.
func (s *Store) ActiveKeyID(purpose domain.KeyPurpose) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", fmt.Errorf("key store is closed")
	}
	id, ok := s.active[purpose]
	if !ok {
		return "", fmt.Errorf("no active key for purpose %s", purpose)
	}
	return id, nil
}

// ResolveKey implements envelope.KeyResolver. Only active keys encrypt;
// rotated keys decrypt until their retention window ends.
func (s *Store) ResolveKey(_ context.Context, keyID string, usage domain.KeyUsage) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("key store is closed")
	}
	e, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key %s", keyID)
	}

	switch e.meta.Status {
	case domain.KeyActive:
		return clone(e.material), nil
	case domain.KeyRotated:
		if usage == domain.UsageEncrypt {
			return nil, fmt.Errorf("key %s is rotated and may only decrypt", keyID)
		}
		if e.meta.ExpiresAt != nil && !s.now().Before(*e.meta.ExpiresAt) {
			return nil, fmt.Errorf("key %s retention has elapsed", keyID)
		}
		return clone(e.material), nil
	default:
		return nil, fmt.Errorf("key %s is %s", keyID, e.meta.Status)
	}
}

// Seal encrypts plaintext with the active key for purpose.
// A rotation racing with the call is retried once against the new key.
func (s *Store) Seal(ctx context.Context, purpose domain.KeyPurpose, plaintext []byte) (*domain.EncryptedField, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		keyID, err := s.ActiveKeyID(purpose)
		if err != nil {
			return nil, domain.WrapError(domain.KindEncryption, err, "no active key")
		}
		field, err := s.data.Encrypt(ctx, plaintext, keyID)
		if err == nil {
			return field, nil
		}
		if current, _ := s.ActiveKeyID(purpose); current == keyID {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Open decrypts a field with the key it names.
func (s *Store) Open(ctx context.Context, field *domain.EncryptedField) ([]byte, error) {
	if field == nil {
		return nil, domain.Errorf(domain.KindDecryption, "no encrypted field")
	}
	return s.data.Decrypt(ctx, field, field.KeyID)
}

// Rewrap re-encrypts field under the active key for purpose and returns a new field.
// The input field is left untouched.
func (s *Store) Rewrap(ctx context.Context, purpose domain.KeyPurpose, field *domain.EncryptedField) (*domain.EncryptedField, error) {
	plaintext, err := s.Open(ctx, field)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)
	return s.Seal(ctx, purpose, plaintext)
}

// Keys returns metadata for every cached key.
func (s *Store) Keys() []domain.EncryptionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EncryptionKey, 0, len(s.keys))
	for _, e := range s.keys {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close zeroes all cached material. The store refuses lookups afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.keys {
		zero(e.material)
		delete(s.keys, id)
	}
	s.active = make(map[domain.KeyPurpose]string)
	s.closed = true
	return nil
}

// generate creates, persists and installs a new active key. Caller holds rotateMu.
func (s *Store) generate(ctx context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error) {
	material, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}

	id := "dek_" + uuid.New().String()
	wrapped, err := s.wrap.Encrypt(ctx, material, s.master.ID())
	if err != nil {
		zero(material)
		return nil, err
	}

	key := domain.EncryptionKey{
		ID:        id,
		Purpose:   purpose,
		Size:      envelope.KeySize * 8,
		Status:    domain.KeyActive,
		Wrapped:   *wrapped,
		CreatedAt: s.now(),
	}
	if err := s.repo.SaveKey(ctx, &key); err != nil {
		zero(material)
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}

	s.mu.Lock()
	s.keys[id] = &entry{meta: key, material: material}
	s.active[purpose] = id
	s.mu.Unlock()

	s.record(ctx, id, "key.generated", string(purpose))
	return &key, nil
}

// markRotated demotes a key to decrypt-only. Caller holds rotateMu.
func (s *Store) markRotated(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.keys[id]
	var meta domain.EncryptionKey
	if ok {
		meta = e.meta
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown key %s", id)
	}

	now := s.now()
	expires := now.Add(s.retention)
	meta.Status = domain.KeyRotated
	meta.RotatedAt = &now
	meta.ExpiresAt = &expires

	if err := s.repo.SaveKey(ctx, &meta); err != nil {
		return fmt.Errorf("failed to mark key %s rotated: %w", id, err)
	}

	s.mu.Lock()
	if e, ok := s.keys[id]; ok {
		e.meta = meta
	}
	if s.active[meta.Purpose] == id {
		delete(s.active, meta.Purpose)
	}
	s.mu.Unlock()

	s.record(ctx, id, "key.rotated", string(meta.Purpose))
	return nil
}

func (s *Store) record(ctx context.Context, keyID, action, notes string) {
	if s.audit == nil {
		return
	}
	err := s.audit.AppendAudit(ctx, &domain.AuditEntry{
		ID:          uuid.New().String(),
		TenantID:    domain.SystemTenantID,
		SubjectType: "encryption_key",
		SubjectID:   keyID,
		ActorID:     "keystore",
		Action:      action,
		Notes:       notes,
		CreatedAt:   s.now(),
	})
	if err != nil {
		slog.Warn("failed to audit key event", "key_id", keyID, "action", action, "error", err)
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

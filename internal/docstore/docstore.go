// Package docstore implements the encrypted document store: a
// locked/unlocked state machine over the envelope cipher, the key
// repository and a durable backend. Content is encrypted under a single
// password-derived master key; unencrypted metadata is kept alongside each
// item so listings never require decryption.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lockboxkit/lockbox/internal/audit"
	"github.com/lockboxkit/lockbox/internal/envelope"
	"github.com/lockboxkit/lockbox/internal/keyring"
	"github.com/lockboxkit/lockbox/internal/store"
	"github.com/lockboxkit/lockbox/internal/validation"
)

// Store orchestrates envelope crypto, key persistence and item storage.
// All key-mutating operations (setup, unlock, lock, password change) take
// the write lock; item operations take the read lock, so a migration can
// never interleave with a concurrent item write.
type Store struct {
	db   store.Backend
	keys *keyring.Repository
	sink audit.Sink

	mu          sync.RWMutex
	initialized bool
	masterKeyID string
	masterKey   *envelope.Key // nil when locked
}

// ItemInfo is the listing view of one item: id and unencrypted metadata
// only, no decrypted content.
type ItemInfo struct {
	ID        string            `json:"id" yaml:"id"`
	Category  string            `json:"category" yaml:"category"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
}

// New creates a store over the given backend and key repository. sink may
// be nil. The store starts locked and uninitialized.
func New(db store.Backend, keys *keyring.Repository, sink audit.Sink) *Store {
	return &Store{
		db:   db,
		keys: keys,
		sink: sink,
	}
}

// Initialize prepares the store for use: loads the remembered master key
// pointer and resumes any interrupted password migration. Idempotent; never
// clears existing data. The backing schema itself is created when the
// backend is opened.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	id, err := s.db.GetMasterKeyID()
	if err != nil {
		return fmt.Errorf("load master key id: %w", err)
	}
	s.masterKeyID = id

	if err := s.resumeMigration(ctx); err != nil {
		return err
	}

	s.initialized = true
	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventStoreInitialize,
		Description: "document store initialized",
	})
	return nil
}

// SetupWithPassword creates the master key for a store that does not have
// one yet and transitions to unlocked. Returns false without side effects
// when a master key already exists.
func (s *Store) SetupWithPassword(ctx context.Context, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}
	if s.masterKeyID != "" {
		return false, nil
	}

	keyID := keyring.GenerateKeyID()
	key, err := envelope.DeriveKey([]byte(password), nil)
	if err != nil {
		return false, fmt.Errorf("derive master key: %w", err)
	}

	if err := s.keys.StoreKey(ctx, keyID, key); err != nil {
		key.Zero()
		return false, err
	}
	if err := s.db.SetMasterKeyID(keyID); err != nil {
		key.Zero()
		return false, fmt.Errorf("persist master key id: %w", err)
	}

	s.masterKeyID = keyID
	s.masterKey = key

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventStoreSetup,
		Description: "master key created, store unlocked",
		Metadata:    map[string]any{"key_id": keyID},
	})
	return true, nil
}

// Unlock verifies the password against the designated key and transitions
// to unlocked. Returns (false, nil) both when no key record exists and when
// the password is wrong, so callers cannot distinguish the two.
func (s *Store) Unlock(ctx context.Context, password string, keyID ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}

	id := s.masterKeyID
	if len(keyID) > 0 && keyID[0] != "" {
		id = keyID[0]
	}
	if id == "" {
		s.auditUnlockFailed(ctx)
		return false, nil
	}

	stored, err := s.keys.RetrieveKey(ctx, id)
	if err != nil {
		return false, err
	}
	if stored == nil {
		s.auditUnlockFailed(ctx)
		return false, nil
	}

	candidate, err := envelope.DeriveKeyWithMethod([]byte(password), stored.Salt, stored.Method)
	if err != nil {
		stored.Zero()
		return false, err
	}

	if !canaryRoundTrip(candidate, stored) {
		candidate.Zero()
		stored.Zero()
		s.auditUnlockFailed(ctx)
		return false, nil
	}
	candidate.Zero()

	if s.masterKey != nil {
		s.masterKey.Zero()
	}
	s.masterKey = stored
	s.masterKeyID = id

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventStoreUnlock,
		Description: "store unlocked",
		Metadata:    map[string]any{"key_id": id},
	})
	return true, nil
}

// Lock transitions to locked, zeroing the session master key and evicting
// the key repository cache.
func (s *Store) Lock(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey != nil {
		s.masterKey.Zero()
		s.masterKey = nil
	}
	s.keys.EvictAll()

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventStoreLock,
		Description: "store locked",
	})
}

// IsUnlocked reports whether content operations are currently permitted.
func (s *Store) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterKey != nil
}

// MasterKeyID returns the id of the currently designated master key, or ""
// before setup.
func (s *Store) MasterKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.masterKeyID
}

// requireUnlocked returns ErrNotAuthenticated if the store is locked.
// The caller must hold at least an RLock.
func (s *Store) requireUnlocked() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.masterKey == nil {
		return ErrNotAuthenticated
	}
	return nil
}

// canaryRoundTrip encrypts a fresh random canary with the candidate key and
// decrypts with the stored key. Both succeed and agree only when the
// password-derived candidate matches the persisted key material.
func canaryRoundTrip(candidate, stored *envelope.Key) bool {
	canary := uuid.New().String()
	env, err := envelope.Encrypt(candidate, canary, "")
	if err != nil {
		return false
	}
	got, err := envelope.Decrypt(stored, env)
	if err != nil {
		return false
	}
	return got == canary
}

func (s *Store) auditUnlockFailed(ctx context.Context) {
	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelWarn,
		Type:        audit.EventStoreUnlock,
		Description: "unlock failed",
	})
}

// StoreItem serializes content to canonical JSON, encrypts it under the
// master key and upserts the item. Both timestamps are refreshed even when
// overwriting an existing id; overwrite resets CreatedAt by design.
func (s *Store) StoreItem(ctx context.Context, id, category string, content any, metadata map[string]string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireUnlocked(); err != nil {
		return "", err
	}
	if err := validation.ItemID(id); err != nil {
		return "", fmt.Errorf("invalid item id: %w", err)
	}
	if err := validation.Category(category); err != nil {
		return "", fmt.Errorf("invalid category: %w", err)
	}
	if err := validation.Metadata(metadata); err != nil {
		return "", fmt.Errorf("invalid metadata: %w", err)
	}

	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("serialize content: %w", err)
	}

	env, err := envelope.Encrypt(s.masterKey, string(data), s.masterKeyID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	item := &store.Item{
		ID:        id,
		Category:  category,
		Envelope:  *env,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.PutItem(item); err != nil {
		return "", fmt.Errorf("store item: %w", err)
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventItemStore,
		Description: "item stored",
		Metadata:    map[string]any{"item_id": id, "category": category},
	})
	return id, nil
}

// RetrieveItem decrypts the item with the given id into out. Returns
// (false, nil) when no item exists. A present but undecryptable item
// surfaces envelope.ErrDecryptionFailed.
func (s *Store) RetrieveItem(ctx context.Context, id string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireUnlocked(); err != nil {
		return false, err
	}

	item, err := s.db.GetItem(id)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load item: %w", err)
	}

	key, err := s.resolveItemKey(ctx, &item.Envelope)
	if err != nil {
		return false, err
	}

	plaintext, err := envelope.Decrypt(key, &item.Envelope)
	if key != s.masterKey {
		key.Zero()
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return false, fmt.Errorf("deserialize content: %w", err)
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventItemRetrieve,
		Description: "item retrieved",
		Metadata:    map[string]any{"item_id": id},
	})
	return true, nil
}

// resolveItemKey returns the key an envelope was encrypted under. Items
// mid-migration may still reference the previous master key; honoring the
// envelope's own key id keeps them readable while both keys exist. A key
// other than the session master key is a transient clone the caller must
// zero after use.
func (s *Store) resolveItemKey(ctx context.Context, env *envelope.Envelope) (*envelope.Key, error) {
	if env.KeyID == "" || env.KeyID == s.masterKeyID {
		return s.masterKey, nil
	}
	key, err := s.keys.RetrieveKey(ctx, env.KeyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		// Key was shredded; decryption with the master key will fail closed.
		return s.masterKey, nil
	}
	return key, nil
}

// DeleteItem removes an item unconditionally. Deletion needs no decryption
// and is therefore permitted while locked.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return ErrNotInitialized
	}

	if err := s.db.DeleteItem(id); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventItemDelete,
		Description: "item deleted",
		Metadata:    map[string]any{"item_id": id},
	})
	return nil
}

// ListItemsByCategory returns id, metadata and update time for every item
// in a category. Nothing is decrypted, so listing works while locked.
func (s *Store) ListItemsByCategory(ctx context.Context, category string) ([]ItemInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if err := validation.Category(category); err != nil {
		return nil, fmt.Errorf("invalid category: %w", err)
	}

	items, err := s.db.ListItemsByCategory(category)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	infos := make([]ItemInfo, 0, len(items))
	for _, item := range items {
		infos = append(infos, ItemInfo{
			ID:        item.ID,
			Category:  item.Category,
			Metadata:  item.Metadata,
			UpdatedAt: item.UpdatedAt,
		})
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventItemList,
		Description: "items listed",
		Metadata:    map[string]any{"category": category, "count": len(infos)},
	})
	return infos, nil
}

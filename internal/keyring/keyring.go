// Package keyring persists derived key material under opaque ids, with an
// in-memory cache to avoid repeated storage round trips. Deleting a key
// renders every envelope that references it permanently undecryptable
// (crypto-shredding).
package keyring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lockboxkit/lockbox/internal/audit"
	"github.com/lockboxkit/lockbox/internal/envelope"
	"github.com/lockboxkit/lockbox/internal/store"
)

// Repository stores and retrieves encryption keys. The cache and durable
// storage are kept consistent within one logical session; concurrent
// repositories over the same database across processes are out of scope.
type Repository struct {
	backend store.Backend
	sink    audit.Sink

	mu    sync.RWMutex
	cache map[string]*envelope.Key
}

// NewRepository creates a key repository over the given backend. sink may
// be nil.
func NewRepository(backend store.Backend, sink audit.Sink) *Repository {
	return &Repository{
		backend: backend,
		sink:    sink,
		cache:   make(map[string]*envelope.Key),
	}
}

// GenerateKeyID produces a random, collision-resistant opaque identifier.
// Never derived from the password.
func GenerateKeyID() string {
	return uuid.New().String()
}

// StoreKey exports the key to a storable form, persists it and populates
// the cache.
func (r *Repository) StoreKey(ctx context.Context, id string, key *envelope.Key) error {
	rec := &store.KeyRecord{
		ID:          id,
		ExportedKey: base64.StdEncoding.EncodeToString(key.Material),
		Salt:        base64.StdEncoding.EncodeToString(key.Salt),
		Method:      key.Method,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.backend.PutKey(rec); err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	r.mu.Lock()
	r.cache[id] = cloneKey(key)
	r.mu.Unlock()

	audit.Fire(ctx, r.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventKeyStore,
		Description: "encryption key stored",
		Metadata:    map[string]any{"key_id": id},
	})
	return nil
}

// RetrieveKey returns the key for id, reading from durable storage on a
// cache miss. Returns (nil, nil) when no record exists.
func (r *Repository) RetrieveKey(ctx context.Context, id string) (*envelope.Key, error) {
	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cloneKey(cached), nil
	}

	rec, err := r.backend.GetKey(id)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("retrieve key: %w", err)
	}

	key, err := importKey(rec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = cloneKey(key)
	r.mu.Unlock()

	audit.Fire(ctx, r.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventKeyRetrieve,
		Description: "encryption key loaded from storage",
		Metadata:    map[string]any{"key_id": id},
	})
	return key, nil
}

// DeleteKey removes the key from both cache and durable storage. Envelopes
// referencing the id become permanently undecryptable.
func (r *Repository) DeleteKey(ctx context.Context, id string) error {
	if err := r.backend.DeleteKey(id); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	r.mu.Lock()
	if cached, ok := r.cache[id]; ok {
		cached.Zero()
		delete(r.cache, id)
	}
	r.mu.Unlock()

	audit.Fire(ctx, r.sink, audit.Event{
		Level:       audit.LevelWarn,
		Type:        audit.EventKeyDelete,
		Description: "encryption key deleted",
		Metadata:    map[string]any{"key_id": id},
	})
	return nil
}

// EvictAll zeroes and drops every cached key. Durable records are
// untouched; keys are re-imported on the next retrieval.
func (r *Repository) EvictAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, key := range r.cache {
		key.Zero()
		delete(r.cache, id)
	}
}

// importKey re-imports a durable record into usable key material.
func importKey(rec *store.KeyRecord) (*envelope.Key, error) {
	material, err := base64.StdEncoding.DecodeString(rec.ExportedKey)
	if err != nil {
		return nil, fmt.Errorf("import key %s: %w", rec.ID, err)
	}
	if len(material) != envelope.KeySize {
		return nil, envelope.ErrInvalidKeySize
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, fmt.Errorf("import key %s salt: %w", rec.ID, err)
	}

	method := rec.Method
	if method == "" {
		method = envelope.DefaultKDF
	}
	return &envelope.Key{Material: material, Salt: salt, Method: method}, nil
}

// cloneKey copies key material so cache entries and caller-held keys can be
// zeroed independently.
func cloneKey(k *envelope.Key) *envelope.Key {
	material := make([]byte, len(k.Material))
	copy(material, k.Material)
	salt := make([]byte, len(k.Salt))
	copy(salt, k.Salt)
	return &envelope.Key{Material: material, Salt: salt, Method: k.Method}
}

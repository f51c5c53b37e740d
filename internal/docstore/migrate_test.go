package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lockboxkit/lockbox/internal/audit"
	"github.com/lockboxkit/lockbox/internal/envelope"
	"github.com/lockboxkit/lockbox/internal/keyring"
	"github.com/lockboxkit/lockbox/internal/store"
)

const rotatedPassword = "new-pass"

// seedItems stores n notes across two categories and returns their ids.
func seedItems(t *testing.T, s *Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	categories := []string{"email", "contact"}
	for i := 0; i < n; i++ {
		id := string(rune('a'+i)) + "-item"
		if _, err := s.StoreItem(ctx, id, categories[i%2], note{Text: id}, nil); err != nil {
			t.Fatalf("StoreItem %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestChangeMasterPassword_Complete(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	oldKeyID := s.MasterKeyID()
	ids := seedItems(t, s, 3)

	ok, err := s.ChangeMasterPassword(ctx, testPassword, rotatedPassword)
	if err != nil {
		t.Fatalf("ChangeMasterPassword: %v", err)
	}
	if !ok {
		t.Fatal("ChangeMasterPassword with correct password failed")
	}

	// Old key must be shredded and the marker cleared.
	if _, err := backend.GetKey(oldKeyID); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("old key still present: %v", err)
	}
	marker, err := backend.GetMigration()
	if err != nil {
		t.Fatalf("GetMigration: %v", err)
	}
	if marker != nil {
		t.Fatalf("marker not cleared: %+v", marker)
	}

	// Old password no longer unlocks; new password does.
	s.Lock(ctx)
	if ok, _ := s.Unlock(ctx, testPassword); ok {
		t.Fatal("old password still unlocks after migration")
	}
	ok, err = s.Unlock(ctx, rotatedPassword)
	if err != nil || !ok {
		t.Fatalf("new password failed to unlock: ok=%v err=%v", ok, err)
	}

	// Every item retrieves the identical content.
	for _, id := range ids {
		var got note
		found, err := s.RetrieveItem(ctx, id, &got)
		if err != nil || !found {
			t.Fatalf("item %s after migration: found=%v err=%v", id, found, err)
		}
		if got.Text != id {
			t.Fatalf("item %s content = %q, want %q", id, got.Text, id)
		}
	}
}

func TestChangeMasterPassword_WrongCurrent(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	oldKeyID := s.MasterKeyID()
	seedItems(t, s, 2)

	ok, err := s.ChangeMasterPassword(ctx, "wrong-password", rotatedPassword)
	if err != nil {
		t.Fatalf("ChangeMasterPassword: %v", err)
	}
	if ok {
		t.Fatal("migration succeeded with wrong current password")
	}

	// Nothing changed: key intact, no marker, items readable.
	if _, err := backend.GetKey(oldKeyID); err != nil {
		t.Fatalf("old key damaged by failed attempt: %v", err)
	}
	marker, _ := backend.GetMigration()
	if marker != nil {
		t.Fatalf("marker written for failed attempt: %+v", marker)
	}

	var got note
	found, err := s.RetrieveItem(ctx, "a-item", &got)
	if err != nil || !found {
		t.Fatalf("item unreadable after failed attempt: found=%v err=%v", found, err)
	}
}

func TestChangeMasterPassword_NoMasterKey(t *testing.T) {
	s, _ := openStoreAt(t, filepath.Join(t.TempDir(), "lockbox.db"))

	ok, err := s.ChangeMasterPassword(context.Background(), testPassword, rotatedPassword)
	if err != nil {
		t.Fatalf("ChangeMasterPassword: %v", err)
	}
	if ok {
		t.Fatal("migration succeeded on a store with no master key")
	}
}

func TestChangeMasterPassword_PreservesItemFields(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	meta := map[string]string{"subject": "inbox"}
	if _, err := s.StoreItem(ctx, "m1", "email", note{Text: "hello"}, meta); err != nil {
		t.Fatalf("StoreItem: %v", err)
	}
	before, err := backend.GetItem("m1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}

	if ok, err := s.ChangeMasterPassword(ctx, testPassword, rotatedPassword); err != nil || !ok {
		t.Fatalf("ChangeMasterPassword: ok=%v err=%v", ok, err)
	}

	after, err := backend.GetItem("m1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if after.Category != before.Category {
		t.Errorf("category changed: %q -> %q", before.Category, after.Category)
	}
	if after.Metadata["subject"] != "inbox" {
		t.Errorf("metadata lost: %+v", after.Metadata)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("timestamps not preserved during migration")
	}
	if after.Envelope.Ciphertext == before.Envelope.Ciphertext {
		t.Error("envelope not rewritten")
	}
	if after.Envelope.KeyID != s.MasterKeyID() {
		t.Errorf("envelope key id = %q, want %q", after.Envelope.KeyID, s.MasterKeyID())
	}
}

func TestChangeMasterPassword_CanceledLeavesRecoverableState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockbox.db")
	s, backend := openStoreAt(t, path)
	ctx := context.Background()

	if ok, err := s.SetupWithPassword(ctx, testPassword); err != nil || !ok {
		t.Fatalf("SetupWithPassword: ok=%v err=%v", ok, err)
	}
	oldKeyID := s.MasterKeyID()
	ids := seedItems(t, s, 3)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := s.ChangeMasterPassword(canceled, testPassword, rotatedPassword)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Interruption must leave the marker and both keys durable.
	marker, err := backend.GetMigration()
	if err != nil {
		t.Fatalf("GetMigration: %v", err)
	}
	if marker == nil {
		t.Fatal("no migration marker after interruption")
	}
	if _, err := backend.GetKey(marker.OldKeyID); err != nil {
		t.Fatalf("old key missing after interruption: %v", err)
	}
	if _, err := backend.GetKey(marker.NewKeyID); err != nil {
		t.Fatalf("new key missing after interruption: %v", err)
	}
	backend.Close()

	// A fresh session resumes and completes the migration at Initialize.
	backend2, err := store.NewBoltBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer backend2.Close()
	s2 := New(backend2, keyring.NewRepository(backend2, audit.NopSink{}), audit.NopSink{})
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with pending migration: %v", err)
	}

	marker, err = backend2.GetMigration()
	if err != nil {
		t.Fatalf("GetMigration: %v", err)
	}
	if marker != nil {
		t.Fatalf("marker survived resume: %+v", marker)
	}
	if _, err := backend2.GetKey(oldKeyID); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("old key not shredded after resume: %v", err)
	}

	if ok, _ := s2.Unlock(ctx, testPassword); ok {
		t.Fatal("old password unlocks after resumed migration")
	}
	ok, err := s2.Unlock(ctx, rotatedPassword)
	if err != nil || !ok {
		t.Fatalf("new password failed after resumed migration: ok=%v err=%v", ok, err)
	}

	for _, id := range ids {
		var got note
		found, err := s2.RetrieveItem(ctx, id, &got)
		if err != nil || !found || got.Text != id {
			t.Fatalf("item %s after resume: found=%v got=%+v err=%v", id, found, got, err)
		}
	}
}

func TestResumeMigration_StaleMarker(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	seedItems(t, s, 1)

	// A marker whose new key never became durable is stale; Initialize
	// clears it and keeps the prior state.
	if err := backend.SetMigration(&store.MigrationMarker{
		OldKeyID: s.MasterKeyID(),
		NewKeyID: "never-persisted",
	}); err != nil {
		t.Fatalf("SetMigration: %v", err)
	}

	s2 := New(backend, keyring.NewRepository(backend, audit.NopSink{}), audit.NopSink{})
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	marker, _ := backend.GetMigration()
	if marker != nil {
		t.Fatalf("stale marker not cleared: %+v", marker)
	}

	ok, err := s2.Unlock(ctx, testPassword)
	if err != nil || !ok {
		t.Fatalf("original password rejected after stale marker cleanup: ok=%v err=%v", ok, err)
	}
	var got note
	found, err := s2.RetrieveItem(ctx, "a-item", &got)
	if err != nil || !found {
		t.Fatalf("item unreadable after stale marker cleanup: found=%v err=%v", found, err)
	}
}

// interruptRotation reproduces the durable state of a rotation that died
// midway: the pending key is persisted, the marker is written, and exactly
// one item has already been rewritten under the pending key.
func interruptRotation(t *testing.T, s *Store, backend *store.BoltBackend, itemID, pendingPassword string) string {
	t.Helper()
	ctx := context.Background()

	pendingID := keyring.GenerateKeyID()
	pendingKey, err := envelope.DeriveKey([]byte(pendingPassword), nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if err := s.keys.StoreKey(ctx, pendingID, pendingKey); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	if err := backend.SetMigration(&store.MigrationMarker{
		OldKeyID:  s.MasterKeyID(),
		NewKeyID:  pendingID,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SetMigration: %v", err)
	}

	item, err := backend.GetItem(itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	plaintext, err := envelope.Decrypt(s.masterKey, &item.Envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	env, err := envelope.Encrypt(pendingKey, plaintext, pendingID)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pendingKey.Zero()
	item.Envelope = *env
	if err := backend.PutItem(item); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	return pendingID
}

// Retrying after an interruption must roll the abandoned rotation back and
// then complete the new one, leaving no retired key or marker behind.
func TestChangeMasterPassword_RetryAfterInterruption(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	oldKeyID := s.MasterKeyID()
	ids := seedItems(t, s, 3)
	pendingID := interruptRotation(t, s, backend, ids[0], "abandoned-pass")

	ok, err := s.ChangeMasterPassword(ctx, testPassword, rotatedPassword)
	if err != nil {
		t.Fatalf("retry ChangeMasterPassword: %v", err)
	}
	if !ok {
		t.Fatal("retry with correct password failed")
	}

	for _, keyID := range []string{oldKeyID, pendingID} {
		if _, err := backend.GetKey(keyID); !errors.Is(err, store.ErrKeyNotFound) {
			t.Fatalf("retired key %s still present: %v", keyID, err)
		}
	}
	marker, err := backend.GetMigration()
	if err != nil {
		t.Fatalf("GetMigration: %v", err)
	}
	if marker != nil {
		t.Fatalf("marker not cleared: %+v", marker)
	}

	s.Lock(ctx)
	ok, err = s.Unlock(ctx, rotatedPassword)
	if err != nil || !ok {
		t.Fatalf("new password failed after retry: ok=%v err=%v", ok, err)
	}
	for _, id := range ids {
		var got note
		found, err := s.RetrieveItem(ctx, id, &got)
		if err != nil || !found || got.Text != id {
			t.Fatalf("item %s after retry: found=%v got=%+v err=%v", id, found, got, err)
		}
		item, err := backend.GetItem(id)
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		if item.Envelope.KeyID != s.MasterKeyID() {
			t.Fatalf("item %s key id = %q, want %q", id, item.Envelope.KeyID, s.MasterKeyID())
		}
	}
}

// A restart with items split across both key generations must resume the
// pending rotation cleanly.
func TestResumeMigration_MixedGenerations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockbox.db")
	s, backend := openStoreAt(t, path)
	ctx := context.Background()

	if ok, err := s.SetupWithPassword(ctx, testPassword); err != nil || !ok {
		t.Fatalf("SetupWithPassword: ok=%v err=%v", ok, err)
	}
	oldKeyID := s.MasterKeyID()
	ids := seedItems(t, s, 3)
	pendingID := interruptRotation(t, s, backend, ids[0], "abandoned-pass")
	backend.Close()

	backend2, err := store.NewBoltBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer backend2.Close()
	s2 := New(backend2, keyring.NewRepository(backend2, audit.NopSink{}), audit.NopSink{})
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with mixed generations: %v", err)
	}

	marker, err := backend2.GetMigration()
	if err != nil {
		t.Fatalf("GetMigration: %v", err)
	}
	if marker != nil {
		t.Fatalf("marker survived resume: %+v", marker)
	}
	if _, err := backend2.GetKey(oldKeyID); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("old key not shredded after resume: %v", err)
	}
	if s2.MasterKeyID() != pendingID {
		t.Fatalf("master key id = %q, want %q", s2.MasterKeyID(), pendingID)
	}

	if ok, _ := s2.Unlock(ctx, testPassword); ok {
		t.Fatal("old password unlocks after resumed migration")
	}
	ok, err := s2.Unlock(ctx, "abandoned-pass")
	if err != nil || !ok {
		t.Fatalf("pending password failed after resume: ok=%v err=%v", ok, err)
	}
	for _, id := range ids {
		var got note
		found, err := s2.RetrieveItem(ctx, id, &got)
		if err != nil || !found || got.Text != id {
			t.Fatalf("item %s after resume: found=%v got=%+v err=%v", id, found, got, err)
		}
	}
}

// A crash after the old key was shredded but before the marker cleared
// must still come up clean on the next start.
func TestResumeMigration_OldKeyAlreadyShredded(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	oldKeyID := s.MasterKeyID()
	ids := seedItems(t, s, 2)
	if ok, err := s.ChangeMasterPassword(ctx, testPassword, rotatedPassword); err != nil || !ok {
		t.Fatalf("ChangeMasterPassword: ok=%v err=%v", ok, err)
	}
	newKeyID := s.MasterKeyID()

	// Re-create the marker: everything else about the rotation is durable.
	if err := backend.SetMigration(&store.MigrationMarker{
		OldKeyID:  oldKeyID,
		NewKeyID:  newKeyID,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SetMigration: %v", err)
	}

	s2 := New(backend, keyring.NewRepository(backend, audit.NopSink{}), audit.NopSink{})
	if err := s2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	marker, err := backend.GetMigration()
	if err != nil {
		t.Fatalf("GetMigration: %v", err)
	}
	if marker != nil {
		t.Fatalf("marker not cleared: %+v", marker)
	}

	ok, err := s2.Unlock(ctx, rotatedPassword)
	if err != nil || !ok {
		t.Fatalf("Unlock: ok=%v err=%v", ok, err)
	}
	for _, id := range ids {
		var got note
		found, err := s2.RetrieveItem(ctx, id, &got)
		if err != nil || !found {
			t.Fatalf("item %s: found=%v err=%v", id, found, err)
		}
	}
}

// Items readable mid-migration: envelopes carry their own key id, so a
// partially migrated store resolves both generations while both keys
// exist. Reads repeat to show the per-item key is a fresh clone each time.
func TestRetrieveItem_MixedKeyGenerations(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	ids := seedItems(t, s, 2)

	interruptRotation(t, s, backend, ids[0], "abandoned-pass")

	for pass := 0; pass < 2; pass++ {
		for _, id := range ids {
			var got note
			found, err := s.RetrieveItem(ctx, id, &got)
			if err != nil || !found || got.Text != id {
				t.Fatalf("item %s (read %d): found=%v got=%+v err=%v", id, pass, found, got, err)
			}
		}
	}
}

package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lockboxkit/lockbox/internal/audit"
	"github.com/lockboxkit/lockbox/internal/envelope"
	"github.com/lockboxkit/lockbox/internal/keyring"
	"github.com/lockboxkit/lockbox/internal/store"
)

// ChangeMasterPassword rotates the master key: it verifies the current
// password, derives a new key from newPassword with a fresh salt,
// re-encrypts every stored item under the new key and only then deletes
// the old key record. A durable migration marker written before the first
// rewrite makes an interruption recoverable: both keys stay persisted until
// every item has been rewritten, and Initialize resumes from the marker.
//
// ctx cancellation is honored between items; a canceled migration leaves
// the marker and both keys in place. Retrying after an interruption is
// safe: any abandoned rotation is rolled back before the new one starts,
// so at most two key generations ever coexist.
func (s *Store) ChangeMasterPassword(ctx context.Context, currentPassword, newPassword string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}
	if s.masterKeyID == "" {
		return false, nil
	}

	oldKeyID := s.masterKeyID
	oldKey, err := s.keys.RetrieveKey(ctx, oldKeyID)
	if err != nil {
		return false, err
	}
	if oldKey == nil {
		return false, nil
	}

	// Verify the current password exactly like Unlock does.
	candidate, err := envelope.DeriveKeyWithMethod([]byte(currentPassword), oldKey.Salt, oldKey.Method)
	if err != nil {
		oldKey.Zero()
		return false, err
	}
	ok := canaryRoundTrip(candidate, oldKey)
	candidate.Zero()
	if !ok {
		oldKey.Zero()
		s.auditUnlockFailed(ctx)
		return false, nil
	}

	if err := s.rollbackAbandoned(ctx, oldKeyID, oldKey); err != nil {
		oldKey.Zero()
		return false, err
	}

	newKeyID := keyring.GenerateKeyID()
	newKey, err := envelope.DeriveKey([]byte(newPassword), nil)
	if err != nil {
		oldKey.Zero()
		return false, fmt.Errorf("derive new master key: %w", err)
	}

	if err := s.keys.StoreKey(ctx, newKeyID, newKey); err != nil {
		oldKey.Zero()
		newKey.Zero()
		return false, err
	}

	marker := &store.MigrationMarker{
		OldKeyID:  oldKeyID,
		NewKeyID:  newKeyID,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.SetMigration(marker); err != nil {
		oldKey.Zero()
		newKey.Zero()
		return false, fmt.Errorf("write migration marker: %w", err)
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventMigrationStart,
		Description: "master password migration started",
		Metadata:    map[string]any{"old_key_id": oldKeyID, "new_key_id": newKeyID},
	})

	if err := s.reencryptItems(ctx, oldKeyID, oldKey, newKeyID, newKey); err != nil {
		// Marker and both keys stay in place; Initialize can resume.
		oldKey.Zero()
		newKey.Zero()
		return false, err
	}

	if err := s.finishMigration(ctx, oldKeyID, newKeyID); err != nil {
		oldKey.Zero()
		newKey.Zero()
		return false, err
	}

	oldKey.Zero()
	if s.masterKey != nil {
		s.masterKey.Zero()
	}
	s.masterKey = newKey
	s.masterKeyID = newKeyID

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventMigrationFinish,
		Description: "master password migration finished",
		Metadata:    map[string]any{"key_id": newKeyID},
	})
	return true, nil
}

// rollbackAbandoned undoes a rotation this session left unfinished: items
// already rewritten under the abandoned key go back under the current
// master key, then the abandoned key is shredded and the marker cleared.
// No-op when no marker exists. Both keys are durable while the marker
// stands, so an interruption here is itself recoverable.
func (s *Store) rollbackAbandoned(ctx context.Context, masterKeyID string, masterKey *envelope.Key) error {
	marker, err := s.db.GetMigration()
	if err != nil {
		return fmt.Errorf("read migration marker: %w", err)
	}
	if marker == nil {
		return nil
	}

	if err := s.reencryptItems(ctx, masterKeyID, masterKey, masterKeyID, masterKey); err != nil {
		return err
	}
	if err := s.keys.DeleteKey(ctx, marker.NewKeyID); err != nil {
		return err
	}
	if err := s.db.ClearMigration(); err != nil {
		return fmt.Errorf("clear migration marker: %w", err)
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelWarn,
		Type:        audit.EventMigrationRollback,
		Description: "abandoned master password migration rolled back",
		Metadata:    map[string]any{"key_id": marker.NewKeyID},
	})
	return nil
}

// reencryptItems rewrites every item not already under newKeyID. The
// decryption key is resolved per item: an envelope stamped with a key id
// other than oldKeyID (left by an interrupted earlier rotation) is
// decrypted with that key from the repository. Item ids, categories,
// metadata and timestamps are preserved; only the envelope is replaced.
func (s *Store) reencryptItems(ctx context.Context, oldKeyID string, oldKey *envelope.Key, newKeyID string, newKey *envelope.Key) error {
	items, err := s.db.ListItems()
	if err != nil {
		return fmt.Errorf("enumerate items: %w", err)
	}

	for _, item := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if item.Envelope.KeyID == newKeyID {
			continue
		}

		decryptKey := oldKey
		transient := false
		if id := item.Envelope.KeyID; id != "" && id != oldKeyID {
			key, err := s.keys.RetrieveKey(ctx, id)
			if err != nil {
				return err
			}
			if key == nil {
				return fmt.Errorf("re-encrypt item %s: %w", item.ID, store.ErrKeyNotFound)
			}
			decryptKey = key
			transient = true
		}

		plaintext, err := envelope.Decrypt(decryptKey, &item.Envelope)
		if transient {
			decryptKey.Zero()
		}
		if err != nil {
			return fmt.Errorf("re-encrypt item %s: %w", item.ID, err)
		}

		env, err := envelope.Encrypt(newKey, plaintext, newKeyID)
		if err != nil {
			return fmt.Errorf("re-encrypt item %s: %w", item.ID, err)
		}

		item.Envelope = *env
		if err := s.db.PutItem(item); err != nil {
			return fmt.Errorf("rewrite item %s: %w", item.ID, err)
		}
	}
	return nil
}

// finishMigration commits the rotation: adopt the new key pointer, shred
// the old key, then clear the marker. Deleting before the marker clears
// means a crash can never strand the retired record; the resume path
// tolerates a missing old key once every item has been rewritten.
func (s *Store) finishMigration(ctx context.Context, oldKeyID, newKeyID string) error {
	if err := s.db.SetMasterKeyID(newKeyID); err != nil {
		return fmt.Errorf("adopt new master key: %w", err)
	}
	if err := s.keys.DeleteKey(ctx, oldKeyID); err != nil {
		return err
	}
	if err := s.db.ClearMigration(); err != nil {
		return fmt.Errorf("clear migration marker: %w", err)
	}
	return nil
}

// resumeMigration completes an interrupted rotation found at Initialize
// time. Requires no password: key records are durable until finishMigration
// deletes the old one. Caller holds the write lock.
func (s *Store) resumeMigration(ctx context.Context) error {
	marker, err := s.db.GetMigration()
	if err != nil {
		return fmt.Errorf("read migration marker: %w", err)
	}
	if marker == nil {
		return nil
	}

	newKey, err := s.keys.RetrieveKey(ctx, marker.NewKeyID)
	if err != nil {
		return err
	}
	if newKey == nil {
		// The new key never became durable, so no item can reference it;
		// the prior state is intact and the marker is stale.
		return s.db.ClearMigration()
	}

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelWarn,
		Type:        audit.EventMigrationResume,
		Description: "resuming interrupted master password migration",
		Metadata:    map[string]any{"old_key_id": marker.OldKeyID, "new_key_id": marker.NewKeyID},
	})

	oldKey, err := s.keys.RetrieveKey(ctx, marker.OldKeyID)
	if err != nil {
		newKey.Zero()
		return err
	}

	if oldKey != nil {
		if err := s.reencryptItems(ctx, marker.OldKeyID, oldKey, marker.NewKeyID, newKey); err != nil {
			oldKey.Zero()
			newKey.Zero()
			return err
		}
		oldKey.Zero()
	}

	if err := s.finishMigration(ctx, marker.OldKeyID, marker.NewKeyID); err != nil {
		newKey.Zero()
		return err
	}
	newKey.Zero()

	s.masterKeyID = marker.NewKeyID

	audit.Fire(ctx, s.sink, audit.Event{
		Level:       audit.LevelInfo,
		Type:        audit.EventMigrationFinish,
		Description: "master password migration finished",
		Metadata:    map[string]any{"key_id": marker.NewKeyID},
	})
	return nil
}

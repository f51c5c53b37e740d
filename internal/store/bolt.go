package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names used in the bbolt database.
var (
	bucketMeta            = []byte("_meta")
	bucketKeys            = []byte("keys")
	bucketItems           = []byte("items")
	bucketItemsByCategory = []byte("items_by_category")
)

// Keys within the meta bucket.
const (
	metaSchemaVersion = "schema_version"
	metaMasterKeyID   = "master_key_id"
	metaMigration     = "migration"
)

// schemaVersion is the current backing-schema version.
const schemaVersion = 1

// BoltBackend implements Backend using bbolt.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) a bbolt database at the given path and
// ensures all required buckets exist. Safe to call against an existing
// database; existing data is never cleared. The file is created with 0600
// permissions.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketMeta,
			bucketKeys,
			bucketItems,
			bucketItemsByCategory,
		} {
			if _, bErr := tx.CreateBucketIfNotExists(b); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", b, bErr)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte(metaSchemaVersion)) == nil {
			if err := meta.Put([]byte(metaSchemaVersion), []byte(strconv.Itoa(schemaVersion))); err != nil {
				return fmt.Errorf("set schema version: %w", err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltBackend) Close() error {
	return s.db.Close()
}

// SchemaVersion reads the stored schema version.
func (s *BoltBackend) SchemaVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(metaSchemaVersion))
		if v == nil {
			return ErrNotFound
		}
		var err error
		version, err = strconv.Atoi(string(v))
		return err
	})
	return version, err
}

// ---------------------------------------------------------------------------
// Key records
// ---------------------------------------------------------------------------

// PutKey stores or replaces a key record.
func (s *BoltBackend) PutKey(rec *KeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal key record: %w", err)
		}
		return tx.Bucket(bucketKeys).Put([]byte(rec.ID), data)
	})
}

// GetKey retrieves a key record by id, or ErrKeyNotFound.
func (s *BoltBackend) GetKey(id string) (*KeyRecord, error) {
	var rec KeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(id))
		if v == nil {
			return ErrKeyNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteKey removes a key record. Deleting an absent record is not an error.
func (s *BoltBackend) DeleteKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(id))
	})
}

// ---------------------------------------------------------------------------
// Encrypted items
// ---------------------------------------------------------------------------

// categoryKey builds the index composite key: "category/itemID".
func categoryKey(category, id string) []byte {
	return []byte(category + "/" + id)
}

// PutItem stores or replaces an item and maintains the category index. If
// an existing item moved category the stale index entry is removed.
func (s *BoltBackend) PutItem(item *Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		idx := tx.Bucket(bucketItemsByCategory)
		idKey := []byte(item.ID)

		if existing := items.Get(idKey); existing != nil {
			var old Item
			if err := json.Unmarshal(existing, &old); err != nil {
				return fmt.Errorf("unmarshal existing item: %w", err)
			}
			if old.Category != item.Category {
				if err := idx.Delete(categoryKey(old.Category, old.ID)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}
		if err := items.Put(idKey, data); err != nil {
			return err
		}
		return idx.Put(categoryKey(item.Category, item.ID), idKey)
	})
}

// GetItem retrieves an item by id, or ErrItemNotFound.
func (s *BoltBackend) GetItem(id string) (*Item, error) {
	var item Item
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketItems).Get([]byte(id))
		if v == nil {
			return ErrItemNotFound
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteItem removes an item and its category index entry. Deleting an
// absent item is not an error.
func (s *BoltBackend) DeleteItem(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketItems)
		v := items.Get([]byte(id))
		if v == nil {
			return nil
		}

		var item Item
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshal item: %w", err)
		}

		if err := items.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketItemsByCategory).Delete(categoryKey(item.Category, item.ID))
	})
}

// ListItems returns every stored item regardless of category.
func (s *BoltBackend) ListItems() ([]*Item, error) {
	var items []*Item
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// ListItemsByCategory returns the items in one category using the index,
// without scanning the whole items bucket.
func (s *BoltBackend) ListItemsByCategory(category string) ([]*Item, error) {
	prefix := category + "/"
	var items []*Item
	err := s.db.View(func(tx *bolt.Tx) error {
		itemsBucket := tx.Bucket(bucketItems)
		c := tx.Bucket(bucketItemsByCategory).Cursor()
		prefixBytes := []byte(prefix)
		for k, id := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, id = c.Next() {
			v := itemsBucket.Get(id)
			if v == nil {
				// Dangling index entry; skip rather than fail the listing.
				continue
			}
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
		}
		return nil
	})
	return items, err
}

// ---------------------------------------------------------------------------
// Store metadata
// ---------------------------------------------------------------------------

// GetMasterKeyID returns the remembered master key id, or "" if none is set.
func (s *BoltBackend) GetMasterKeyID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(metaMasterKeyID)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

// SetMasterKeyID persists the master key pointer.
func (s *BoltBackend) SetMasterKeyID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(metaMasterKeyID), []byte(id))
	})
}

// GetMigration returns the in-flight migration marker, or nil if none.
func (s *BoltBackend) GetMigration() (*MigrationMarker, error) {
	var marker *MigrationMarker
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(metaMigration))
		if v == nil {
			return nil
		}
		marker = &MigrationMarker{}
		return json.Unmarshal(v, marker)
	})
	if err != nil {
		return nil, err
	}
	return marker, nil
}

// SetMigration durably records an in-flight migration.
func (s *BoltBackend) SetMigration(m *MigrationMarker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal migration marker: %w", err)
		}
		return tx.Bucket(bucketMeta).Put([]byte(metaMigration), data)
	})
}

// ClearMigration removes the migration marker.
func (s *BoltBackend) ClearMigration() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete([]byte(metaMigration))
	})
}

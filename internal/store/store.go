package store

import "errors"

// Sentinel errors returned by store operations.
var (
	ErrNotFound     = errors.New("not found")
	ErrKeyNotFound  = errors.New("key record not found")
	ErrItemNotFound = errors.New("item not found")
)

// Backend defines the interface for durable Lockbox storage.
type Backend interface {
	// Key records
	PutKey(rec *KeyRecord) error
	GetKey(id string) (*KeyRecord, error)
	DeleteKey(id string) error

	// Encrypted items
	PutItem(item *Item) error
	GetItem(id string) (*Item, error)
	DeleteItem(id string) error
	ListItems() ([]*Item, error)
	ListItemsByCategory(category string) ([]*Item, error)

	// Store metadata
	GetMasterKeyID() (string, error)
	SetMasterKeyID(id string) error
	GetMigration() (*MigrationMarker, error)
	SetMigration(m *MigrationMarker) error
	ClearMigration() error

	// Lifecycle
	Close() error
}

package store

import (
	"time"

	"github.com/lockboxkit/lockbox/internal/envelope"
)

// KeyRecord is the durable form of a stored encryption key.
type KeyRecord struct {
	ID          string             `json:"id"`
	ExportedKey string             `json:"exported_key"`
	Salt        string             `json:"salt"`
	Method      envelope.KDFMethod `json:"key_derivation_method"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Item is one encrypted document together with its unencrypted metadata.
// Metadata is stored in the clear so items can be listed without
// decryption; callers must never put sensitive data in it.
type Item struct {
	ID        string            `json:"id"`
	Category  string            `json:"category"`
	Envelope  envelope.Envelope `json:"encrypted_data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MigrationMarker records an in-flight master-password rotation. While the
// marker exists both key records remain durable, so an interrupted
// migration can always be resumed.
type MigrationMarker struct {
	OldKeyID  string    `json:"old_key_id"`
	NewKeyID  string    `json:"new_key_id"`
	StartedAt time.Time `json:"started_at"`
}

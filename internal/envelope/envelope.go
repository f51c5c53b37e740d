// Package envelope provides the cryptographic primitives for Lockbox.
// It implements AES-256-GCM authenticated encryption into self-describing
// envelopes, with PBKDF2-SHA256 (default) or Argon2id key derivation.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// SaltSize is the size of salts for key derivation in bytes.
	SaltSize = 16

	// Algorithm is the cipher tag stamped on every envelope.
	Algorithm = "AES-256-GCM"

	// Version is the envelope format version.
	Version = 1
)

var (
	// ErrInvalidKeySize is returned when a key has an incorrect size.
	ErrInvalidKeySize = errors.New("key must be 32 bytes")

	// ErrInvalidSaltSize is returned when a salt has an incorrect size.
	ErrInvalidSaltSize = errors.New("salt must be 16 bytes")

	// ErrEncryptionFailed is returned when the platform cipher cannot be set up.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when decryption fails (authentication error).
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")
)

// Key holds derived symmetric key material together with the salt and
// derivation method it was produced from. Never serialized to logs.
type Key struct {
	Material []byte
	Salt     []byte
	Method   KDFMethod
}

// Zero scrubs the key material in place.
func (k *Key) Zero() {
	if k != nil {
		ZeroBytes(k.Material)
	}
}

// Metadata describes how and when an envelope was produced.
type Metadata struct {
	Version             int       `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	KeyDerivationMethod KDFMethod `json:"key_derivation_method"`
}

// Envelope is the storage form of one encrypted value. Immutable once
// produced; a new encryption of the same plaintext always yields a
// different envelope because the nonce is fresh per call.
type Envelope struct {
	Ciphertext string   `json:"ciphertext"`
	IV         string   `json:"iv"`
	Salt       string   `json:"salt"`
	KeyID      string   `json:"key_id,omitempty"`
	Algorithm  string   `json:"algorithm"`
	Metadata   Metadata `json:"metadata"`
}

// Encrypt encrypts plaintext under key using AES-256-GCM with a fresh
// random nonce. keyID may be empty; when set it records which stored key
// produced the envelope.
func Encrypt(key *Key, plaintext string, keyID string) (*Envelope, error) {
	if key == nil || len(key.Material) != KeySize {
		return nil, ErrInvalidKeySize
	}

	gcm, err := newGCM(key.Material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	// Nonce reuse under the same key breaks GCM; generate fresh bytes on
	// every call, never derive from a counter shared across processes.
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(key.Salt),
		KeyID:      keyID,
		Algorithm:  Algorithm,
		Metadata: Metadata{
			Version:             Version,
			CreatedAt:           time.Now().UTC(),
			KeyDerivationMethod: key.Method,
		},
	}, nil
}

// Decrypt authenticates and decrypts an envelope. Any tampering with the
// ciphertext or IV, or use of the wrong key, returns ErrDecryptionFailed;
// corrupted plaintext is never returned.
func Decrypt(key *Key, env *Envelope) (string, error) {
	if key == nil || len(key.Material) != KeySize {
		return "", ErrInvalidKeySize
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(nonce) != NonceSize {
		return "", ErrDecryptionFailed
	}

	gcm, err := newGCM(key.Material)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// EncryptWithPassword derives a transient key from password with a fresh
// salt and encrypts plaintext. The key is never persisted and is scrubbed
// before returning.
func EncryptWithPassword(password, plaintext string) (*Envelope, error) {
	key, err := DeriveKey([]byte(password), nil)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return Encrypt(key, plaintext, "")
}

// DecryptWithPassword re-derives the key from password using the envelope's
// own salt and recorded derivation method, then decrypts.
func DecryptWithPassword(password string, env *Envelope) (string, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	method := env.Metadata.KeyDerivationMethod
	if method == "" {
		method = DefaultKDF
	}

	key, err := DeriveKeyWithMethod([]byte(password), salt, method)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return Decrypt(key, env)
}

func newGCM(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ZeroBytes securely zeros a byte slice. Use this to clear sensitive data
// from memory when done.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

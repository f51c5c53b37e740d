package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDFMethod names a password key-derivation method recorded per envelope.
type KDFMethod string

const (
	// KDFPBKDF2 is PBKDF2-HMAC-SHA256 with 100,000 iterations.
	KDFPBKDF2 KDFMethod = "pbkdf2-sha256"

	// KDFArgon2id is Argon2id with the parameters below.
	KDFArgon2id KDFMethod = "argon2id"

	// DefaultKDF is the method used when none is requested.
	DefaultKDF = KDFPBKDF2
)

const (
	// PBKDF2Iterations is the iteration count for PBKDF2-SHA256.
	PBKDF2Iterations = 100_000

	// Argon2Time is the time parameter for Argon2id.
	Argon2Time = 3

	// Argon2Memory is the memory parameter for Argon2id in KiB.
	Argon2Memory = 64 * 1024

	// Argon2Threads is the parallelism parameter for Argon2id.
	Argon2Threads = 4
)

// ErrUnknownKDF is returned when an envelope records a derivation method
// this build does not implement.
var ErrUnknownKDF = errors.New("unknown key derivation method")

// GenerateSalt generates a cryptographically secure random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 256-bit key from password using the default method.
// If salt is nil a fresh random salt is generated; otherwise derivation is
// deterministic for the same password and salt.
func DeriveKey(password, salt []byte) (*Key, error) {
	return DeriveKeyWithMethod(password, salt, DefaultKDF)
}

// DeriveKeyWithMethod derives a 256-bit key from password using the given
// method. The salt must be 16 bytes when provided.
func DeriveKeyWithMethod(password, salt []byte, method KDFMethod) (*Key, error) {
	if salt == nil {
		var err error
		salt, err = GenerateSalt()
		if err != nil {
			return nil, err
		}
	}
	if len(salt) != SaltSize {
		return nil, ErrInvalidSaltSize
	}

	var material []byte
	switch method {
	case KDFPBKDF2:
		material = pbkdf2.Key(password, salt, PBKDF2Iterations, KeySize, sha256.New)
	case KDFArgon2id:
		material = argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeySize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKDF, method)
	}

	return &Key{Material: material, Salt: salt, Method: method}, nil
}

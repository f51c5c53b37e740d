package docstore

import "errors"

var (
	// ErrNotAuthenticated is returned when a content operation is attempted
	// while the store is locked.
	ErrNotAuthenticated = errors.New("store is locked")

	// ErrNotInitialized is returned when an operation runs before Initialize.
	ErrNotInitialized = errors.New("store not initialized")
)

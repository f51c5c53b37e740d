package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/lockboxkit/lockbox/internal/audit"
	"github.com/lockboxkit/lockbox/internal/docstore"
	"github.com/lockboxkit/lockbox/internal/keyring"
	"github.com/lockboxkit/lockbox/internal/store"
)

const (
	defaultStoreDir = ".lockbox"
	dbFilename      = "lockbox.db"
)

// getStoreDir returns the store directory path.
// Priority: --store flag > LOCKBOX_DIR env > ~/.lockbox
func getStoreDir() string {
	if storeDir != "" {
		return storeDir
	}
	if dir := os.Getenv("LOCKBOX_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultStoreDir
	}
	return filepath.Join(home, defaultStoreDir)
}

// auditSink returns the sink for engine events: slog in verbose mode,
// otherwise discard.
func auditSink() audit.Sink {
	if verbose {
		return audit.NewSlogSink(slog.Default())
	}
	return audit.NopSink{}
}

// openStore opens the backing database and initializes a locked document
// store over it. The caller owns both and must close the backend.
func openStore() (*docstore.Store, *store.BoltBackend, error) {
	dir := getStoreDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create store directory: %w", err)
	}

	backend, err := store.NewBoltBackend(filepath.Join(dir, dbFilename))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	sink := auditSink()
	ds := docstore.New(backend, keyring.NewRepository(backend, sink), sink)
	if err := ds.Initialize(context.Background()); err != nil {
		backend.Close()
		return nil, nil, err
	}
	return ds, backend, nil
}

// openAndUnlockStore opens the store and unlocks it. It tries the
// LOCKBOX_PASSWORD env var first (for scripting), then prompts
// interactively.
func openAndUnlockStore() (*docstore.Store, *store.BoltBackend, error) {
	ds, backend, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	if ds.MasterKeyID() == "" {
		backend.Close()
		return nil, nil, fmt.Errorf("store not set up at %s, run 'lockbox init' first", getStoreDir())
	}

	password := os.Getenv("LOCKBOX_PASSWORD")
	if password == "" {
		password, err = promptPassword("Enter master password: ")
		if err != nil {
			backend.Close()
			return nil, nil, fmt.Errorf("failed to read password: %w", err)
		}
	}

	ok, err := ds.Unlock(context.Background(), password)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	if !ok {
		backend.Close()
		return nil, nil, fmt.Errorf("wrong master password")
	}

	return ds, backend, nil
}

// resolveCategory determines the category to use.
// Priority: --category flag > "general"
func resolveCategory() string {
	if category != "" {
		return category
	}
	return "general"
}

// promptPassword reads a password from the terminal with echo disabled.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// promptPasswordConfirm prompts for a password twice and ensures they match.
func promptPasswordConfirm() (string, error) {
	pass, err := promptPassword("Enter master password: ")
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	confirm, err := promptPassword("Confirm master password: ")
	if err != nil {
		return "", err
	}
	if pass != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return pass, nil
}

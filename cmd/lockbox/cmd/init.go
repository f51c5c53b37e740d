package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new encrypted store",
	Long: `Initialize a new encrypted document store.

You will be prompted to create a master password that protects your
documents. The password is never stored; losing it makes the store
unrecoverable.

Examples:
  lockbox init
  lockbox init --store ~/my-lockbox`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	password, err := promptPasswordConfirm()
	if err != nil {
		return err
	}

	ds, backend, err := openStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	ok, err := ds.SetupWithPassword(context.Background(), password)
	if err != nil {
		return fmt.Errorf("failed to set up store: %w", err)
	}
	if !ok {
		return fmt.Errorf("store already set up at %s", getStoreDir())
	}

	fmt.Fprintln(os.Stderr)
	Success("Store created at %s", getStoreDir())
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Next steps:")
	fmt.Fprintln(os.Stderr, "  lockbox put ID JSON     Store a document")
	fmt.Fprintln(os.Stderr, "  lockbox get ID          Decrypt a document")
	fmt.Fprintln(os.Stderr, "  lockbox ls              List items")

	return nil
}

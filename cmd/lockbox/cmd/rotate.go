package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Change the master password",
	Long: `Re-encrypt the store under a new master password.

You will be prompted for your current password and then for a new one.
Every stored document is decrypted and re-encrypted under the new key;
the old key is destroyed only after all documents have been rewritten,
so an interruption leaves the store recoverable.`,
	RunE: runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, _ []string) error {
	ds, backend, err := openStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	if ds.MasterKeyID() == "" {
		return fmt.Errorf("store not set up at %s, run 'lockbox init' first", getStoreDir())
	}

	currentPass, err := promptPassword("Current master password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprintln(os.Stderr)
	newPass, err := promptPassword("New master password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if newPass == "" {
		return fmt.Errorf("new password cannot be empty")
	}

	confirm, err := promptPassword("Confirm new master password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if newPass != confirm {
		return fmt.Errorf("passwords do not match")
	}

	ok, err := ds.ChangeMasterPassword(cmd.Context(), currentPass, newPass)
	if err != nil {
		return fmt.Errorf("failed to change master password: %w", err)
	}
	if !ok {
		return fmt.Errorf("wrong master password")
	}

	fmt.Fprintln(os.Stderr)
	Success("Master password changed; all documents re-encrypted")
	return nil
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rmForce bool

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a document",
	Long: `Delete the document with the given id.

Deletion needs no decryption, so no password prompt is shown.

Examples:
  lockbox rm note1
  lockbox rm note1 --force`,
	Aliases: []string{"delete"},
	Args:    cobra.ExactArgs(1),
	RunE:    runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "skip confirmation")
}

func runRm(_ *cobra.Command, args []string) error {
	id := args[0]

	if !rmForce && !PromptConfirm(fmt.Sprintf("Delete item %q?", id)) {
		return nil
	}

	ds, backend, err := openStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := ds.DeleteItem(context.Background(), id); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	Success("Deleted %s", id)
	return nil
}

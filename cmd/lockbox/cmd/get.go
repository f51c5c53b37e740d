package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Decrypt and print a document",
	Long: `Decrypt the document with the given id and print it to stdout.

Messages go to stderr, making this command pipe-friendly.

Examples:
  lockbox get note1
  lockbox get note1 | jq .text`,
	Aliases: []string{"g"},
	Args:    cobra.ExactArgs(1),
	RunE:    runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(_ *cobra.Command, args []string) error {
	ds, backend, err := openAndUnlockStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	var content any
	found, err := ds.RetrieveItem(context.Background(), args[0], &content)
	if err != nil {
		return fmt.Errorf("failed to retrieve item: %w", err)
	}
	if !found {
		return fmt.Errorf("no item with id %q", args[0])
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(content)
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List items in a category",
	Long: `List item ids and unencrypted metadata for one category.

Listing never decrypts anything and works without the master password.

Examples:
  lockbox ls
  lockbox ls --category contacts
  lockbox ls --json`,
	Aliases: []string{"list"},
	RunE:    runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runLs(_ *cobra.Command, _ []string) error {
	ds, backend, err := openStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	items, err := ds.ListItemsByCategory(context.Background(), resolveCategory())
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Fprintln(os.Stderr, "No items found.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Add one with: lockbox put ID JSON")
		return nil
	}

	for _, item := range items {
		line := item.ID
		for k, v := range item.Metadata {
			line += " " + Dim("%s=%s", k, v)
		}
		fmt.Println(line)
	}

	return nil
}

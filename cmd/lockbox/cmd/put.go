package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var putMeta []string

var putCmd = &cobra.Command{
	Use:   "put <id> <json>",
	Short: "Store an encrypted document",
	Long: `Encrypt a JSON document and store it under the given id.

Storing to an existing id replaces the document and resets its
timestamps. Metadata attached with --meta is stored unencrypted so
items can be listed without unlocking; never put sensitive data in it.

Examples:
  lockbox put note1 '{"text":"hi"}'
  lockbox put contact:bob '{"email":"bob@example.com"}' --category contacts
  lockbox put note2 '{"text":"draft"}' --meta subject=drafts --meta pinned=true`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringArrayVar(&putMeta, "meta", nil, "unencrypted metadata entry, key=value (repeatable)")
}

func runPut(_ *cobra.Command, args []string) error {
	id, payload := args[0], args[1]

	var content any
	if err := json.Unmarshal([]byte(payload), &content); err != nil {
		return fmt.Errorf("content is not valid JSON: %w", err)
	}

	metadata, err := parseMeta(putMeta)
	if err != nil {
		return err
	}

	ds, backend, err := openAndUnlockStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	if _, err := ds.StoreItem(context.Background(), id, resolveCategory(), content, metadata); err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}

	Success("Stored %s", id)
	return nil
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid --meta entry %q, expected key=value", pair)
		}
		metadata[k] = v
	}
	return metadata, nil
}

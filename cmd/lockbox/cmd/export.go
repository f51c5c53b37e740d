package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/lockboxkit/lockbox/internal/docstore"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the item index",
	Long: `Export item ids and unencrypted metadata for one category.

Only the index is exported; document contents stay encrypted and are
never written out. Useful for inventory and backup manifests.

Examples:
  lockbox export --format json -o index.json
  lockbox export --format yaml --category contacts`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format: json, yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}

func runExport(_ *cobra.Command, _ []string) error {
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

	var data []byte
	switch exportFormat {
	case "json":
		data, err = json.MarshalIndent(struct {
			Category string              `json:"category"`
			Items    []docstore.ItemInfo `json:"items"`
		}{resolveCategory(), items}, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(struct {
			Category string              `yaml:"category"`
			Items    []docstore.ItemInfo `yaml:"items"`
		}{resolveCategory(), items})
	default:
		return fmt.Errorf("unknown format: %s (valid: json, yaml)", exportFormat)
	}
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}

	if exportOutput != "" {
		if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		Success("Exported %d items to %s", len(items), exportOutput)
		return nil
	}

	_, err = os.Stdout.Write(data)
	return err
}
